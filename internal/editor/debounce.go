package editor

import (
	"sync"
	"time"

	"github.com/AltairaLabs/ide-bridge/internal/contextcache"
)

// Debouncer coalesces selection snapshots per document. Within one window
// only the newest accepted snapshot is forwarded, once the window goes quiet.
type Debouncer struct {
	window  time.Duration
	forward func(contextcache.Snapshot)

	mu      sync.Mutex
	pending map[string]*pendingSelection
	gen     uint64

	fwdMu sync.Mutex
}

type pendingSelection struct {
	snap  contextcache.Snapshot
	gen   uint64
	timer *time.Timer
}

// NewDebouncer creates a debouncer. A zero window forwards synchronously.
func NewDebouncer(window time.Duration, forward func(contextcache.Snapshot)) *Debouncer {
	return &Debouncer{
		window:  window,
		forward: forward,
		pending: make(map[string]*pendingSelection),
	}
}

// Submit buffers s. It reports false when s is not newer than the snapshot
// already buffered for the same document.
func (d *Debouncer) Submit(s contextcache.Snapshot) bool {
	if d.window <= 0 {
		d.deliver(s)
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[s.URI]
	if ok {
		if s.Seq <= p.snap.Seq {
			return false
		}
		p.timer.Stop()
	} else {
		p = &pendingSelection{}
		d.pending[s.URI] = p
	}
	d.gen++
	gen := d.gen
	p.snap = s
	p.gen = gen
	uri := s.URI
	p.timer = time.AfterFunc(d.window, func() { d.fire(uri, gen) })
	return true
}

// PendingSeq returns the sequence number buffered for uri, if any
func (d *Debouncer) PendingSeq(uri string) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[uri]
	if !ok {
		return 0, false
	}
	return p.snap.Seq, true
}

func (d *Debouncer) fire(uri string, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[uri]
	if !ok || p.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.pending, uri)
	snap := p.snap
	d.mu.Unlock()

	d.deliver(snap)
}

func (d *Debouncer) deliver(s contextcache.Snapshot) {
	d.fwdMu.Lock()
	defer d.fwdMu.Unlock()
	d.forward(s)
}

// Flush forwards every buffered snapshot immediately
func (d *Debouncer) Flush() {
	d.mu.Lock()
	snaps := make([]contextcache.Snapshot, 0, len(d.pending))
	for uri, p := range d.pending {
		p.timer.Stop()
		snaps = append(snaps, p.snap)
		delete(d.pending, uri)
	}
	d.mu.Unlock()

	for _, s := range snaps {
		d.deliver(s)
	}
}
