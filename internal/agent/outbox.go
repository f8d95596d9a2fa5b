package agent

import (
	"errors"
	"sync"
)

// errOutboxFull is returned when an agent stops reading long enough for
// uncoalescable messages to pile up
var errOutboxFull = errors.New("outbox full")

// documentsKey coalesces open document set updates
const documentsKey = "\x00documents"

type outItem struct {
	data   []byte
	method string
	key    string
	seq    uint64
}

// outbox is a per-connection send queue. Selection pushes for a document
// that are still queued are replaced by newer ones in place, so order within
// a document holds and every delivered seq is higher than the last.
type outbox struct {
	mu      sync.Mutex
	queue   []*outItem
	pending map[string]*outItem
	lastSeq map[string]uint64
	limit   int
	ready   chan struct{}
	closed  bool
	// writing is set between pop and sent
	writing bool
}

func newOutbox(limit int) *outbox {
	return &outbox{
		pending: make(map[string]*outItem),
		lastSeq: make(map[string]uint64),
		limit:   limit,
		ready:   make(chan struct{}, 1),
	}
}

func (o *outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// push queues a message that is never coalesced
func (o *outbox) push(data []byte, method string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	if o.limit > 0 && len(o.queue) >= o.limit {
		return errOutboxFull
	}
	o.queue = append(o.queue, &outItem{data: data, method: method})
	o.signal()
	return nil
}

// pushKeyed queues a message that replaces any still queued message with
// the same key. A seq not above the last one queued for key is dropped.
// It reports whether an older message was replaced.
func (o *outbox) pushKeyed(key string, seq uint64, data []byte, method string) (coalesced, accepted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false, false
	}
	if seq > 0 {
		if seq <= o.lastSeq[key] {
			return false, false
		}
		o.lastSeq[key] = seq
	}
	if it, ok := o.pending[key]; ok {
		it.data, it.seq = data, seq
		return true, true
	}
	it := &outItem{data: data, method: method, key: key, seq: seq}
	o.pending[key] = it
	o.queue = append(o.queue, it)
	o.signal()
	return false, true
}

// pop removes the next message
func (o *outbox) pop() (*outItem, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return nil, false
	}
	it := o.queue[0]
	o.writing = true
	o.queue[0] = nil
	o.queue = o.queue[1:]
	if it.key != "" && o.pending[it.key] == it {
		delete(o.pending, it.key)
	}
	return it, true
}

// sent marks the last popped message as written
func (o *outbox) sent() {
	o.mu.Lock()
	o.writing = false
	o.mu.Unlock()
}

// idle reports whether nothing is queued or being written
func (o *outbox) idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue) == 0 && !o.writing
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.queue = nil
	clear(o.pending)
	o.mu.Unlock()
}
