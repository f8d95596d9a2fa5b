package editor

import (
	"os"
	"strings"

	"github.com/AltairaLabs/ide-bridge/internal/contextcache"
)

// Reasons a selection event is dropped
const (
	discardStale     = "stale"
	discardDuplicate = "duplicate"
)

// OnOpen records a newly opened document
func (s *Server) OnOpen(d contextcache.Document) {
	s.cache.OpenDocument(d)
}

// OnChange applies content changes to an open document
func (s *Server) OnChange(uri string, version int32, changes []contextcache.Change) error {
	return s.cache.ChangeDocument(uri, version, changes)
}

// OnClose forgets a document; its selection history is kept
func (s *Server) OnClose(uri string) {
	s.cache.CloseDocument(uri)
}

// OnSelection buffers a selection event for uri. A zero seq is assigned
// above every seq already seen for the document; an explicit seq not newer
// than any seq seen for the document is discarded. It reports whether the event
// was accepted.
func (s *Server) OnSelection(uri string, ranges []contextcache.Range, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Seqs dropped as duplicates still count, so a later event cannot
	// slip in below them.
	high := max(s.cache.Seq(uri), s.seqs[uri])
	if pending, ok := s.debouncer.PendingSeq(uri); ok && pending > high {
		high = pending
	}

	if seq == 0 {
		seq = high + 1
	} else if seq <= high {
		s.logger.Debug("discarding stale selection", "uri", uri, "seq", seq, "newest_seq", high)
		s.metrics.SelectionDiscarded(discardStale)
		return false
	}
	if seq > s.seqs[uri] {
		s.seqs[uri] = seq
	}

	snap := contextcache.Snapshot{URI: uri, Ranges: normalize(ranges), Seq: seq}
	if !s.debouncer.Submit(snap) {
		s.metrics.SelectionDiscarded(discardStale)
		return false
	}
	return true
}

func normalize(ranges []contextcache.Range) []contextcache.Range {
	out := make([]contextcache.Range, len(ranges))
	for i, r := range ranges {
		out[i] = r.Normalized()
	}
	return out
}

// forwardSelection runs once per debounce window with the surviving snapshot
func (s *Server) forwardSelection(snap contextcache.Snapshot) {
	if cur, ok := s.cache.CurrentSnapshot(snap.URI); ok && cur.SameSelection(snap) {
		s.metrics.SelectionDiscarded(discardDuplicate)
		return
	}
	snap.Text = s.selectedText(snap.URI, snap.Primary())
	if !s.cache.Apply(snap) {
		s.metrics.SelectionDiscarded(discardStale)
	}
}

// selectedText reads the text of r from the cached document, falling back to
// the file on disk for documents the editor never opened.
func (s *Server) selectedText(uri string, r contextcache.Range) string {
	if r.IsEmpty() {
		return ""
	}
	if d, ok := s.cache.Document(uri); ok {
		return contextcache.TextInRange(d.Content, r)
	}
	if !strings.HasPrefix(uri, "file://") {
		return ""
	}
	data, err := os.ReadFile(contextcache.URIToPath(uri))
	if err != nil {
		s.logger.Debug("cannot read selection text", "uri", uri, "error", err)
		return ""
	}
	return contextcache.TextInRange(string(data), r)
}
