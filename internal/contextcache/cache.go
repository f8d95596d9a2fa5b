package contextcache

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Document is the cached state of one open editor document
type Document struct {
	URI        string
	LanguageID string
	Version    int32
	Content    string
	// ContentLength is measured in UTF-16 code units
	ContentLength int
	ModifiedAt    time.Time
	// Dirty is set by edits and cleared by saves
	Dirty bool
}

// Snapshot is the editor selection state of one document at an instant
type Snapshot struct {
	URI        string    `json:"uri"`
	Ranges     []Range   `json:"ranges"`
	Text       string    `json:"text"`
	CapturedAt time.Time `json:"capturedAt"`
	Seq        uint64    `json:"seq"`
}

// Primary returns the first range, or an empty range when there is none
func (s Snapshot) Primary() Range {
	if len(s.Ranges) == 0 {
		return Range{}
	}
	return s.Ranges[0]
}

// SameSelection reports whether s and o select the same ranges of the same document
func (s Snapshot) SameSelection(o Snapshot) bool {
	return s.URI == o.URI && slices.Equal(s.Ranges, o.Ranges)
}

func (s Snapshot) clone() Snapshot {
	s.Ranges = slices.Clone(s.Ranges)
	return s
}

// Change is one content change; a nil Range replaces the whole document
type Change struct {
	Range *Range
	Text  string
}

// Mention is a user request to point the agent at a span of a file
type Mention struct {
	URI       string
	LineStart int
	LineEnd   int
}

// EventKind identifies what a cache event carries
type EventKind int

const (
	EventSelection EventKind = iota
	EventDocuments
	EventMention
)

// Event is delivered to subscribers after each accepted write
type Event struct {
	Kind      EventKind
	Snapshot  Snapshot
	Documents []string
	Mention   Mention
}

// Cache holds the latest selection per document and the open document set.
// Writes are serialized so subscribers see them in apply order; subscribers
// run on the writer's goroutine and must not write back into the cache.
type Cache struct {
	logger *slog.Logger
	now    func() time.Time

	writeMu sync.Mutex

	mu        sync.RWMutex
	docs      map[string]*Document
	order     []string
	snapshots map[string]Snapshot
	latest    string

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// New creates an empty cache
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		logger:    logger,
		now:       time.Now,
		docs:      make(map[string]*Document),
		snapshots: make(map[string]Snapshot),
		subs:      make(map[int]func(Event)),
	}
}

// Subscribe registers fn for every subsequent event and returns a cancel func
func (c *Cache) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Cache) publish(ev Event) {
	c.subMu.RLock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Apply replaces the snapshot for s.URI unless s is not newer than the cached
// one. It reports whether the snapshot was accepted.
func (c *Cache) Apply(s Snapshot) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if cur, ok := c.snapshots[s.URI]; ok && s.Seq <= cur.Seq {
		c.mu.Unlock()
		c.logger.Debug("discarding stale selection",
			"uri", s.URI, "seq", s.Seq, "cached_seq", cur.Seq)
		return false
	}
	if s.CapturedAt.IsZero() {
		s.CapturedAt = c.now()
	}
	s = s.clone()
	c.snapshots[s.URI] = s
	c.latest = s.URI
	c.mu.Unlock()

	c.publish(Event{Kind: EventSelection, Snapshot: s.clone()})
	return true
}

// CurrentSnapshot returns the cached snapshot for uri
func (c *Cache) CurrentSnapshot(uri string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.snapshots[uri]
	return s.clone(), ok
}

// Latest returns the most recently applied snapshot across all documents
func (c *Cache) Latest() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == "" {
		return Snapshot{}, false
	}
	s, ok := c.snapshots[c.latest]
	return s.clone(), ok
}

// Seq returns the highest accepted sequence number for uri
func (c *Cache) Seq(uri string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshots[uri].Seq
}

// OpenDocuments returns open document URIs in the order they were opened
func (c *Cache) OpenDocuments() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.order)
}

// Document returns a copy of the cached state of uri
func (c *Cache) Document(uri string) (Document, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.docs[uri]
	if !ok {
		return Document{}, false
	}
	return *d, true
}

// OpenDocument records a newly opened document. Reopening replaces its state.
func (c *Cache) OpenDocument(d Document) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	d.ContentLength = UTF16Len(d.Content)
	if d.ModifiedAt.IsZero() {
		d.ModifiedAt = c.now()
	}

	c.mu.Lock()
	_, existed := c.docs[d.URI]
	c.docs[d.URI] = &d
	if !existed {
		c.order = append(c.order, d.URI)
	}
	docs := slices.Clone(c.order)
	c.mu.Unlock()

	if !existed {
		c.publish(Event{Kind: EventDocuments, Documents: docs})
	}
}

// ChangeDocument applies content changes in order. Changes to unknown
// documents are an error.
func (c *Cache) ChangeDocument(uri string, version int32, changes []Change) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.docs[uri]
	if !ok {
		return fmt.Errorf("change for unopened document %s", uri)
	}
	content := d.Content
	for _, ch := range changes {
		if ch.Range == nil {
			content = ch.Text
			continue
		}
		next, err := ApplyEdit(content, *ch.Range, ch.Text)
		if err != nil {
			return fmt.Errorf("change for %s: %w", uri, err)
		}
		content = next
	}
	d.Content = content
	d.ContentLength = UTF16Len(content)
	d.Version = version
	d.ModifiedAt = c.now()
	d.Dirty = true
	return nil
}

// SaveDocument marks uri saved. A non-nil text replaces the cached content.
func (c *Cache) SaveDocument(uri string, text *string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.docs[uri]
	if !ok {
		return
	}
	if text != nil {
		d.Content = *text
		d.ContentLength = UTF16Len(*text)
	}
	d.Dirty = false
	d.ModifiedAt = c.now()
}

// CloseDocument forgets uri's document state. Its selection snapshot is kept
// so sequence numbers keep increasing if the document is reopened.
func (c *Cache) CloseDocument(uri string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	_, existed := c.docs[uri]
	delete(c.docs, uri)
	c.order = slices.DeleteFunc(c.order, func(u string) bool { return u == uri })
	docs := slices.Clone(c.order)
	c.mu.Unlock()

	if existed {
		c.publish(Event{Kind: EventDocuments, Documents: docs})
	}
}

// Mention forwards an at-mention to subscribers
func (c *Cache) Mention(m Mention) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.publish(Event{Kind: EventMention, Mention: m})
}
