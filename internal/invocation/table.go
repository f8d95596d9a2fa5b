package invocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AltairaLabs/ide-bridge/internal/bridge/config"
	"github.com/AltairaLabs/ide-bridge/internal/types"
)

// Status of a pending invocation
type Status int

const (
	StatusOutstanding Status = iota
	StatusCompleted
	StatusTimedOut
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOutstanding:
		return "outstanding"
	case StatusCompleted:
		return "completed"
	case StatusTimedOut:
		return "timed_out"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ErrCancelled is delivered to waiters whose connection went away
var ErrCancelled = errors.New("invocation cancelled")

// Request is a validated tool call handed to the editor side
type Request struct {
	ID        string
	ConnID    string
	Tool      string
	Arguments map[string]any
}

// Result is the editor side outcome of a request
type Result struct {
	// Payload is encoded as the tool result body
	Payload any
	// Unsupported marks a capability the editor does not offer
	Unsupported bool
	// Err is an editor-side rejection
	Err error
}

// Pending is an outstanding tool invocation awaiting its result
type Pending struct {
	Request
	IssuedAt time.Time
	Deadline time.Time

	status Status
	result Result
	done   chan struct{}
}

// Table tracks pending invocations by id
type Table struct {
	mu      sync.Mutex
	pending map[string]*Pending
	now     func() time.Time
	logger  *slog.Logger
}

// NewTable creates an empty invocation table
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		pending: make(map[string]*Pending),
		now:     time.Now,
		logger:  logger,
	}
}

// Begin registers req with a deadline timeout from now. Duplicate ids are a
// protocol error.
func (t *Table) Begin(req Request, timeout time.Duration) (*Pending, error) {
	if req.ID == "" {
		return nil, types.ProtocolError("begin", errors.New("invocation id cannot be empty"))
	}
	if timeout <= 0 {
		timeout = config.DefaultInvocationTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[req.ID]; exists {
		return nil, types.ProtocolError("begin", fmt.Errorf("duplicate invocation id %q", req.ID))
	}
	now := t.now()
	p := &Pending{
		Request:  req,
		IssuedAt: now,
		Deadline: now.Add(timeout),
		done:     make(chan struct{}),
	}
	t.pending[req.ID] = p
	return p, nil
}

// Complete delivers res to the invocation with the given id. Unknown or
// already finished ids are a protocol error.
func (t *Table) Complete(id string, res Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return types.ProtocolError("complete", fmt.Errorf(config.ErrUnknownInvocation, id))
	}
	t.finish(p, StatusCompleted, res)
	return nil
}

// finish must be called with t.mu held
func (t *Table) finish(p *Pending, status Status, res Result) {
	p.status = status
	p.result = res
	close(p.done)
	delete(t.pending, p.ID)
}

// Wait blocks until p completes, its deadline passes, or ctx is done
func (t *Table) Wait(ctx context.Context, p *Pending) (Result, error) {
	timer := time.NewTimer(time.Until(p.Deadline))
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		t.expire(p, StatusTimedOut)
	case <-ctx.Done():
		t.expire(p, StatusCancelled)
	}

	t.mu.Lock()
	status, res := p.status, p.result
	t.mu.Unlock()

	switch status {
	case StatusCompleted:
		return res, nil
	case StatusTimedOut:
		return Result{}, types.TimeoutError("invocation "+p.Tool, fmt.Errorf("no result for %s within %s", p.ID, p.Deadline.Sub(p.IssuedAt)))
	default:
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		return Result{}, ErrCancelled
	}
}

// expire finishes p with status unless a result already arrived
func (t *Table) expire(p *Pending, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[p.ID]; ok {
		t.finish(p, status, Result{})
	}
}

// Outstanding returns the number of unfinished invocations for a connection.
// An empty connID counts all of them.
func (t *Table) Outstanding(connID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if connID == "" {
		return len(t.pending)
	}
	n := 0
	for _, p := range t.pending {
		if p.ConnID == connID {
			n++
		}
	}
	return n
}

// CancelConn cancels every invocation owned by connID and returns how many
func (t *Table) CancelConn(connID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.pending {
		if p.ConnID == connID {
			t.finish(p, StatusCancelled, Result{})
			n++
		}
	}
	return n
}

// Sweep expires invocations past their deadline and cancels those whose
// connection is no longer alive. It returns how many were removed.
func (t *Table) Sweep(now time.Time, alive func(connID string) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, p := range t.pending {
		switch {
		case now.After(p.Deadline):
			t.finish(p, StatusTimedOut, Result{})
		case alive != nil && !alive(p.ConnID):
			t.finish(p, StatusCancelled, Result{})
		default:
			continue
		}
		removed++
		t.logger.Debug("swept pending invocation", "invocation_id", p.ID, "tool", p.Tool, "status", p.status.String())
	}
	return removed
}
