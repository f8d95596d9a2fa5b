package supervisor

import (
	"context"
	"time"
)

// State is a connection lifecycle state
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticated
	Streaming
	Draining
	// Failed is terminal: reconnect attempts ran out
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Live reports whether a connection in this state may still carry traffic
func (s State) Live() bool {
	return s == Connecting || s == Authenticated || s == Streaming || s == Draining
}

// legalTransitions lists the states reachable from each state. Disconnected
// is reachable from anywhere except Failed.
var legalTransitions = map[State][]State{
	Disconnected:  {Connecting, Failed},
	Connecting:    {Authenticated, Streaming, Connecting, Failed},
	Authenticated: {Streaming, Draining, Connecting},
	Streaming:     {Draining, Connecting},
	Draining:      {Streaming, Connecting},
}

func legal(from, to State) bool {
	if from == to {
		return true
	}
	if from == Failed {
		return false
	}
	if to == Disconnected {
		return true
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ConnectionRecord is the supervisor's view of one channel or connection
type ConnectionRecord struct {
	ID            string
	Channel       string
	State         State
	LastActivity  time.Time
	RetryCount    int
	BackoffUntil  time.Time
	ProbeDeadline time.Time
	Err           error
}

// Prober is implemented by connections the supervisor keeps alive
type Prober interface {
	// Probe returns nil once the peer has proven it is alive
	Probe(ctx context.Context) error
	// Teardown closes the connection so blocked reads and writes return
	Teardown(reason error)
}

// Channel is a long running side of the bridge the supervisor restarts
type Channel interface {
	Name() string
	Serve(ctx context.Context) error
}

// Rebuilder is implemented by channels that need work before a restart
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// Observer is told about every state change and reconnect attempt
type Observer interface {
	StateChanged(rec ConnectionRecord)
	ReconnectAttempt(channel string, attempt int, delay time.Duration)
}

// Hooks is the surface channels use to report lifecycle and activity
type Hooks interface {
	Monitor(id, channel string, p Prober) ConnectionRecord
	Transition(id string, st State) error
	Touch(id string)
	Release(id string)
	Accepting(id string) bool
}

// NopHooks satisfies Hooks without supervising anything
type NopHooks struct{}

func (NopHooks) Monitor(id, channel string, _ Prober) ConnectionRecord {
	return ConnectionRecord{ID: id, Channel: channel, State: Connecting}
}
func (NopHooks) Transition(string, State) error { return nil }
func (NopHooks) Touch(string)                   {}
func (NopHooks) Release(string)                 {}
func (NopHooks) Accepting(string) bool          { return true }
