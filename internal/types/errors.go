package types

import (
	"errors"
	"fmt"
)

// Kind classifies bridge errors so callers can decide between logging,
// tearing a connection down, or exiting.
type Kind int

const (
	KindUnknown Kind = iota
	KindDiscovery
	KindAuth
	KindProtocol
	KindTimeout
	KindReconnectExhausted
)

// Sentinels matched by errors.Is against any *Error of the same kind
var (
	ErrDiscovery          = errors.New("discovery error")
	ErrAuth               = errors.New("authentication error")
	ErrProtocol           = errors.New("protocol error")
	ErrTimeout            = errors.New("timeout")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

func (k Kind) String() string {
	switch k {
	case KindDiscovery:
		return "discovery"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindReconnectExhausted:
		return "reconnect_exhausted"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindDiscovery:
		return ErrDiscovery
	case KindAuth:
		return ErrAuth
	case KindProtocol:
		return ErrProtocol
	case KindTimeout:
		return ErrTimeout
	case KindReconnectExhausted:
		return ErrReconnectExhausted
	default:
		return nil
	}
}

// Error is a classified bridge error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.sentinel()
	if msg == nil {
		msg = errors.New("error")
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, msg)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

// DiscoveryError reports a failure to publish, read or withdraw a session record.
func DiscoveryError(op string, err error) error {
	return &Error{Kind: KindDiscovery, Op: op, Err: err}
}

// AuthError reports a rejected or expired token.
func AuthError(op string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// ProtocolError reports a malformed message, unknown id or illegal state transition.
func ProtocolError(op string, err error) error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// TimeoutError reports a deadline passing on a probe, request or invocation.
func TimeoutError(op string, err error) error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

// ReconnectExhaustedError reports that the backoff policy ran out of attempts.
func ReconnectExhaustedError(op string, err error) error {
	return &Error{Kind: KindReconnectExhausted, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
