package config

import "time"

// Default timing configurations used throughout the bridge
const (
	// DefaultDebounce is the per-document selection coalescing window
	DefaultDebounce = 150 * time.Millisecond

	// DefaultInvocationTimeout bounds how long a tool call waits for the editor
	DefaultInvocationTimeout = 30 * time.Second

	// DefaultHeartbeatInterval is how often the supervisor checks connection liveness
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultLivenessWindow is how long a connection may stay silent before it is probed
	DefaultLivenessWindow = 30 * time.Second

	// DefaultProbeTimeout is how long a probe may go unanswered before teardown
	DefaultProbeTimeout = 10 * time.Second

	// DefaultReconnectInitialDelay is the first backoff delay after a channel failure
	DefaultReconnectInitialDelay = 250 * time.Millisecond

	// DefaultReconnectMaxDelay caps the backoff delay
	DefaultReconnectMaxDelay = 15 * time.Second

	// DefaultReconnectMaxRetries bounds consecutive reconnect attempts
	DefaultReconnectMaxRetries = 8

	// DefaultReconnectMultiplier is the exponential backoff factor
	DefaultReconnectMultiplier = 2.0

	// DefaultReconnectJitter is the fraction of each delay added at random
	DefaultReconnectJitter = 0.2

	// DefaultTokenTTL of zero means published tokens never expire
	DefaultTokenTTL = time.Duration(0)

	// DefaultWriteTimeout bounds a single websocket or LSP write
	DefaultWriteTimeout = 10 * time.Second

	// DefaultDrainTimeout bounds how long a draining connection waits for outstanding invocations
	DefaultDrainTimeout = 5 * time.Second

	// DefaultShutdownTimeout is the grace period for the daemon to stop
	DefaultShutdownTimeout = 5 * time.Second
)

// Default limits
const (
	// DefaultProtocolViolationLimit is how many malformed frames a connection may send before draining
	DefaultProtocolViolationLimit = 5

	// DefaultMaxMessageSize is the largest inbound websocket frame accepted
	DefaultMaxMessageSize = 16 << 20

	// DefaultOutboxSize caps queued context pushes per connection before coalescing kicks in
	DefaultOutboxSize = 64
)
