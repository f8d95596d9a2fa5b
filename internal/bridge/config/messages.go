package config

// Messages used throughout the bridge
const (
	// MsgUnsupported is the status reported when the editor lacks a capability
	MsgUnsupported = "unsupported"
	// MsgDiffAccepted is returned when a proposed diff was applied
	MsgDiffAccepted = "FILE_SAVED"
	// MsgDiffRejected is returned when the editor refused a proposed diff
	MsgDiffRejected = "DIFF_REJECTED"
	// ErrUnknownInvocation is reported for results that match no pending invocation
	ErrUnknownInvocation = "unknown invocation id %q"
	// ErrSensitivePath is reported when a tool targets a protected path
	ErrSensitivePath = "path %q matches a sensitive path rule"
	// ErrConnectionDraining is reported for tool calls on a draining connection
	ErrConnectionDraining = "connection is draining"
	// ErrTokenMismatch is reported when the agent presents the wrong token
	ErrTokenMismatch = "token mismatch"
	// ErrTokenExpired is reported when the published token has expired
	ErrTokenExpired = "token expired"
)
