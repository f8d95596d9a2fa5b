package agent

import (
	"context"
	"log/slog"
	"time"
)

// AuditEntry is one logged tool invocation
type AuditEntry struct {
	Timestamp    time.Time
	ConnectionID string
	InvocationID string
	ToolName     string
	Arguments    map[string]any
	Outcome      string
	Duration     time.Duration
	ErrorMsg     string
}

// AuditLogger records tool calls and their results
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger: logger,
	}
}

// LogToolCall logs a tool invocation. Argument values are not logged, only
// their names.
func (al *AuditLogger) LogToolCall(ctx context.Context, entry *AuditEntry) {
	keys := make([]string, 0, len(entry.Arguments))
	for k := range entry.Arguments {
		keys = append(keys, k)
	}
	al.logger.InfoContext(ctx, "tool_call",
		"connection_id", entry.ConnectionID,
		"invocation_id", entry.InvocationID,
		"tool_name", entry.ToolName,
		"arguments", keys,
		"timestamp", entry.Timestamp,
	)
}

// LogToolResult logs the outcome of a tool invocation
func (al *AuditLogger) LogToolResult(ctx context.Context, entry *AuditEntry) {
	if entry.ErrorMsg != "" {
		al.logger.WarnContext(ctx, "tool_error",
			"connection_id", entry.ConnectionID,
			"invocation_id", entry.InvocationID,
			"tool_name", entry.ToolName,
			"outcome", entry.Outcome,
			"error", entry.ErrorMsg,
			"duration_ms", entry.Duration.Milliseconds(),
		)
		return
	}
	al.logger.InfoContext(ctx, "tool_result",
		"connection_id", entry.ConnectionID,
		"invocation_id", entry.InvocationID,
		"tool_name", entry.ToolName,
		"outcome", entry.Outcome,
		"duration_ms", entry.Duration.Milliseconds(),
	)
}
