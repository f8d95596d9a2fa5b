package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AltairaLabs/ide-bridge/internal/bridge/config"
	"github.com/AltairaLabs/ide-bridge/internal/invocation"
)

const (
	outcomeOK          = "ok"
	outcomeInvalid     = "invalid"
	outcomeRejected    = "rejected"
	outcomeError       = "error"
	outcomeUnsupported = "unsupported"
)

// registerTools registers the editor tool surface with the MCP server
func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool(config.ToolOpenFile,
		mcp.WithDescription("Open a file in the editor and optionally select a span of text"),
		mcp.WithString("filePath", mcp.Required(), mcp.Description("Absolute path or file URI of the file to open")),
		mcp.WithBoolean("preview", mcp.Description("Open the file in preview mode")),
		mcp.WithString("startText", mcp.Description("Text marking the start of the selection")),
		mcp.WithString("endText", mcp.Description("Text marking the end of the selection")),
		mcp.WithBoolean("makeFrontmost", mcp.Description("Focus the opened file"), mcp.DefaultBool(true)),
	), s.toolHandler(config.ToolOpenFile))

	s.mcp.AddTool(mcp.NewTool(config.ToolOpenDiff,
		mcp.WithDescription("Propose new contents for a file and wait for the user to accept or reject them"),
		mcp.WithString("old_file_path", mcp.Required(), mcp.Description("Absolute path of the file being changed")),
		mcp.WithString("new_file_path", mcp.Description("Absolute path the new contents belong to")),
		mcp.WithString("new_file_contents", mcp.Required(), mcp.Description("Proposed file contents")),
		mcp.WithString("tab_name", mcp.Description("Label for the diff view")),
	), s.toolHandler(config.ToolOpenDiff))

	s.mcp.AddTool(mcp.NewTool(config.ToolInsertText,
		mcp.WithDescription("Insert text into a document at a position"),
		mcp.WithString("filePath", mcp.Required(), mcp.Description("Absolute path of the document")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Text to insert")),
		mcp.WithNumber("line", mcp.Description("Zero-based line")),
		mcp.WithNumber("character", mcp.Description("Zero-based UTF-16 column")),
	), s.toolHandler(config.ToolInsertText))

	s.mcp.AddTool(mcp.NewTool(config.ToolGetOpenEditors,
		mcp.WithDescription("List the documents open in the editor"),
	), s.toolHandler(config.ToolGetOpenEditors))

	s.mcp.AddTool(mcp.NewTool(config.ToolGetDiagnostics,
		mcp.WithDescription("Get language diagnostics for a file or the whole workspace"),
		mcp.WithString("uri", mcp.Description("File URI; omit for all files")),
	), s.toolHandler(config.ToolGetDiagnostics))

	s.mcp.AddTool(mcp.NewTool(config.ToolGetCurrentSelection,
		mcp.WithDescription("Get the selection in the active editor"),
	), s.toolHandler(config.ToolGetCurrentSelection))

	s.mcp.AddTool(mcp.NewTool(config.ToolGetLatestSelection,
		mcp.WithDescription("Get the most recent selection in any document"),
	), s.toolHandler(config.ToolGetLatestSelection))

	s.mcp.AddTool(mcp.NewTool(config.ToolGetWorkspaceFolders,
		mcp.WithDescription("List the workspace folders open in the editor"),
	), s.toolHandler(config.ToolGetWorkspaceFolders))

	s.mcp.AddTool(mcp.NewTool(config.ToolCheckDocumentDirty,
		mcp.WithDescription("Report whether a document has unsaved changes"),
		mcp.WithString("filePath", mcp.Required(), mcp.Description("Absolute path of the document")),
	), s.toolHandler(config.ToolCheckDocumentDirty))

	s.mcp.AddTool(mcp.NewTool(config.ToolSaveDocument,
		mcp.WithDescription("Save a document"),
		mcp.WithString("filePath", mcp.Required(), mcp.Description("Absolute path of the document")),
	), s.toolHandler(config.ToolSaveDocument))

	s.mcp.AddTool(mcp.NewTool(config.ToolCloseTab,
		mcp.WithDescription("Close an editor tab by name"),
		mcp.WithString("tab_name", mcp.Required(), mcp.Description("Tab label")),
	), s.toolHandler(config.ToolCloseTab))

	s.mcp.AddTool(mcp.NewTool(config.ToolCloseAllDiffTabs,
		mcp.WithDescription("Close every diff view opened by the agent"),
	), s.toolHandler(config.ToolCloseAllDiffTabs))
}

// toolHandler validates, audits and dispatches one tool to the editor
func (s *Server) toolHandler(tool string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var connID string
		if c, ok := server.ClientSessionFromContext(ctx).(*Conn); ok {
			connID = c.id
		}
		args := request.GetArguments()

		entry := &AuditEntry{
			Timestamp:    time.Now(),
			ConnectionID: connID,
			InvocationID: uuid.NewString(),
			ToolName:     tool,
			Arguments:    args,
		}
		s.audit.LogToolCall(ctx, entry)

		if err := s.validator.Validate(tool, args); err != nil {
			entry.Outcome = outcomeInvalid
			entry.ErrorMsg = err.Error()
			s.audit.LogToolResult(ctx, entry)
			s.metrics.Invocation(tool, outcomeInvalid, 0)
			return mcp.NewToolResultError(err.Error()), nil
		}

		res, err := s.dispatcher.Dispatch(ctx, invocation.Request{
			ID:        entry.InvocationID,
			ConnID:    connID,
			Tool:      tool,
			Arguments: args,
		})
		entry.Duration = time.Since(entry.Timestamp)
		result := toolResult(tool, res, err, entry)
		s.audit.LogToolResult(ctx, entry)
		return result, nil
	}
}

func toolResult(tool string, res invocation.Result, err error, entry *AuditEntry) *mcp.CallToolResult {
	switch {
	case err != nil:
		entry.Outcome = outcomeError
		entry.ErrorMsg = err.Error()
		return mcp.NewToolResultError(err.Error())
	case res.Unsupported:
		entry.Outcome = outcomeUnsupported
		body, _ := json.Marshal(map[string]string{"status": config.MsgUnsupported, "tool": tool})
		return mcp.NewToolResultText(string(body))
	case res.Err != nil:
		entry.Outcome = outcomeRejected
		entry.ErrorMsg = res.Err.Error()
		return mcp.NewToolResultError(res.Err.Error())
	}

	body, mErr := json.Marshal(res.Payload)
	if mErr != nil {
		entry.Outcome = outcomeError
		entry.ErrorMsg = mErr.Error()
		return mcp.NewToolResultError("encode result: " + mErr.Error())
	}
	entry.Outcome = outcomeOK
	return mcp.NewToolResultText(string(body))
}
