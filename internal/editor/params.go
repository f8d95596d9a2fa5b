package editor

import (
	"encoding/json"
	"fmt"

	"go.lsp.dev/protocol"

	"github.com/AltairaLabs/ide-bridge/internal/contextcache"
)

// LSP methods handled or issued by the bridge
const (
	methodInitialize        = "initialize"
	methodInitialized       = "initialized"
	methodShutdown          = "shutdown"
	methodExit              = "exit"
	methodDidOpen           = "textDocument/didOpen"
	methodDidChange         = "textDocument/didChange"
	methodDidSave           = "textDocument/didSave"
	methodDidClose          = "textDocument/didClose"
	methodCodeAction        = "textDocument/codeAction"
	methodSelectionRange    = "textDocument/selectionRange"
	methodExecuteCommand    = "workspace/executeCommand"
	methodSelectionChanged  = "bridge/selectionChanged"
	methodShowDocument      = "window/showDocument"
	methodApplyEdit         = "workspace/applyEdit"
	methodPing              = "$/ping"
	notificationPrefix      = "$/"
	commandAtMention        = "bridge.atMention"
	serverName              = "ide-bridge"
)

// initializeParams is the subset of InitializeParams the bridge reads,
// including window.showDocument which predates the protocol package.
type initializeParams struct {
	ProcessID        int               `json:"processId"`
	RootURI          string            `json:"rootUri"`
	WorkspaceFolders []workspaceFolder `json:"workspaceFolders"`
	ClientInfo       *struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
	Capabilities struct {
		Workspace struct {
			ApplyEdit bool `json:"applyEdit"`
		} `json:"workspace"`
		Window struct {
			ShowDocument struct {
				Support bool `json:"support"`
			} `json:"showDocument"`
		} `json:"window"`
	} `json:"capabilities"`
}

type workspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// contentChange keeps Range optional so full-document replacements are
// distinguishable from an insert at 0:0.
type contentChange struct {
	Range *protocol.Range `json:"range,omitempty"`
	Text  string          `json:"text"`
}

type didChangeParams struct {
	TextDocument   protocol.VersionedTextDocumentIdentifier `json:"textDocument"`
	ContentChanges []contentChange                          `json:"contentChanges"`
}

type didSaveParams struct {
	TextDocument protocol.TextDocumentIdentifier `json:"textDocument"`
	Text         *string                         `json:"text,omitempty"`
}

type selectionRangeParams struct {
	TextDocument protocol.TextDocumentIdentifier `json:"textDocument"`
	Positions    []protocol.Position             `json:"positions"`
}

type selectionRange struct {
	Range protocol.Range `json:"range"`
}

// selectionChangedParams is the bridge's own notification carrying an
// explicit sequence number. A zero seq is assigned by the bridge.
type selectionChangedParams struct {
	URI    string           `json:"uri"`
	Ranges []protocol.Range `json:"ranges"`
	Seq    uint64           `json:"seq,omitempty"`
}

type executeCommandParams struct {
	Command   string            `json:"command"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
}

type atMentionArgs struct {
	FilePath  string `json:"filePath"`
	URI       string `json:"uri"`
	LineStart int    `json:"lineStart"`
	LineEnd   int    `json:"lineEnd"`
}

// parseAtMention accepts either one {filePath, lineStart, lineEnd} object
// (uri is accepted in place of filePath) or positional path, lineStart,
// lineEnd arguments.
func parseAtMention(args []json.RawMessage) (contextcache.Mention, error) {
	var m atMentionArgs
	switch len(args) {
	case 1:
		if err := json.Unmarshal(args[0], &m); err != nil {
			return contextcache.Mention{}, fmt.Errorf("invalid at-mention argument: %w", err)
		}
		if m.URI == "" {
			m.URI = m.FilePath
		}
	case 3:
		if err := json.Unmarshal(args[0], &m.URI); err != nil {
			return contextcache.Mention{}, fmt.Errorf("invalid at-mention uri: %w", err)
		}
		if err := json.Unmarshal(args[1], &m.LineStart); err != nil {
			return contextcache.Mention{}, fmt.Errorf("invalid at-mention lineStart: %w", err)
		}
		if err := json.Unmarshal(args[2], &m.LineEnd); err != nil {
			return contextcache.Mention{}, fmt.Errorf("invalid at-mention lineEnd: %w", err)
		}
	default:
		return contextcache.Mention{}, fmt.Errorf("at-mention takes 1 or 3 arguments, got %d", len(args))
	}
	if m.URI == "" {
		return contextcache.Mention{}, fmt.Errorf("at-mention requires a filePath")
	}
	if m.LineEnd < m.LineStart {
		m.LineStart, m.LineEnd = m.LineEnd, m.LineStart
	}
	return contextcache.Mention{URI: contextcache.PathToURI(m.URI), LineStart: m.LineStart, LineEnd: m.LineEnd}, nil
}

type showDocumentParams struct {
	URI       string          `json:"uri"`
	External  bool            `json:"external,omitempty"`
	TakeFocus bool            `json:"takeFocus,omitempty"`
	Selection *protocol.Range `json:"selection,omitempty"`
}

type showDocumentResult struct {
	Success bool `json:"success"`
}

type textEdit struct {
	Range   protocol.Range `json:"range"`
	NewText string         `json:"newText"`
}

type versionedIdentifier struct {
	URI     string `json:"uri"`
	Version *int32 `json:"version"`
}

type textDocumentEdit struct {
	TextDocument versionedIdentifier `json:"textDocument"`
	Edits        []textEdit          `json:"edits"`
}

type createFile struct {
	Kind string `json:"kind"`
	URI  string `json:"uri"`
}

type workspaceEdit struct {
	Changes         map[string][]textEdit `json:"changes,omitempty"`
	DocumentChanges []any                 `json:"documentChanges,omitempty"`
}

type applyEditParams struct {
	Label string        `json:"label,omitempty"`
	Edit  workspaceEdit `json:"edit"`
}

type applyEditResult struct {
	Applied       bool   `json:"applied"`
	FailureReason string `json:"failureReason,omitempty"`
}

func toCacheRange(r protocol.Range) contextcache.Range {
	return contextcache.Range{
		Start: contextcache.Position{Line: r.Start.Line, Character: r.Start.Character},
		End:   contextcache.Position{Line: r.End.Line, Character: r.End.Character},
	}
}

func toProtocolRange(r contextcache.Range) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: r.Start.Line, Character: r.Start.Character},
		End:   protocol.Position{Line: r.End.Line, Character: r.End.Character},
	}
}
