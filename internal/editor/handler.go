package editor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"

	"github.com/AltairaLabs/ide-bridge/internal/contextcache"
	"github.com/AltairaLabs/ide-bridge/internal/supervisor"
)

var errEditorExit = errors.New("editor sent exit")

// handler routes LSP messages for one session. It always answers through
// reply; a returned error would close the connection.
func (s *Server) handler(sess *session) jsonrpc2.Handler {
	return func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		s.hooks.Touch(sess.id)

		switch req.Method() {
		case methodInitialize:
			return s.handleInitialize(ctx, sess, reply, req)
		case methodInitialized:
			s.markInitialized(sess)
			return reply(ctx, nil, nil)
		case methodShutdown:
			_ = s.hooks.Transition(sess.id, supervisor.Draining)
			s.debouncer.Flush()
			return reply(ctx, nil, nil)
		case methodExit:
			err := reply(ctx, nil, nil)
			sess.Teardown(errEditorExit)
			return err
		case methodDidOpen:
			return s.handleDidOpen(ctx, reply, req)
		case methodDidChange:
			return s.handleDidChange(ctx, reply, req)
		case methodDidSave:
			return s.handleDidSave(ctx, reply, req)
		case methodDidClose:
			return s.handleDidClose(ctx, reply, req)
		case methodCodeAction:
			return s.handleCodeAction(ctx, reply, req)
		case methodSelectionRange:
			return s.handleSelectionRange(ctx, reply, req)
		case methodSelectionChanged:
			return s.handleSelectionChanged(ctx, reply, req)
		case methodExecuteCommand:
			return s.handleExecuteCommand(ctx, reply, req)
		}

		if strings.HasPrefix(req.Method(), notificationPrefix) {
			s.logger.Debug("ignoring protocol notification", "method", req.Method())
		} else {
			s.logger.Debug("unhandled editor method", "method", req.Method())
		}
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}
}

func invalidParams(ctx context.Context, reply jsonrpc2.Replier, method string, err error) error {
	return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, fmt.Sprintf("%s: %v", method, err)))
}

func (s *Server) handleInitialize(ctx context.Context, sess *session, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params initializeParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return invalidParams(ctx, reply, methodInitialize, err)
	}

	sess.mu.Lock()
	sess.applyEdit = params.Capabilities.Workspace.ApplyEdit
	sess.showDocument = params.Capabilities.Window.ShowDocument.Support
	sess.mu.Unlock()

	s.adoptWorkspace(params)

	client := "unknown"
	if params.ClientInfo != nil && params.ClientInfo.Name != "" {
		client = params.ClientInfo.Name
	}
	s.logger.Info("editor initialized",
		"session", sess.id,
		"client", client,
		"apply_edit", params.Capabilities.Workspace.ApplyEdit,
		"show_document", params.Capabilities.Window.ShowDocument.Support,
	)
	_ = s.hooks.Transition(sess.id, supervisor.Authenticated)

	return reply(ctx, protocol.InitializeResult{
		Capabilities: protocol.ServerCapabilities{
			TextDocumentSync: protocol.TextDocumentSyncOptions{
				OpenClose: true,
				Change:    protocol.TextDocumentSyncKindIncremental,
			},
			CodeActionProvider:     true,
			SelectionRangeProvider: true,
			ExecuteCommandProvider: &protocol.ExecuteCommandOptions{
				Commands: []string{commandAtMention},
			},
		},
		ServerInfo: &protocol.ServerInfo{
			Name:    serverName,
			Version: s.opts.Version,
		},
	}, nil)
}

// adoptWorkspace uses the editor's folders when none were configured
func (s *Server) adoptWorkspace(params initializeParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opts.WorkspaceFolders) > 0 {
		return
	}
	var folders []string
	for _, f := range params.WorkspaceFolders {
		folders = append(folders, contextcache.URIToPath(f.URI))
	}
	if len(folders) == 0 && params.RootURI != "" {
		folders = append(folders, contextcache.URIToPath(params.RootURI))
	}
	if len(folders) > 0 {
		s.workspace = folders
	}
}

func (s *Server) markInitialized(sess *session) {
	sess.mu.Lock()
	sess.initialized = true
	sess.mu.Unlock()
	_ = s.hooks.Transition(sess.id, supervisor.Streaming)
}

func (s *Server) handleDidOpen(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DidOpenTextDocumentParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return invalidParams(ctx, reply, methodDidOpen, err)
	}
	s.OnOpen(contextcache.Document{
		URI:        string(params.TextDocument.URI),
		LanguageID: string(params.TextDocument.LanguageID),
		Version:    params.TextDocument.Version,
		Content:    params.TextDocument.Text,
	})
	return reply(ctx, nil, nil)
}

func (s *Server) handleDidChange(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params didChangeParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return invalidParams(ctx, reply, methodDidChange, err)
	}
	changes := make([]contextcache.Change, 0, len(params.ContentChanges))
	for _, c := range params.ContentChanges {
		ch := contextcache.Change{Text: c.Text}
		if c.Range != nil {
			r := toCacheRange(*c.Range)
			ch.Range = &r
		}
		changes = append(changes, ch)
	}
	if err := s.OnChange(string(params.TextDocument.URI), params.TextDocument.Version, changes); err != nil {
		s.logger.Warn("dropping document change", "uri", params.TextDocument.URI, "error", err)
	}
	return reply(ctx, nil, nil)
}

func (s *Server) handleDidSave(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params didSaveParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return invalidParams(ctx, reply, methodDidSave, err)
	}
	s.cache.SaveDocument(string(params.TextDocument.URI), params.Text)
	return reply(ctx, nil, nil)
}

func (s *Server) handleDidClose(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DidCloseTextDocumentParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return invalidParams(ctx, reply, methodDidClose, err)
	}
	s.OnClose(string(params.TextDocument.URI))
	return reply(ctx, nil, nil)
}

// handleCodeAction records the requested range as the selection. The bridge
// offers no code actions of its own.
func (s *Server) handleCodeAction(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.CodeActionParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return invalidParams(ctx, reply, methodCodeAction, err)
	}
	s.OnSelection(string(params.TextDocument.URI), []contextcache.Range{toCacheRange(params.Range)}, 0)
	return reply(ctx, []any{}, nil)
}

// handleSelectionRange treats the cursor positions as empty selections and
// echoes them back.
func (s *Server) handleSelectionRange(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params selectionRangeParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return invalidParams(ctx, reply, methodSelectionRange, err)
	}
	ranges := make([]contextcache.Range, 0, len(params.Positions))
	result := make([]selectionRange, 0, len(params.Positions))
	for _, p := range params.Positions {
		r := protocol.Range{Start: p, End: p}
		ranges = append(ranges, toCacheRange(r))
		result = append(result, selectionRange{Range: r})
	}
	if len(ranges) > 0 {
		s.OnSelection(string(params.TextDocument.URI), ranges, 0)
	}
	return reply(ctx, result, nil)
}

func (s *Server) handleSelectionChanged(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params selectionChangedParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return invalidParams(ctx, reply, methodSelectionChanged, err)
	}
	ranges := make([]contextcache.Range, 0, len(params.Ranges))
	for _, r := range params.Ranges {
		ranges = append(ranges, toCacheRange(r))
	}
	s.OnSelection(params.URI, ranges, params.Seq)
	return reply(ctx, nil, nil)
}

func (s *Server) handleExecuteCommand(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params executeCommandParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return invalidParams(ctx, reply, methodExecuteCommand, err)
	}
	if params.Command != commandAtMention {
		return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, fmt.Sprintf("unknown command %q", params.Command)))
	}
	m, err := parseAtMention(params.Arguments)
	if err != nil {
		return invalidParams(ctx, reply, methodExecuteCommand, err)
	}
	s.cache.Mention(m)
	return reply(ctx, nil, nil)
}
