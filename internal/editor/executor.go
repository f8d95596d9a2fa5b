package editor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/ide-bridge/internal/bridge/config"
	"github.com/AltairaLabs/ide-bridge/internal/contextcache"
	"github.com/AltairaLabs/ide-bridge/internal/invocation"
	"github.com/AltairaLabs/ide-bridge/internal/types"
)

var (
	errNotConnected = errors.New("no editor connected")
	errNotAccepting = errors.New("editor session is not accepting requests")
)

// Invocation outcomes recorded in metrics
const (
	outcomeOK          = "ok"
	outcomeUnsupported = "unsupported"
	outcomeRejected    = "rejected"
	outcomeTimeout     = "timeout"
	outcomeCancelled   = "cancelled"
)

// Dispatch runs a validated tool call against the editor and waits for its
// result. The result is correlated through the invocation table, so a late
// answer after the deadline is reported as an unknown invocation.
func (s *Server) Dispatch(ctx context.Context, req invocation.Request) (invocation.Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	p, err := s.table.Begin(req, s.opts.CallTimeout)
	if err != nil {
		return invocation.Result{}, err
	}

	start := time.Now()
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer cancel()
		_ = s.DispatchToolResult(req.ID, s.execute(execCtx, req))
	}()

	res, err := s.table.Wait(ctx, p)
	if err != nil {
		cancel()
	}
	s.metrics.Invocation(req.Tool, outcome(res, err), time.Since(start))
	return res, err
}

func outcome(res invocation.Result, err error) string {
	switch {
	case errors.Is(err, types.ErrTimeout):
		return outcomeTimeout
	case err != nil:
		return outcomeCancelled
	case res.Unsupported:
		return outcomeUnsupported
	case res.Err != nil:
		return outcomeRejected
	default:
		return outcomeOK
	}
}

func (s *Server) execute(ctx context.Context, req invocation.Request) invocation.Result {
	args := req.Arguments
	switch req.Tool {
	case config.ToolGetOpenEditors:
		return s.getOpenEditors()
	case config.ToolGetDiagnostics:
		return invocation.Result{Payload: map[string]any{"diagnostics": []any{}}}
	case config.ToolGetCurrentSelection:
		return s.getCurrentSelection()
	case config.ToolGetLatestSelection:
		return s.getLatestSelection()
	case config.ToolGetWorkspaceFolders:
		return s.getWorkspaceFolders()
	case config.ToolCheckDocumentDirty:
		return s.checkDocumentDirty(stringArg(args, "filePath"))
	case config.ToolOpenFile:
		return s.openFile(ctx, args)
	case config.ToolOpenDiff:
		return s.openDiff(ctx, args)
	case config.ToolInsertText:
		return s.insertText(ctx, args)
	case config.ToolSaveDocument, config.ToolCloseTab, config.ToolCloseAllDiffTabs:
		return invocation.Result{Unsupported: true}
	default:
		return invocation.Result{Err: fmt.Errorf("unknown tool %q", req.Tool)}
	}
}

func (s *Server) getOpenEditors() invocation.Result {
	active := ""
	if latest, ok := s.cache.Latest(); ok {
		active = latest.URI
	}
	tabs := make([]map[string]any, 0)
	for _, uri := range s.cache.OpenDocuments() {
		d, ok := s.cache.Document(uri)
		if !ok {
			continue
		}
		tabs = append(tabs, map[string]any{
			"uri":        uri,
			"filePath":   contextcache.URIToPath(uri),
			"languageId": d.LanguageID,
			"isDirty":    d.Dirty,
			"isActive":   uri == active,
		})
	}
	return invocation.Result{Payload: map[string]any{"tabs": tabs}}
}

// getCurrentSelection reports the latest selection only while its document
// is still open
func (s *Server) getCurrentSelection() invocation.Result {
	snap, ok := s.cache.Latest()
	if ok {
		_, ok = s.cache.Document(snap.URI)
	}
	if !ok {
		return invocation.Result{Payload: map[string]any{"success": false, "message": "no active editor"}}
	}
	return invocation.Result{Payload: snap.View()}
}

func (s *Server) getLatestSelection() invocation.Result {
	snap, ok := s.cache.Latest()
	if !ok {
		return invocation.Result{Payload: map[string]any{"success": false, "message": "no selection recorded"}}
	}
	return invocation.Result{Payload: snap.View()}
}

func (s *Server) getWorkspaceFolders() invocation.Result {
	folders := s.WorkspaceFolders()
	out := make([]map[string]any, 0, len(folders))
	for _, f := range folders {
		out = append(out, map[string]any{
			"name": baseName(f),
			"uri":  contextcache.PathToURI(f),
			"path": f,
		})
	}
	root := ""
	if len(folders) > 0 {
		root = folders[0]
	}
	return invocation.Result{Payload: map[string]any{"success": true, "folders": out, "rootPath": root}}
}

func baseName(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

func (s *Server) checkDocumentDirty(path string) invocation.Result {
	uri := contextcache.PathToURI(path)
	d, ok := s.cache.Document(uri)
	if !ok {
		return invocation.Result{Payload: map[string]any{"success": false, "message": "document not open: " + path}}
	}
	return invocation.Result{Payload: map[string]any{
		"success":    true,
		"filePath":   contextcache.URIToPath(uri),
		"isDirty":    d.Dirty,
		"isUntitled": !strings.HasPrefix(uri, "file://"),
	}}
}

// content returns the editor's view of uri, falling back to disk. exists is
// false for files that are neither open nor on disk.
func (s *Server) content(uri string) (text string, exists bool) {
	if d, ok := s.cache.Document(uri); ok {
		return d.Content, true
	}
	data, err := os.ReadFile(contextcache.URIToPath(uri))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// locate finds the range spanning startText through endText. A missing
// endText selects startText alone.
func locate(content, startText, endText string) (contextcache.Range, bool) {
	if startText == "" {
		return contextcache.Range{}, false
	}
	i := strings.Index(content, startText)
	if i < 0 {
		return contextcache.Range{}, false
	}
	end := i + len(startText)
	if endText != "" {
		if j := strings.Index(content[i:], endText); j >= 0 {
			end = i + j + len(endText)
		}
	}
	return contextcache.Range{
		Start: contextcache.PositionAt(content, i),
		End:   contextcache.PositionAt(content, end),
	}, true
}

func (s *Server) openFile(ctx context.Context, args map[string]any) invocation.Result {
	path := stringArg(args, "filePath")
	uri := contextcache.PathToURI(path)

	var sel *contextcache.Range
	if text, ok := s.content(uri); ok {
		if r, found := locate(text, stringArg(args, "startText"), stringArg(args, "endText")); found {
			sel = &r
		}
	}

	if sess, err := s.accepting(); err == nil {
		if _, showDocument := sess.capabilities(); showDocument {
			params := showDocumentParams{URI: uri, TakeFocus: boolArg(args, "makeFrontmost", true)}
			if sel != nil {
				r := toProtocolRange(*sel)
				params.Selection = &r
			}
			var res showDocumentResult
			if _, err := sess.conn.Call(ctx, methodShowDocument, params, &res); err != nil {
				return invocation.Result{Err: fmt.Errorf("show document: %w", err)}
			}
			if !res.Success {
				return invocation.Result{Err: fmt.Errorf("editor could not open %s", path)}
			}
			return invocation.Result{Payload: map[string]any{"success": true, "filePath": path}}
		}
	}

	if s.opts.OpenCommand != "" {
		fields := strings.Fields(s.opts.OpenCommand)
		line, col := uint32(1), uint32(1)
		if sel != nil {
			line, col = sel.Start.Line+1, sel.Start.Character+1
		}
		target := fmt.Sprintf("%s:%d:%d", contextcache.URIToPath(uri), line, col)
		if err := s.runCmd(ctx, fields[0], append(fields[1:], target)...); err != nil {
			return invocation.Result{Err: fmt.Errorf("open command: %w", err)}
		}
		return invocation.Result{Payload: map[string]any{"success": true, "filePath": path}}
	}

	if _, err := s.accepting(); err != nil {
		return invocation.Result{Err: err}
	}
	return invocation.Result{Unsupported: true}
}

// runCommand starts an external editor command without waiting for it to exit
func runCommand(_ context.Context, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// applyEdit sends a workspace edit to the editor. It reports Unsupported
// when the editor did not advertise workspace.applyEdit.
func (s *Server) applyEdit(ctx context.Context, label string, edit workspaceEdit) (applied bool, res *invocation.Result) {
	sess, err := s.accepting()
	if err != nil {
		return false, &invocation.Result{Err: err}
	}
	if canApply, _ := sess.capabilities(); !canApply {
		return false, &invocation.Result{Unsupported: true}
	}
	var out applyEditResult
	if _, err := sess.conn.Call(ctx, methodApplyEdit, applyEditParams{Label: label, Edit: edit}, &out); err != nil {
		return false, &invocation.Result{Err: fmt.Errorf("apply edit: %w", err)}
	}
	if !out.Applied && out.FailureReason != "" {
		s.logger.Info("editor declined edit", "label", label, "reason", out.FailureReason)
	}
	return out.Applied, nil
}

// openDiff proposes replacing a file's content and reports whether the
// editor accepted it
func (s *Server) openDiff(ctx context.Context, args map[string]any) invocation.Result {
	oldPath := stringArg(args, "old_file_path")
	newPath := stringArg(args, "new_file_path")
	if newPath == "" {
		newPath = oldPath
	}
	contents := stringArg(args, "new_file_contents")
	label := stringArg(args, "tab_name")
	if label == "" {
		label = "Proposed changes: " + baseName(newPath)
	}

	uri := contextcache.PathToURI(newPath)
	before, exists := s.content(contextcache.PathToURI(oldPath))

	unified, err := unifiedDiff(contextcache.URIToPath(uri), before, contents)
	if err != nil {
		return invocation.Result{Err: err}
	}
	stat, err := diffStat(unified)
	if err != nil {
		return invocation.Result{Err: err}
	}

	var edit workspaceEdit
	if exists {
		current, _ := s.content(uri)
		edit.Changes = map[string][]textEdit{uri: {{
			Range:   toProtocolRange(contextcache.Range{End: contextcache.EndPosition(current)}),
			NewText: contents,
		}}}
	} else {
		edit.DocumentChanges = []any{
			createFile{Kind: "create", URI: uri},
			textDocumentEdit{
				TextDocument: versionedIdentifier{URI: uri},
				Edits:        []textEdit{{NewText: contents}},
			},
		}
	}

	applied, res := s.applyEdit(ctx, label, edit)
	if res != nil {
		return *res
	}
	status := config.MsgDiffRejected
	if applied {
		status = config.MsgDiffAccepted
	}
	return invocation.Result{Payload: map[string]any{
		"status":   status,
		"filePath": contextcache.URIToPath(uri),
		"diff":     unified,
		"added":    stat.Added,
		"changed":  stat.Changed,
		"deleted":  stat.Deleted,
	}}
}

func (s *Server) insertText(ctx context.Context, args map[string]any) invocation.Result {
	path := stringArg(args, "filePath")
	uri := contextcache.PathToURI(path)
	pos := contextcache.Position{
		Line:      uint32(max(intArg(args, "line"), 0)),
		Character: uint32(max(intArg(args, "character"), 0)),
	}
	edit := workspaceEdit{Changes: map[string][]textEdit{uri: {{
		Range:   toProtocolRange(contextcache.Range{Start: pos, End: pos}),
		NewText: stringArg(args, "text"),
	}}}}

	applied, res := s.applyEdit(ctx, "Insert text", edit)
	if res != nil {
		return *res
	}
	if !applied {
		return invocation.Result{Err: fmt.Errorf("editor declined insert into %s", path)}
	}
	return invocation.Result{Payload: map[string]any{"success": true, "filePath": path}}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

func boolArg(args map[string]any, key string, def bool) bool {
	if b, ok := args[key].(bool); ok {
		return b
	}
	return def
}
