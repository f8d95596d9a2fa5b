package editor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/jsonrpc2"

	"github.com/AltairaLabs/ide-bridge/internal/bridge/config"
	"github.com/AltairaLabs/ide-bridge/internal/contextcache"
	"github.com/AltairaLabs/ide-bridge/internal/invocation"
	"github.com/AltairaLabs/ide-bridge/internal/supervisor"
	"github.com/AltairaLabs/ide-bridge/internal/types"
)

// fakeEditor answers the requests the bridge sends to an editor
type fakeEditor struct {
	mu     sync.Mutex
	accept bool
	block  chan struct{}
	edits  []applyEditParams
	shows  []showDocumentParams
}

func (f *fakeEditor) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	switch req.Method() {
	case methodApplyEdit:
		var p applyEditParams
		if err := json.Unmarshal(req.Params(), &p); err != nil {
			return reply(ctx, nil, err)
		}
		f.mu.Lock()
		f.edits = append(f.edits, p)
		accept, block := f.accept, f.block
		f.mu.Unlock()
		if block != nil {
			<-block
		}
		return reply(ctx, applyEditResult{Applied: accept}, nil)
	case methodShowDocument:
		var p showDocumentParams
		if err := json.Unmarshal(req.Params(), &p); err != nil {
			return reply(ctx, nil, err)
		}
		f.mu.Lock()
		f.shows = append(f.shows, p)
		f.mu.Unlock()
		return reply(ctx, showDocumentResult{Success: true}, nil)
	}
	return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
}

func (f *fakeEditor) editCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edits)
}

type harness struct {
	srv    *Server
	cache  *contextcache.Cache
	client jsonrpc2.Conn
	editor *fakeEditor
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	return newSupervisedHarness(t, opts, nil)
}

func newSupervisedHarness(t *testing.T, opts Options, hooks supervisor.Hooks) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := contextcache.New(logger)
	srv := NewServer(opts, cache, invocation.NewTable(logger), hooks, nil, logger)

	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.serveConn(ctx, serverSide)
	}()

	fe := &fakeEditor{accept: true}
	client := jsonrpc2.NewConn(jsonrpc2.NewStream(clientSide))
	client.Go(ctx, fe.handle)

	t.Cleanup(func() {
		cancel()
		_ = client.Close()
		<-done
	})
	return &harness{srv: srv, cache: cache, client: client, editor: fe}
}

func (h *harness) initialize(t *testing.T, applyEdit, showDocument bool) map[string]any {
	t.Helper()
	params := map[string]any{
		"processId": 1,
		"rootUri":   "file:///work",
		"capabilities": map[string]any{
			"workspace": map[string]any{"applyEdit": applyEdit},
			"window":    map[string]any{"showDocument": map[string]any{"support": showDocument}},
		},
	}
	var result map[string]any
	_, err := h.client.Call(testCtx(t), methodInitialize, params, &result)
	require.NoError(t, err)
	require.NoError(t, h.client.Notify(testCtx(t), methodInitialized, map[string]any{}))
	h.barrier(t)
	return result
}

// barrier returns once every earlier message has been handled
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	_, err := h.client.Call(testCtx(t), "bridge/barrier", nil, nil)
	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(err, &rpcErr), "barrier: %v", err)
}

func (h *harness) open(t *testing.T, uri, text string) {
	t.Helper()
	require.NoError(t, h.client.Notify(testCtx(t), methodDidOpen, map[string]any{
		"textDocument": map[string]any{"uri": uri, "languageId": "typescript", "version": 1, "text": text},
	}))
}

func (h *harness) selectRange(t *testing.T, uri string, seq uint64, line, startChar, endChar uint32) {
	t.Helper()
	require.NoError(t, h.client.Notify(testCtx(t), methodSelectionChanged, map[string]any{
		"uri": uri,
		"ranges": []map[string]any{{
			"start": map[string]any{"line": line, "character": startChar},
			"end":   map[string]any{"line": line, "character": endChar},
		}},
		"seq": seq,
	}))
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestInitializeAdvertisesCapabilities(t *testing.T) {
	h := newHarness(t, Options{Version: "1.2.3"})
	result := h.initialize(t, true, false)

	caps := result["capabilities"].(map[string]any)
	docSync := caps["textDocumentSync"].(map[string]any)
	assert.Equal(t, true, docSync["openClose"])
	assert.Equal(t, float64(2), docSync["change"], "incremental sync")
	assert.Equal(t, true, caps["codeActionProvider"])
	assert.Equal(t, true, caps["selectionRangeProvider"])
	commands := caps["executeCommandProvider"].(map[string]any)["commands"].([]any)
	assert.Contains(t, commands, commandAtMention)

	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, serverName, info["name"])
	assert.Equal(t, "1.2.3", info["version"])

	assert.Equal(t, []string{"/work"}, h.srv.WorkspaceFolders())
}

func TestDocumentLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize(t, false, false)

	const uri = "file:///work/a.ts"
	h.open(t, uri, "hello world")
	require.NoError(t, h.client.Notify(testCtx(t), methodDidChange, map[string]any{
		"textDocument": map[string]any{"uri": uri, "version": 2},
		"contentChanges": []map[string]any{{
			"range": map[string]any{
				"start": map[string]any{"line": 0, "character": 6},
				"end":   map[string]any{"line": 0, "character": 11},
			},
			"text": "there",
		}},
	}))
	h.barrier(t)

	d, ok := h.cache.Document(uri)
	require.True(t, ok)
	assert.Equal(t, "hello there", d.Content)
	assert.Equal(t, int32(2), d.Version)
	assert.True(t, d.Dirty)

	require.NoError(t, h.client.Notify(testCtx(t), methodDidSave, map[string]any{
		"textDocument": map[string]any{"uri": uri},
	}))
	h.barrier(t)
	d, _ = h.cache.Document(uri)
	assert.False(t, d.Dirty)

	require.NoError(t, h.client.Notify(testCtx(t), methodDidClose, map[string]any{
		"textDocument": map[string]any{"uri": uri},
	}))
	h.barrier(t)
	assert.Empty(t, h.cache.OpenDocuments())
}

func TestStaleSelectionIsDiscarded(t *testing.T) {
	h := newHarness(t, Options{Debounce: time.Hour})
	h.initialize(t, false, false)

	const uri = "file:///work/a.ts"
	h.open(t, uri, "hello world")
	h.selectRange(t, uri, 3, 0, 0, 5)
	h.selectRange(t, uri, 2, 0, 6, 11)
	h.barrier(t)
	h.srv.debouncer.Flush()

	snap, ok := h.cache.CurrentSnapshot(uri)
	require.True(t, ok)
	assert.Equal(t, uint64(3), snap.Seq)
	assert.Equal(t, "hello", snap.Text)

	h.selectRange(t, uri, 2, 0, 6, 11)
	h.barrier(t)
	h.srv.debouncer.Flush()
	snap, _ = h.cache.CurrentSnapshot(uri)
	assert.Equal(t, uint64(3), snap.Seq, "older seq must not replace the cached snapshot")
}

func TestDuplicateSelectionRaisesSequence(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize(t, false, false)

	const uri = "file:///work/a.ts"
	h.open(t, uri, "hello world")
	h.selectRange(t, uri, 3, 0, 0, 5)
	h.selectRange(t, uri, 5, 0, 0, 5)
	h.selectRange(t, uri, 4, 0, 6, 11)
	h.barrier(t)

	snap, ok := h.cache.CurrentSnapshot(uri)
	require.True(t, ok)
	assert.Equal(t, uint64(3), snap.Seq)
	assert.Equal(t, "hello", snap.Text, "seq 4 is older than the duplicate seq 5")

	h.selectRange(t, uri, 6, 0, 6, 11)
	h.barrier(t)
	snap, _ = h.cache.CurrentSnapshot(uri)
	assert.Equal(t, uint64(6), snap.Seq)
	assert.Equal(t, "world", snap.Text)
}

func TestDerivedSelectionSequence(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize(t, false, false)

	const uri = "file:///work/a.ts"
	h.open(t, uri, "alpha\nbeta\n")

	codeAction := func(line, start, end uint32) {
		_, err := h.client.Call(testCtx(t), methodCodeAction, map[string]any{
			"textDocument": map[string]any{"uri": uri},
			"range": map[string]any{
				"start": map[string]any{"line": line, "character": start},
				"end":   map[string]any{"line": line, "character": end},
			},
			"context": map[string]any{"diagnostics": []any{}},
		}, nil)
		require.NoError(t, err)
	}

	codeAction(0, 0, 5)
	snap, ok := h.cache.CurrentSnapshot(uri)
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.Seq)
	assert.Equal(t, "alpha", snap.Text)

	codeAction(1, 0, 4)
	snap, _ = h.cache.CurrentSnapshot(uri)
	assert.Equal(t, uint64(2), snap.Seq)
	assert.Equal(t, "beta", snap.Text)

	// identical selection is not forwarded again
	codeAction(1, 0, 4)
	snap, _ = h.cache.CurrentSnapshot(uri)
	assert.Equal(t, uint64(2), snap.Seq)

	// an explicit seq must beat everything derived so far
	h.selectRange(t, uri, 2, 0, 0, 1)
	h.barrier(t)
	snap, _ = h.cache.CurrentSnapshot(uri)
	assert.Equal(t, uint64(2), snap.Seq)
	assert.Equal(t, "beta", snap.Text)
}

func TestSelectionRangeRecordsCursor(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize(t, false, false)

	var result []selectionRange
	_, err := h.client.Call(testCtx(t), methodSelectionRange, map[string]any{
		"textDocument": map[string]any{"uri": "file:///work/b.ts"},
		"positions":    []map[string]any{{"line": 4, "character": 2}},
	}, &result)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, uint32(4), result[0].Range.Start.Line)

	snap, ok := h.cache.Latest()
	require.True(t, ok)
	assert.Equal(t, "file:///work/b.ts", snap.URI)
	assert.True(t, snap.Primary().IsEmpty())
	assert.Empty(t, snap.Text)
}

func TestAtMentionCommand(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize(t, false, false)

	var mu sync.Mutex
	var got []contextcache.Mention
	cancel := h.cache.Subscribe(func(ev contextcache.Event) {
		if ev.Kind == contextcache.EventMention {
			mu.Lock()
			got = append(got, ev.Mention)
			mu.Unlock()
		}
	})
	defer cancel()

	_, err := h.client.Call(testCtx(t), methodExecuteCommand, map[string]any{
		"command":   commandAtMention,
		"arguments": []any{map[string]any{"uri": "/work/a.ts", "lineStart": 9, "lineEnd": 3}},
	}, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, contextcache.Mention{URI: "file:///work/a.ts", LineStart: 3, LineEnd: 9}, got[0])

	_, err = h.client.Call(testCtx(t), methodExecuteCommand, map[string]any{"command": "other"}, nil)
	var rpcErr *jsonrpc2.Error
	assert.True(t, errors.As(err, &rpcErr))
}

func TestProbeAcceptsErrorReply(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize(t, false, false)

	sess := h.srv.current()
	require.NotNil(t, sess)
	assert.NoError(t, sess.Probe(testCtx(t)))
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func dispatch(t *testing.T, h *harness, tool string, args map[string]any) invocation.Result {
	t.Helper()
	res, err := h.srv.Dispatch(testCtx(t), invocation.Request{ID: tool + "-1", ConnID: "agent/1", Tool: tool, Arguments: args})
	require.NoError(t, err)
	return res
}

func TestOpenDiffAccepted(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize(t, true, false)

	path := writeFile(t, "main.go", "one\ntwo\nthree\n")
	res := dispatch(t, h, config.ToolOpenDiff, map[string]any{
		"old_file_path":     path,
		"new_file_path":     path,
		"new_file_contents": "one\nTWO\nthree\n",
		"tab_name":          "review",
	})
	require.NoError(t, res.Err)
	require.False(t, res.Unsupported)

	payload := res.Payload.(map[string]any)
	assert.Equal(t, config.MsgDiffAccepted, payload["status"])
	assert.Equal(t, int32(1), payload["changed"])
	assert.Contains(t, payload["diff"], "+TWO")

	require.Equal(t, 1, h.editor.editCount())
	edit := h.editor.edits[0]
	assert.Equal(t, "review", edit.Label)
	uri := contextcache.PathToURI(path)
	require.Len(t, edit.Edit.Changes[uri], 1)
	assert.Equal(t, "one\nTWO\nthree\n", edit.Edit.Changes[uri][0].NewText)
	assert.Equal(t, uint32(3), edit.Edit.Changes[uri][0].Range.End.Line)
}

func TestOpenDiffRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize(t, true, false)
	h.editor.mu.Lock()
	h.editor.accept = false
	h.editor.mu.Unlock()

	path := writeFile(t, "main.go", "one\n")
	res := dispatch(t, h, config.ToolOpenDiff, map[string]any{
		"old_file_path":     path,
		"new_file_contents": "two\n",
	})
	require.NoError(t, res.Err)
	assert.Equal(t, config.MsgDiffRejected, res.Payload.(map[string]any)["status"])
}

func TestOpenDiffCreatesNewFile(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize(t, true, false)

	path := filepath.Join(t.TempDir(), "new.go")
	res := dispatch(t, h, config.ToolOpenDiff, map[string]any{
		"old_file_path":     path,
		"new_file_path":     path,
		"new_file_contents": "package x\n",
	})
	require.NoError(t, res.Err)

	require.Equal(t, 1, h.editor.editCount())
	changes := h.editor.edits[0].Edit.DocumentChanges
	require.Len(t, changes, 2)
	create := changes[0].(map[string]any)
	assert.Equal(t, "create", create["kind"])
	assert.Equal(t, contextcache.PathToURI(path), create["uri"])
}

func TestEditToolsUnsupportedWithoutApplyEdit(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize(t, false, false)

	res := dispatch(t, h, config.ToolInsertText, map[string]any{"filePath": "/work/a.ts", "line": 1, "character": 0, "text": "x"})
	assert.True(t, res.Unsupported)

	for _, tool := range []string{config.ToolSaveDocument, config.ToolCloseTab, config.ToolCloseAllDiffTabs} {
		res := dispatch(t, h, tool, map[string]any{})
		assert.True(t, res.Unsupported, tool)
	}
	assert.Zero(t, h.editor.editCount())
}

func TestInsertText(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize(t, true, false)

	res := dispatch(t, h, config.ToolInsertText, map[string]any{"filePath": "/work/a.ts", "line": float64(2), "character": float64(4), "text": "x"})
	require.NoError(t, res.Err)

	require.Equal(t, 1, h.editor.editCount())
	edits := h.editor.edits[0].Edit.Changes["file:///work/a.ts"]
	require.Len(t, edits, 1)
	assert.Equal(t, uint32(2), edits[0].Range.Start.Line)
	assert.Equal(t, uint32(4), edits[0].Range.End.Character)
	assert.Equal(t, "x", edits[0].NewText)
}

func TestOpenFileShowDocument(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize(t, false, true)

	path := writeFile(t, "main.go", "package main\n\nfunc main() {}\n")
	res := dispatch(t, h, config.ToolOpenFile, map[string]any{"filePath": path, "startText": "func main"})
	require.NoError(t, res.Err)

	h.editor.mu.Lock()
	defer h.editor.mu.Unlock()
	require.Len(t, h.editor.shows, 1)
	show := h.editor.shows[0]
	assert.Equal(t, contextcache.PathToURI(path), show.URI)
	assert.True(t, show.TakeFocus)
	require.NotNil(t, show.Selection)
	assert.Equal(t, uint32(2), show.Selection.Start.Line)
	assert.Equal(t, uint32(9), show.Selection.End.Character)
}

func TestOpenFileCommandFallback(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(Options{OpenCommand: "zed --new"}, contextcache.New(logger), invocation.NewTable(logger), nil, nil, logger)

	var gotName string
	var gotArgs []string
	srv.runCmd = func(_ context.Context, name string, args ...string) error {
		gotName, gotArgs = name, args
		return nil
	}

	path := writeFile(t, "main.go", "package main\n\nfunc main() {}\n")
	res, err := srv.Dispatch(testCtx(t), invocation.Request{ID: "1", Tool: config.ToolOpenFile, Arguments: map[string]any{"filePath": path, "startText": "main() {"}})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, "zed", gotName)
	assert.Equal(t, []string{"--new", path + ":3:6"}, gotArgs)
}

func TestOpenFileWithoutEditorOrCommand(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(Options{}, contextcache.New(logger), invocation.NewTable(logger), nil, nil, logger)

	res, err := srv.Dispatch(testCtx(t), invocation.Request{ID: "1", Tool: config.ToolOpenFile, Arguments: map[string]any{"filePath": "/work/a.ts"}})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, errNotConnected)
}

func TestReadOnlyToolsServeFromCache(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := contextcache.New(logger)
	srv := NewServer(Options{WorkspaceFolders: []string{"/work/proj"}}, cache, invocation.NewTable(logger), nil, nil, logger)

	cache.OpenDocument(contextcache.Document{URI: "file:///work/proj/a.ts", LanguageID: "typescript", Content: "let a = 1"})
	cache.Apply(contextcache.Snapshot{
		URI:    "file:///work/proj/a.ts",
		Ranges: []contextcache.Range{{End: contextcache.Position{Character: 3}}},
		Text:   "let",
		Seq:    1,
	})

	call := func(tool string, args map[string]any) invocation.Result {
		res, err := srv.Dispatch(testCtx(t), invocation.Request{ID: tool, Tool: tool, Arguments: args})
		require.NoError(t, err)
		require.NoError(t, res.Err)
		return res
	}

	tabs := call(config.ToolGetOpenEditors, nil).Payload.(map[string]any)["tabs"].([]map[string]any)
	require.Len(t, tabs, 1)
	assert.Equal(t, "/work/proj/a.ts", tabs[0]["filePath"])
	assert.Equal(t, true, tabs[0]["isActive"])

	view := call(config.ToolGetCurrentSelection, nil).Payload.(contextcache.SelectionView)
	assert.Equal(t, "let", view.Text)
	assert.Equal(t, uint64(1), view.Seq)

	folders := call(config.ToolGetWorkspaceFolders, nil).Payload.(map[string]any)
	assert.Equal(t, "/work/proj", folders["rootPath"])

	dirty := call(config.ToolCheckDocumentDirty, map[string]any{"filePath": "/work/proj/a.ts"}).Payload.(map[string]any)
	assert.Equal(t, false, dirty["isDirty"])

	diags := call(config.ToolGetDiagnostics, nil).Payload.(map[string]any)
	assert.Empty(t, diags["diagnostics"])

	// closing the document clears the current selection but not the latest one
	cache.CloseDocument("file:///work/proj/a.ts")
	current := call(config.ToolGetCurrentSelection, nil).Payload.(map[string]any)
	assert.Equal(t, false, current["success"])
	latest := call(config.ToolGetLatestSelection, nil).Payload.(contextcache.SelectionView)
	assert.Equal(t, "let", latest.Text)
}

func TestDispatchTimeout(t *testing.T) {
	h := newHarness(t, Options{CallTimeout: 50 * time.Millisecond})
	h.initialize(t, true, false)

	block := make(chan struct{})
	h.editor.mu.Lock()
	h.editor.block = block
	h.editor.mu.Unlock()
	t.Cleanup(func() { close(block) })

	_, err := h.srv.Dispatch(testCtx(t), invocation.Request{ID: "slow", Tool: config.ToolInsertText, Arguments: map[string]any{"filePath": "/work/a.ts", "text": "x"}})
	assert.ErrorIs(t, err, types.ErrTimeout)

	err = h.srv.DispatchToolResult("slow", invocation.Result{})
	assert.ErrorIs(t, err, types.ErrProtocol, "late results reference an unknown invocation")
}

func TestDispatchToolResultUnknownID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(Options{}, contextcache.New(logger), invocation.NewTable(logger), nil, nil, logger)
	err := srv.DispatchToolResult("nope", invocation.Result{})
	assert.ErrorIs(t, err, types.ErrProtocol)
}

func TestNewSessionReplacesOld(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize(t, false, false)
	first := h.srv.current()

	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.srv.serveConn(ctx, serverSide)
	}()
	defer func() {
		_ = clientSide.Close()
		<-done
	}()

	require.Eventually(t, func() bool {
		cur := h.srv.current()
		return cur != nil && cur != first
	}, time.Second, 10*time.Millisecond)

	select {
	case <-first.conn.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced session was not closed")
	}
}

// blockingReader never returns from Read until released, like an idle stdin
type blockingReader struct{ release chan struct{} }

func (r blockingReader) Read([]byte) (int, error) {
	<-r.release
	return 0, io.EOF
}

func TestStdioTeardownEndsSession(t *testing.T) {
	in := blockingReader{release: make(chan struct{})}
	t.Cleanup(func() { close(in.release) })

	var logs strings.Builder
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	srv := NewServer(Options{Transport: "stdio", Stdio: newStdio(in, io.Discard)},
		contextcache.New(logger), invocation.NewTable(logger), nil, nil, logger)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	require.Eventually(t, func() bool { return srv.current() != nil }, time.Second, 10*time.Millisecond)
	srv.current().Teardown(errors.New("heartbeat timeout"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, supervisor.ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("stdio session did not end after teardown")
	}
	assert.Contains(t, logs.String(), "heartbeat timeout", "teardown reason is logged")
}

func TestStdioClosedRejectsIO(t *testing.T) {
	var out strings.Builder
	rwc := newStdio(strings.NewReader("data"), &out)
	require.NoError(t, rwc.Close())
	require.NoError(t, rwc.Close())

	_, err := rwc.Read(make([]byte, 4))
	assert.ErrorIs(t, err, os.ErrClosed)
	_, err = rwc.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.Empty(t, out.String())
}

func TestDrainingSessionRejectsEditorRequests(t *testing.T) {
	sup := supervisor.New(supervisor.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	h := newSupervisedHarness(t, Options{}, sup)
	require.Eventually(t, func() bool { return h.srv.current() != nil }, time.Second, 5*time.Millisecond)

	args := map[string]any{"filePath": "/work/a.ts", "text": "x"}
	res := dispatch(t, h, config.ToolInsertText, args)
	assert.ErrorIs(t, res.Err, errNotAccepting, "requests before initialize are refused")

	h.initialize(t, true, false)
	res = dispatch(t, h, config.ToolInsertText, args)
	require.NoError(t, res.Err)
	require.Equal(t, 1, h.editor.editCount())

	_, err := h.client.Call(testCtx(t), methodShutdown, nil, nil)
	require.NoError(t, err)
	rec, ok := sup.Record(h.srv.current().id)
	require.True(t, ok)
	assert.Equal(t, supervisor.Draining, rec.State)

	res = dispatch(t, h, config.ToolInsertText, args)
	assert.ErrorIs(t, res.Err, errNotAccepting)
	assert.Equal(t, 1, h.editor.editCount())

	res = dispatch(t, h, config.ToolGetOpenEditors, nil)
	assert.NoError(t, res.Err, "cache-served tools keep working")
}
