package editor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"go.lsp.dev/jsonrpc2"

	"github.com/AltairaLabs/ide-bridge/internal/bridge/config"
	"github.com/AltairaLabs/ide-bridge/internal/contextcache"
	"github.com/AltairaLabs/ide-bridge/internal/diagnostics"
	"github.com/AltairaLabs/ide-bridge/internal/invocation"
	"github.com/AltairaLabs/ide-bridge/internal/supervisor"
)

// ChannelName identifies the editor channel to the supervisor
const ChannelName = "editor"

// Options configures the editor channel
type Options struct {
	// Transport is "stdio" or "tcp://host:port"
	Transport        string
	WorkspaceFolders []string
	OpenCommand      string
	Debounce         time.Duration
	// CallTimeout bounds requests the bridge sends to the editor
	CallTimeout time.Duration
	Version     string
	// Stdio replaces os.Stdin/os.Stdout for the stdio transport
	Stdio io.ReadWriteCloser
}

// Server is the editor-facing LSP endpoint
type Server struct {
	opts    Options
	cache   *contextcache.Cache
	table   *invocation.Table
	hooks   supervisor.Hooks
	metrics *diagnostics.Metrics
	logger  *slog.Logger

	debouncer *Debouncer
	runCmd    func(ctx context.Context, name string, args ...string) error

	mu        sync.Mutex
	session   *session
	sessions  int
	seqs      map[string]uint64
	workspace []string
	listener  net.Listener
}

// NewServer creates the editor channel
func NewServer(opts Options, cache *contextcache.Cache, table *invocation.Table, hooks supervisor.Hooks, metrics *diagnostics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if hooks == nil {
		hooks = supervisor.NopHooks{}
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = config.DefaultInvocationTimeout
	}
	s := &Server{
		opts:      opts,
		cache:     cache,
		table:     table,
		hooks:     hooks,
		metrics:   metrics,
		logger:    logger.With("channel", ChannelName),
		runCmd:    runCommand,
		seqs:      make(map[string]uint64),
		workspace: append([]string(nil), opts.WorkspaceFolders...),
	}
	s.debouncer = NewDebouncer(opts.Debounce, s.forwardSelection)
	return s
}

// Name implements supervisor.Channel
func (s *Server) Name() string { return ChannelName }

// Serve accepts editor connections until ctx is done or the transport fails
func (s *Server) Serve(ctx context.Context) error {
	kind, addr, err := config.ParseTransport(s.opts.Transport)
	if err != nil {
		return err
	}
	if kind == config.TransportStdio {
		return s.serveStdio(ctx)
	}
	return s.serveTCP(ctx, addr)
}

func (s *Server) serveStdio(ctx context.Context) error {
	rwc := s.opts.Stdio
	if rwc == nil {
		rwc = newStdio(os.Stdin, os.Stdout)
	}
	_ = s.hooks.Transition(ChannelName, supervisor.Streaming)

	err := s.serveConn(ctx, rwc)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// stdio cannot be reopened; the editor is gone.
	s.logger.Info("editor stdio closed", "error", err)
	return supervisor.ErrChannelClosed
}

func (s *Server) serveTCP(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("editor listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	s.logger.Info("editor channel listening", "addr", lis.Addr().String())
	_ = s.hooks.Transition(ChannelName, supervisor.Streaming)

	stop := context.AfterFunc(ctx, func() { _ = lis.Close() })
	defer stop()

	for {
		c, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("editor accept: %w", err)
		}
		s.logger.Info("editor connected", "remote", c.RemoteAddr().String())
		go func() {
			if err := s.serveConn(ctx, c); err != nil && !isClosed(err) {
				s.logger.Warn("editor connection ended", "error", err)
			}
		}()
	}
}

// Addr returns the TCP listen address, or nil for stdio
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// serveConn runs one LSP session over rwc until it ends. A newer session
// replaces an older one.
func (s *Server) serveConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(rwc))

	s.mu.Lock()
	s.sessions++
	id := fmt.Sprintf("%s/%d", ChannelName, s.sessions)
	sess := newSession(id, conn, s.logger.With("session", id))
	prev := s.session
	s.session = sess
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info("replacing editor session", "previous", prev.id, "session", sess.id)
		prev.Teardown(errors.New("replaced by a new editor session"))
	}

	s.hooks.Monitor(sess.id, ChannelName, sess)
	defer func() {
		s.debouncer.Flush()
		s.mu.Lock()
		if s.session == sess {
			s.session = nil
		}
		s.mu.Unlock()
		s.hooks.Release(sess.id)
	}()

	conn.Go(ctx, s.handler(sess))

	// A torn down stdio session may leave its reader blocked on stdin, so
	// the session ends on teardown without waiting for the reader.
	select {
	case <-conn.Done():
		return conn.Err()
	case <-sess.done:
		return nil
	case <-ctx.Done():
		sess.Teardown(ctx.Err())
		return ctx.Err()
	}
}

func (s *Server) current() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// accepting returns the current session when its record allows new requests
func (s *Server) accepting() (*session, error) {
	sess := s.current()
	if sess == nil {
		return nil, errNotConnected
	}
	if !s.hooks.Accepting(sess.id) {
		return nil, errNotAccepting
	}
	return sess, nil
}

// WorkspaceFolders returns configured roots, or those the editor reported
func (s *Server) WorkspaceFolders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.workspace...)
}

// DispatchToolResult completes a pending invocation. Unknown ids are a
// protocol error and are logged, never fatal.
func (s *Server) DispatchToolResult(id string, res invocation.Result) error {
	if err := s.table.Complete(id, res); err != nil {
		s.logger.Warn("tool result for unknown invocation", "invocation_id", id, "error", err)
		return err
	}
	return nil
}

// session is one connected editor
type session struct {
	id     string
	conn   jsonrpc2.Conn
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	applyEdit    bool
	showDocument bool
	initialized  bool
	shutdown     bool
}

func newSession(id string, conn jsonrpc2.Conn, logger *slog.Logger) *session {
	return &session{id: id, conn: conn, logger: logger, done: make(chan struct{})}
}

func (ss *session) capabilities() (applyEdit, showDocument bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.applyEdit, ss.showDocument
}

// Probe sends $/ping; any reply, even an error reply, proves liveness
func (ss *session) Probe(ctx context.Context) error {
	_, err := ss.conn.Call(ctx, methodPing, nil, nil)
	var rpcErr *jsonrpc2.Error
	if err == nil || errors.As(err, &rpcErr) {
		return nil
	}
	return err
}

// Teardown ends the session and closes its stream. It is safe to call more
// than once.
func (ss *session) Teardown(reason error) {
	ss.closeOnce.Do(func() {
		ss.logger.Info("tearing down editor session", "reason", reason)
		close(ss.done)
		_ = ss.conn.Close()
	})
}

func isClosed(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}

// stdio joins stdin and stdout into one stream. Close leaves the process's
// descriptors open but fails every later read and write.
type stdio struct {
	in     io.Reader
	out    io.Writer
	closed chan struct{}
	once   sync.Once
}

func newStdio(in io.Reader, out io.Writer) *stdio {
	return &stdio{in: in, out: out, closed: make(chan struct{})}
}

func (s *stdio) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, os.ErrClosed
	default:
	}
	return s.in.Read(p)
}

func (s *stdio) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, os.ErrClosed
	default:
	}
	return s.out.Write(p)
}

func (s *stdio) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
