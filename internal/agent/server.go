package agent

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AltairaLabs/ide-bridge/internal/bridge/config"
	"github.com/AltairaLabs/ide-bridge/internal/contextcache"
	"github.com/AltairaLabs/ide-bridge/internal/diagnostics"
	"github.com/AltairaLabs/ide-bridge/internal/discovery"
	"github.com/AltairaLabs/ide-bridge/internal/invocation"
	"github.com/AltairaLabs/ide-bridge/internal/supervisor"
	"github.com/AltairaLabs/ide-bridge/internal/types"
)

// ChannelName identifies the agent channel to the supervisor
const ChannelName = "agent"

const (
	// AuthHeader carries the session token on the websocket upgrade
	AuthHeader = "x-claude-code-ide-authorization"

	tokenQueryParam   = "token"
	loopback          = "127.0.0.1"
	subprotocol       = "mcp"
	readHeaderTimeout = 10 * time.Second
)

var (
	errTokenMismatch = errors.New(config.ErrTokenMismatch)
	errTokenExpired  = errors.New(config.ErrTokenExpired)
	errNotPublished  = errors.New("no session record published")
)

// Dispatcher executes validated tool calls on the editor side
type Dispatcher interface {
	Dispatch(ctx context.Context, req invocation.Request) (invocation.Result, error)
}

// Options configures the agent channel
type Options struct {
	// Port to listen on; 0 picks a free port that is then kept across rebuilds
	Port     int
	IDEName  string
	TokenTTL time.Duration
	// WorkspaceFolders is read every time the record is published
	WorkspaceFolders func() []string
	SensitivePaths   []string
	WriteTimeout     time.Duration
	DrainTimeout     time.Duration
	MaxMessageSize   int64
	OutboxSize       int
	ViolationLimit   int
	Version          string
}

func (o *Options) applyDefaults() {
	if o.IDEName == "" {
		o.IDEName = "ide-bridge"
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = config.DefaultWriteTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = config.DefaultDrainTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = config.DefaultMaxMessageSize
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = config.DefaultOutboxSize
	}
	if o.ViolationLimit <= 0 {
		o.ViolationLimit = config.DefaultProtocolViolationLimit
	}
	if o.WorkspaceFolders == nil {
		o.WorkspaceFolders = func() []string { return nil }
	}
}

// Server is the agent-facing MCP endpoint
type Server struct {
	opts       Options
	cache      *contextcache.Cache
	dispatcher Dispatcher
	registry   *discovery.Registry
	hooks      supervisor.Hooks
	metrics    *diagnostics.Metrics
	audit      *AuditLogger
	validator  *Validator
	logger     *slog.Logger

	mcp         *server.MCPServer
	upgrader    websocket.Upgrader
	unsubscribe func()

	mu       sync.Mutex
	listener net.Listener
	port     int
	// issued holds the token and expiry of the last published record
	issued   discovery.Record
	conns    map[string]*Conn
	nextConn int
	draining bool
}

// NewServer creates the agent channel and subscribes it to cache updates
func NewServer(opts Options, cache *contextcache.Cache, dispatcher Dispatcher, registry *discovery.Registry, hooks supervisor.Hooks, metrics *diagnostics.Metrics, logger *slog.Logger) (*Server, error) {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if hooks == nil {
		hooks = supervisor.NopHooks{}
	}
	validator, err := NewValidator(opts.SensitivePaths)
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:       opts,
		cache:      cache,
		dispatcher: dispatcher,
		registry:   registry,
		hooks:      hooks,
		metrics:    metrics,
		audit:      NewAuditLogger(logger),
		validator:  validator,
		logger:     logger.With("channel", ChannelName),
		port:       opts.Port,
		conns:      make(map[string]*Conn),
	}
	s.mcp = server.NewMCPServer(
		opts.IDEName,
		opts.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s.upgrader = websocket.Upgrader{
		Subprotocols: []string{subprotocol},
		// Browsers always send Origin; agents do not.
		CheckOrigin: func(r *http.Request) bool { return r.Header.Get("Origin") == "" },
	}
	s.registerTools()
	s.unsubscribe = cache.Subscribe(s.onCacheEvent)
	return s, nil
}

// Name implements supervisor.Channel
func (s *Server) Name() string { return ChannelName }

// Listen binds the loopback listener and returns the port. Calling it again
// while a listener is open is a no-op.
func (s *Server) Listen() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.port, nil
	}
	lis, err := net.Listen("tcp", net.JoinHostPort(loopback, strconv.Itoa(s.port)))
	if err != nil {
		return 0, fmt.Errorf("agent listen on port %d: %w", s.port, err)
	}
	s.listener = lis
	s.port = lis.Addr().(*net.TCPAddr).Port
	return s.port, nil
}

// Port returns the bound port
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Token returns the token agents must present
func (s *Server) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issued.AuthToken
}

// Publish writes the session record. The current token is reused unless it
// is missing or expired, in which case a new one is issued.
func (s *Server) Publish(ctx context.Context) error {
	s.mu.Lock()
	now := time.Now()
	if s.issued.AuthToken == "" || s.issued.TokenExpired(now) {
		token, err := discovery.NewToken()
		if err != nil {
			s.mu.Unlock()
			return types.DiscoveryError("issue token", err)
		}
		s.issued = discovery.Record{AuthToken: token}
		if s.opts.TokenTTL > 0 {
			s.issued.TokenExpiresAt = now.Add(s.opts.TokenTTL)
		}
		s.logger.Info("issued session token", "expires_at", s.issued.TokenExpiresAt)
	}
	rec := discovery.Record{
		Port:             s.port,
		AuthToken:        s.issued.AuthToken,
		PID:              os.Getpid(),
		CreatedAt:        now,
		TokenExpiresAt:   s.issued.TokenExpiresAt,
		IDEName:          s.opts.IDEName,
		WorkspaceFolders: s.opts.WorkspaceFolders(),
		Transport:        discovery.TransportWebSocket,
		RunningInWindows: runtime.GOOS == "windows",
		Version:          discovery.RecordVersion,
	}
	s.mu.Unlock()

	return s.registry.Publish(ctx, rec)
}

// Rebuild rebinds the listener on the same port and republishes the
// session record before the supervisor restarts the channel
func (s *Server) Rebuild(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	return s.Publish(ctx)
}

// Authenticate checks a presented token against the published one
func (s *Server) Authenticate(presented string) error {
	s.mu.Lock()
	issued := s.issued
	s.mu.Unlock()

	if issued.AuthToken == "" {
		return types.AuthError("authenticate", errNotPublished)
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(issued.AuthToken)) != 1 {
		return types.AuthError("authenticate", errTokenMismatch)
	}
	if issued.TokenExpired(time.Now()) {
		return types.AuthError("authenticate", errTokenExpired)
	}
	return nil
}

// Serve accepts agent websockets until ctx is done, then drains them
func (s *Server) Serve(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	lis := s.listener
	s.draining = false
	s.mu.Unlock()

	httpSrv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(lis) }()

	s.logger.Info("agent channel listening", "addr", lis.Addr().String())
	_ = s.hooks.Transition(ChannelName, supervisor.Streaming)

	select {
	case err := <-errCh:
		s.dropListener(lis)
		return fmt.Errorf("agent serve: %w", err)
	case <-ctx.Done():
	}

	s.Drain(s.opts.DrainTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.DrainTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("agent http shutdown", "error", err)
	}
	s.dropListener(lis)
	return ctx.Err()
}

func (s *Server) dropListener(lis net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == lis {
		s.listener = nil
	}
}

// ServeHTTP authenticates and upgrades one agent connection, then serves it
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.isDraining() {
		http.Error(w, config.ErrConnectionDraining, http.StatusServiceUnavailable)
		return
	}

	token := r.Header.Get(AuthHeader)
	if token == "" {
		token = r.URL.Query().Get(tokenQueryParam)
	}
	if err := s.Authenticate(token); err != nil {
		s.metrics.AuthFailure()
		s.logger.Warn("rejected agent connection", "remote", r.RemoteAddr, "error", err)
		if errors.Is(err, errTokenExpired) {
			go s.rotate()
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := s.newConn(ws)
	c.logger.Info("agent connected", "remote", r.RemoteAddr)
	c.run(context.WithoutCancel(r.Context()))
}

// rotate republishes with a fresh token after the old one expired
func (s *Server) rotate() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	if err := s.Publish(ctx); err != nil {
		s.logger.Error("failed to rotate session token", "error", err)
	}
}

func (s *Server) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Server) newConn(ws *websocket.Conn) *Conn {
	s.mu.Lock()
	s.nextConn++
	id := fmt.Sprintf("%s/%d", ChannelName, s.nextConn)
	s.mu.Unlock()
	return newConn(id, s, ws)
}

func (s *Server) addConn(c *Conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

func (s *Server) connections() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Drain stops new connections and tool calls, lets outstanding calls finish
// within timeout, then closes every connection
func (s *Server) Drain(timeout time.Duration) {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range s.connections() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.drain(timeout, "shutdown")
		}()
	}
	wg.Wait()
}

// Close stops cache delivery, releases an unserved listener and withdraws
// the session record
func (s *Server) Close() error {
	s.unsubscribe()
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	return s.registry.Withdraw()
}

func (s *Server) onCacheEvent(ev contextcache.Event) {
	conns := s.connections()
	for _, c := range conns {
		switch ev.Kind {
		case contextcache.EventSelection:
			c.pushSelection(ev.Snapshot)
		case contextcache.EventDocuments:
			c.pushDocuments(ev.Documents)
		case contextcache.EventMention:
			c.pushMention(ev.Mention)
		}
	}
}

// Record returns the published session record
func (s *Server) Record() (discovery.Record, bool) {
	return s.registry.Current()
}
