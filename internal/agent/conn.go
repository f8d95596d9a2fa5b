package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AltairaLabs/ide-bridge/internal/bridge/config"
	"github.com/AltairaLabs/ide-bridge/internal/contextcache"
	"github.com/AltairaLabs/ide-bridge/internal/supervisor"
)

const notificationBuffer = 16

var errConnClosed = errors.New("agent connection closed")

// Conn is one authenticated agent websocket. It doubles as the MCP client
// session for everything the connection sends.
type Conn struct {
	id     string
	srv    *Server
	ws     *websocket.Conn
	logger *slog.Logger
	out    *outbox
	notes  chan mcp.JSONRPCNotification
	pong   chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	draining bool
	calls    sync.WaitGroup

	initialized atomic.Bool
	violations  atomic.Int32
	closeOnce   sync.Once
}

func newConn(id string, srv *Server, ws *websocket.Conn) *Conn {
	return &Conn{
		id:     id,
		srv:    srv,
		ws:     ws,
		logger: srv.logger.With("connection_id", id),
		out:    newOutbox(srv.opts.OutboxSize),
		notes:  make(chan mcp.JSONRPCNotification, notificationBuffer),
		pong:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// SessionID implements server.ClientSession
func (c *Conn) SessionID() string { return c.id }

// NotificationChannel implements server.ClientSession
func (c *Conn) NotificationChannel() chan<- mcp.JSONRPCNotification { return c.notes }

// Initialize implements server.ClientSession
func (c *Conn) Initialize() { c.initialized.Store(true) }

// Initialized implements server.ClientSession
func (c *Conn) Initialized() bool { return c.initialized.Load() }

// ID returns the supervisor id of the connection
func (c *Conn) ID() string { return c.id }

func (c *Conn) run(ctx context.Context) {
	s := c.srv
	s.hooks.Monitor(c.id, ChannelName, c)
	_ = s.hooks.Transition(c.id, supervisor.Authenticated)
	if err := s.mcp.RegisterSession(ctx, c); err != nil {
		c.logger.Error("failed to register mcp session", "error", err)
		c.teardown(err)
		s.hooks.Release(c.id)
		return
	}
	s.addConn(c)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.calls.Wait()
		s.removeConn(c)
		s.mcp.UnregisterSession(context.Background(), c.id)
		c.teardown(nil)
		s.hooks.Release(c.id)
		c.logger.Info("agent disconnected")
	}()

	c.ws.SetReadLimit(s.opts.MaxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		s.hooks.Touch(c.id)
		select {
		case c.pong <- struct{}{}:
		default:
		}
		return nil
	})

	go c.writeLoop()
	go c.forwardNotifications()

	c.readLoop(ctx)
	c.drain(s.opts.DrainTimeout, "agent closed connection")
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case c.closed():
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.logger.Info("agent sent close")
			default:
				c.logger.Warn("agent read failed", "error", err)
			}
			return
		}
		c.srv.hooks.Touch(c.id)
		c.handleFrame(ctx, data)
	}
}

// frame holds the fields needed to route an inbound message
type frame struct {
	Method string          `json:"method"`
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (f frame) hasID() bool {
	return len(f.ID) > 0 && string(f.ID) != "null"
}

func (f frame) requestID() mcp.RequestId {
	var id any
	if f.hasID() {
		_ = json.Unmarshal(f.ID, &id)
	}
	return mcp.NewRequestId(id)
}

func (c *Conn) handleFrame(ctx context.Context, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.reply(mcp.NewJSONRPCError(mcp.NewRequestId(nil), mcp.PARSE_ERROR, "parse error", nil))
		c.violation("malformed frame", err)
		return
	}

	if f.Method == "" {
		if f.hasID() && (len(f.Result) > 0 || len(f.Error) > 0) {
			// The bridge never sends requests, so no response can match.
			c.reply(mcp.NewJSONRPCError(f.requestID(), mcp.INVALID_REQUEST,
				fmt.Sprintf(config.ErrUnknownInvocation, string(f.ID)), nil))
			c.violation("response to unknown request", nil)
			return
		}
		c.reply(mcp.NewJSONRPCError(f.requestID(), mcp.INVALID_REQUEST, "missing method", nil))
		c.violation("frame without method", nil)
		return
	}

	mctx := c.srv.mcp.WithContext(ctx, c)
	if f.Method == string(mcp.MethodToolsCall) && f.hasID() {
		if !c.beginCall() {
			c.reply(mcp.NewJSONRPCError(f.requestID(), mcp.INVALID_REQUEST, config.ErrConnectionDraining, nil))
			return
		}
		go func() {
			defer c.calls.Done()
			c.reply(c.srv.mcp.HandleMessage(mctx, data))
		}()
		return
	}

	resp := c.srv.mcp.HandleMessage(mctx, data)
	if f.Method == string(mcp.MethodInitialize) && resp != nil && !isErrorResponse(resp) {
		c.reply(resp)
		_ = c.srv.hooks.Transition(c.id, supervisor.Streaming)
		c.logger.Info("agent session initialized")
		c.pushDocuments(c.srv.cache.OpenDocuments())
		if snap, ok := c.srv.cache.Latest(); ok {
			c.pushSelection(snap)
		}
		return
	}
	c.reply(resp)
}

func isErrorResponse(msg mcp.JSONRPCMessage) bool {
	switch msg.(type) {
	case mcp.JSONRPCError, *mcp.JSONRPCError:
		return true
	}
	return false
}

// beginCall registers an in-flight tool call unless the connection is draining
// beginCall registers an in-flight tool call unless the connection is
// draining or its connection record no longer takes new work
func (c *Conn) beginCall() bool {
	if !c.srv.hooks.Accepting(c.id) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return false
	}
	c.calls.Add(1)
	return true
}

func (c *Conn) accepting() bool {
	if !c.srv.hooks.Accepting(c.id) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.draining
}

func (c *Conn) reply(msg mcp.JSONRPCMessage) {
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to encode response", "error", err)
		return
	}
	if err := c.out.push(data, ""); err != nil {
		c.teardown(err)
	}
}

func (c *Conn) violation(reason string, err error) {
	n := int(c.violations.Add(1))
	c.logger.Warn("agent protocol violation", "reason", reason, "count", n, "error", err)
	if n == c.srv.opts.ViolationLimit {
		go c.drain(c.srv.opts.DrainTimeout, "repeated protocol violations")
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.out.ready:
		}
		for {
			it, ok := c.out.pop()
			if !ok {
				break
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, it.data); err != nil {
				c.teardown(fmt.Errorf("write: %w", err))
				return
			}
			c.out.sent()
			if it.method != "" {
				c.srv.metrics.NotificationSent(it.method)
			}
		}
	}
}

// forwardNotifications moves notifications queued by the MCP server into
// the outbox
func (c *Conn) forwardNotifications() {
	for {
		select {
		case <-c.done:
			return
		case n := <-c.notes:
			data, err := json.Marshal(n)
			if err != nil {
				c.logger.Error("failed to encode notification", "method", n.Method, "error", err)
				continue
			}
			if err := c.out.push(data, n.Method); err != nil {
				c.teardown(err)
				return
			}
		}
	}
}

// notification is a bridge push to the agent
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

func encodeNotification(method string, params any) ([]byte, error) {
	return json.Marshal(notification{JSONRPC: mcp.JSONRPC_VERSION, Method: method, Params: params})
}

func (c *Conn) pushSelection(snap contextcache.Snapshot) {
	if !c.Initialized() || !c.accepting() {
		return
	}
	data, err := encodeNotification(config.NotifySelectionChanged, snap.View())
	if err != nil {
		c.logger.Error("failed to encode selection", "error", err)
		return
	}
	coalesced, accepted := c.out.pushKeyed(snap.URI, snap.Seq, data, config.NotifySelectionChanged)
	if coalesced {
		c.srv.metrics.NotificationCoalesced()
	}
	if !accepted {
		c.logger.Debug("dropped out of order selection", "uri", snap.URI, "seq", snap.Seq)
	}
}

type openDocument struct {
	URI      string `json:"uri"`
	FilePath string `json:"filePath"`
}

func (c *Conn) pushDocuments(uris []string) {
	if !c.Initialized() || !c.accepting() {
		return
	}
	docs := make([]openDocument, 0, len(uris))
	for _, u := range uris {
		docs = append(docs, openDocument{URI: u, FilePath: contextcache.URIToPath(u)})
	}
	data, err := encodeNotification(config.NotifyOpenDocumentsChanged, map[string]any{"documents": docs})
	if err != nil {
		c.logger.Error("failed to encode open documents", "error", err)
		return
	}
	if coalesced, _ := c.out.pushKeyed(documentsKey, 0, data, config.NotifyOpenDocumentsChanged); coalesced {
		c.srv.metrics.NotificationCoalesced()
	}
}

func (c *Conn) pushMention(m contextcache.Mention) {
	if !c.Initialized() || !c.accepting() {
		return
	}
	data, err := encodeNotification(config.NotifyAtMentioned, map[string]any{
		"filePath":  contextcache.URIToPath(m.URI),
		"lineStart": m.LineStart,
		"lineEnd":   m.LineEnd,
	})
	if err != nil {
		c.logger.Error("failed to encode mention", "error", err)
		return
	}
	if err := c.out.push(data, config.NotifyAtMentioned); err != nil {
		c.teardown(err)
	}
}

// Probe implements supervisor.Prober with a websocket ping
func (c *Conn) Probe(ctx context.Context) error {
	select {
	case <-c.pong:
	default:
	}
	deadline := time.Now().Add(c.srv.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return err
	}
	select {
	case <-c.pong:
		return nil
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Teardown implements supervisor.Prober
func (c *Conn) Teardown(reason error) {
	c.teardown(reason)
}

func (c *Conn) teardown(reason error) {
	c.closeOnce.Do(func() {
		if reason != nil {
			c.logger.Warn("closing agent connection", "reason", reason)
		}
		close(c.done)
		c.out.close()
		_ = c.ws.Close()
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// drain stops new tool calls, waits up to timeout for outstanding calls and
// queued messages, then closes the socket
func (c *Conn) drain(timeout time.Duration, reason string) {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()

	_ = c.srv.hooks.Transition(c.id, supervisor.Draining)
	c.logger.Info("draining agent connection", "reason", reason)

	deadline := time.Now().Add(timeout)
	idle := make(chan struct{})
	go func() {
		c.calls.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-c.done:
	case <-time.After(timeout):
		c.logger.Warn("drain timed out with calls outstanding")
	}

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for !c.out.idle() && time.Now().Before(deadline) && !c.closed() {
		<-tick.C
	}

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.teardown(nil)
}
