package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AltairaLabs/ide-bridge/internal/bridge/config"
	"github.com/AltairaLabs/ide-bridge/internal/bridge/retry"
	"github.com/AltairaLabs/ide-bridge/internal/discovery"
	"github.com/AltairaLabs/ide-bridge/internal/invocation"
	"github.com/AltairaLabs/ide-bridge/internal/types"
)

// ErrChannelClosed is returned by a channel whose peer went away for good,
// such as an editor closing stdio. It stops the daemon without a restart.
var ErrChannelClosed = errors.New("channel closed")

// Options configures a Supervisor
type Options struct {
	Policy      retry.Policy
	Heartbeat   config.HeartbeatConfig
	Invocations *invocation.Table
	// Fresh carries newly published session records; each one cuts short a backoff wait
	Fresh     <-chan discovery.Record
	Observers []Observer
	Logger    *slog.Logger
}

type entry struct {
	rec    ConnectionRecord
	prober Prober
}

// Supervisor owns connection records, drives heartbeats and restarts channels
type Supervisor struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	backoffs map[string]*retry.Backoff
	freshSig chan struct{}
}

// New creates a supervisor
func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Heartbeat.Interval <= 0 {
		opts.Heartbeat = config.DefaultHeartbeatConfig()
	}
	if err := opts.Policy.Validate(); err != nil {
		opts.Logger.Warn("invalid reconnect policy, using default", "error", err)
		opts.Policy = retry.DefaultPolicy()
	}
	return &Supervisor{
		opts:     opts,
		logger:   opts.Logger,
		now:      time.Now,
		entries:  make(map[string]*entry),
		backoffs: make(map[string]*retry.Backoff),
		freshSig: make(chan struct{}),
	}
}

// Monitor registers a connection in the Connecting state
func (s *Supervisor) Monitor(id, channel string, p Prober) ConnectionRecord {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	e.prober = p
	e.rec = ConnectionRecord{
		ID:           id,
		Channel:      channel,
		State:        Connecting,
		LastActivity: s.now(),
		RetryCount:   e.rec.RetryCount,
	}
	rec := e.rec
	s.mu.Unlock()

	s.notify(rec)
	return rec
}

// Transition moves id to st. Illegal transitions are a protocol error and
// leave the record unchanged.
func (s *Supervisor) Transition(id string, st State) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return types.ProtocolError("transition", fmt.Errorf("unknown connection %q", id))
	}
	from := e.rec.State
	if !legal(from, st) {
		s.mu.Unlock()
		err := types.ProtocolError("transition", fmt.Errorf("%s: %s -> %s", id, from, st))
		s.logger.Warn("illegal state transition", "connection_id", id, "from", from.String(), "to", st.String())
		return err
	}
	e.rec.State = st
	e.rec.LastActivity = s.now()
	e.rec.ProbeDeadline = time.Time{}
	if st == Streaming {
		e.rec.RetryCount = 0
		e.rec.BackoffUntil = time.Time{}
		e.rec.Err = nil
		if b, ok := s.backoffs[id]; ok {
			b.Reset()
		}
	}
	rec := e.rec
	s.mu.Unlock()

	if from != st {
		s.logger.Debug("connection state changed", "connection_id", id, "channel", rec.Channel, "from", from.String(), "to", st.String())
		s.notify(rec)
	}
	return nil
}

// Touch records activity on id and clears any outstanding probe
func (s *Supervisor) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.rec.LastActivity = s.now()
		e.rec.ProbeDeadline = time.Time{}
	}
}

// Release forgets a connection that has finished
func (s *Supervisor) Release(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
		e.rec.State = Disconnected
	}
	s.mu.Unlock()

	if ok {
		s.notify(e.rec)
	}
}

// Accepting reports whether id may take new work
func (s *Supervisor) Accepting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && (e.rec.State == Authenticated || e.rec.State == Streaming)
}

// Record returns a copy of the record for id
func (s *Supervisor) Record(id string) (ConnectionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ConnectionRecord{}, false
	}
	return e.rec, true
}

// Records returns copies of all records ordered by id
func (s *Supervisor) Records() []ConnectionRecord {
	s.mu.Lock()
	out := make([]ConnectionRecord, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.rec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Supervisor) alive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && e.rec.State.Live()
}

func (s *Supervisor) notify(rec ConnectionRecord) {
	for _, o := range s.opts.Observers {
		o.StateChanged(rec)
	}
}

// HeartbeatTick probes connections idle past the liveness window, tears down
// connections whose probe deadline passed, and sweeps orphaned invocations.
func (s *Supervisor) HeartbeatTick(now time.Time) {
	type target struct {
		id string
		p  Prober
	}
	var probes, teardowns []target
	var changed []ConnectionRecord

	hb := s.opts.Heartbeat
	s.mu.Lock()
	for id, e := range s.entries {
		if e.prober == nil || !e.rec.State.Live() {
			continue
		}
		if !e.rec.ProbeDeadline.IsZero() {
			if now.After(e.rec.ProbeDeadline) {
				e.rec.State = Disconnected
				e.rec.Err = types.TimeoutError("heartbeat", fmt.Errorf("%s silent for %s", id, now.Sub(e.rec.LastActivity)))
				e.rec.ProbeDeadline = time.Time{}
				teardowns = append(teardowns, target{id, e.prober})
				changed = append(changed, e.rec)
			}
			continue
		}
		if now.Sub(e.rec.LastActivity) >= hb.LivenessWindow {
			e.rec.ProbeDeadline = now.Add(hb.ProbeTimeout)
			probes = append(probes, target{id, e.prober})
		}
	}
	s.mu.Unlock()

	for _, t := range probes {
		go s.probe(t.id, t.p)
	}
	for i, t := range teardowns {
		s.logger.Warn("tearing down unresponsive connection", "connection_id", t.id, "error", changed[i].Err)
		t.p.Teardown(changed[i].Err)
		s.notify(changed[i])
	}

	if s.opts.Invocations != nil {
		if n := s.opts.Invocations.Sweep(now, s.alive); n > 0 {
			s.logger.Info("swept orphaned invocations", "count", n)
		}
	}
}

func (s *Supervisor) probe(id string, p Prober) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Heartbeat.ProbeTimeout)
	defer cancel()

	if err := p.Probe(ctx); err != nil {
		s.logger.Debug("liveness probe failed", "connection_id", id, "error", err)
		return
	}
	s.Touch(id)
}

func (s *Supervisor) backoff(name string) *retry.Backoff {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backoffs[name]
	if !ok {
		b = retry.NewBackoff(s.opts.Policy)
		s.backoffs[name] = b
	}
	return b
}

func (s *Supervisor) freshSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freshSig
}

func (s *Supervisor) signalFresh() {
	s.mu.Lock()
	close(s.freshSig)
	s.freshSig = make(chan struct{})
	s.mu.Unlock()
}

// Reconnect waits out the next backoff delay for ch and rebuilds it. It
// returns a ReconnectExhaustedError once the policy runs out of attempts.
func (s *Supervisor) Reconnect(ctx context.Context, ch Channel, cause error) error {
	name := ch.Name()
	b := s.backoff(name)

	delay, ok := b.Next()
	if !ok {
		err := types.ReconnectExhaustedError("reconnect "+name, cause)
		s.setFailed(name, err)
		return err
	}

	attempt := b.Attempts()
	s.mu.Lock()
	if e, ok := s.entries[name]; ok {
		e.rec.RetryCount = attempt
		e.rec.BackoffUntil = s.now().Add(delay)
		e.rec.Err = cause
	}
	s.mu.Unlock()
	for _, o := range s.opts.Observers {
		o.ReconnectAttempt(name, attempt, delay)
	}
	s.logger.Warn("channel failed, reconnecting",
		"channel", name,
		"attempt", attempt,
		"max_retries", s.opts.Policy.MaxRetries,
		"delay", delay,
		"error", cause,
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.freshSignal():
		s.logger.Info("fresh session record observed, skipping backoff", "channel", name)
		b.Reset()
	}

	if rb, ok := ch.(Rebuilder); ok {
		if err := rb.Rebuild(ctx); err != nil {
			return fmt.Errorf("rebuild %s: %w", name, err)
		}
	}
	return nil
}

func (s *Supervisor) setFailed(name string, err error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if ok {
		e.rec.State = Failed
		e.rec.Err = err
	}
	var rec ConnectionRecord
	if ok {
		rec = e.rec
	}
	s.mu.Unlock()

	s.logger.Error("channel permanently failed", "channel", name, "error", err)
	if ok {
		s.notify(rec)
	}
}

func (s *Supervisor) setDisconnected(name string) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if ok {
		e.rec.State = Disconnected
	}
	var rec ConnectionRecord
	if ok {
		rec = e.rec
	}
	s.mu.Unlock()
	if ok {
		s.notify(rec)
	}
}

// runChannel serves ch until ctx is done, restarting it through Reconnect
func (s *Supervisor) runChannel(ctx context.Context, ch Channel) error {
	name := ch.Name()
	s.Monitor(name, name, nil)

	for {
		err := ch.Serve(ctx)
		if ctx.Err() != nil {
			s.setDisconnected(name)
			return nil
		}
		if errors.Is(err, ErrChannelClosed) {
			s.logger.Info("channel closed by peer", "channel", name)
			s.setDisconnected(name)
			return err
		}
		if err == nil {
			err = errors.New("serve returned without error")
		}

		for {
			if !retry.IsRetriableError(err) {
				s.setFailed(name, err)
				return err
			}
			_ = s.Transition(name, Connecting)
			err = s.Reconnect(ctx, ch, err)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				s.setDisconnected(name)
				return nil
			}
			if errors.Is(err, types.ErrReconnectExhausted) {
				return err
			}
		}
	}
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.HeartbeatTick(s.now())
		}
	}
}

func (s *Supervisor) freshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.opts.Fresh:
			if !ok {
				return
			}
			s.signalFresh()
		}
	}
}

// Run serves every channel and the heartbeat loop until ctx is done or a
// channel fails for good.
func (s *Supervisor) Run(ctx context.Context, channels ...Channel) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.heartbeatLoop(gctx)
		return nil
	})
	if s.opts.Fresh != nil {
		g.Go(func() error {
			s.freshLoop(gctx)
			return nil
		})
	}
	for _, ch := range channels {
		g.Go(func() error {
			return s.runChannel(gctx, ch)
		})
	}
	return g.Wait()
}
