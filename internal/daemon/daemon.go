// Package daemon assembles the editor channel, the agent channel and the
// supervisor that keeps them running.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/AltairaLabs/ide-bridge/internal/agent"
	"github.com/AltairaLabs/ide-bridge/internal/bridge/config"
	"github.com/AltairaLabs/ide-bridge/internal/bridge/retry"
	"github.com/AltairaLabs/ide-bridge/internal/contextcache"
	"github.com/AltairaLabs/ide-bridge/internal/diagnostics"
	"github.com/AltairaLabs/ide-bridge/internal/discovery"
	"github.com/AltairaLabs/ide-bridge/internal/editor"
	"github.com/AltairaLabs/ide-bridge/internal/invocation"
	"github.com/AltairaLabs/ide-bridge/internal/supervisor"
)

// Daemon owns every long lived component of the bridge
type Daemon struct {
	cfg    config.Config
	logger *slog.Logger

	registry *discovery.Registry
	cache    *contextcache.Cache
	table    *invocation.Table
	sup      *supervisor.Supervisor
	metrics  *diagnostics.Metrics
	diag     *diagnostics.Server
	fresh    chan discovery.Record

	editor *editor.Server
	agent  *agent.Server
}

// Option customizes a Daemon
type Option func(*daemonOptions)

type daemonOptions struct {
	stdio      io.ReadWriteCloser
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// WithStdio serves the editor over rwc instead of the process stdio
func WithStdio(rwc io.ReadWriteCloser) Option {
	return func(o *daemonOptions) { o.stdio = rwc }
}

// WithRegistry registers metrics with reg instead of a private registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *daemonOptions) {
		o.registerer = reg
		o.gatherer = reg
	}
}

// New builds a daemon from a validated configuration
func New(cfg config.Config, version string, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := daemonOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registerer == nil {
		reg := prometheus.NewRegistry()
		o.registerer, o.gatherer = reg, reg
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		registry: discovery.NewRegistry(cfg.DiscoveryDir, logger.With("component", "discovery")),
		cache:    contextcache.New(logger.With("component", "cache")),
		table:    invocation.NewTable(logger.With("component", "invocations")),
		metrics:  diagnostics.NewMetrics(o.registerer),
		fresh:    make(chan discovery.Record, 1),
	}
	health := diagnostics.NewHealth(editor.ChannelName, agent.ChannelName)
	d.diag = &diagnostics.Server{
		GRPCAddr:    cfg.DiagnosticsAddr,
		MetricsAddr: cfg.MetricsAddr,
		Health:      health,
		Gatherer:    o.gatherer,
		Logger:      logger.With("component", "diagnostics"),
	}
	d.sup = supervisor.New(supervisor.Options{
		Policy:      retry.FromConfig(cfg.Reconnect),
		Heartbeat:   cfg.Heartbeat,
		Invocations: d.table,
		Fresh:       d.fresh,
		Observers:   []supervisor.Observer{d.metrics, health},
		Logger:      logger.With("component", "supervisor"),
	})
	d.diag.Connections = d.sup.Records

	d.editor = editor.NewServer(editor.Options{
		Transport:        cfg.EditorTransport,
		WorkspaceFolders: cfg.WorkspaceFolders,
		OpenCommand:      cfg.OpenCommand,
		Debounce:         cfg.Debounce,
		CallTimeout:      cfg.InvocationTimeout,
		Version:          version,
		Stdio:            o.stdio,
	}, d.cache, d.table, d.sup, d.metrics, logger)

	var err error
	d.agent, err = agent.NewServer(agent.Options{
		Port:             cfg.Port,
		IDEName:          cfg.IDEName,
		TokenTTL:         cfg.TokenTTL,
		WorkspaceFolders: d.editor.WorkspaceFolders,
		SensitivePaths:   cfg.SensitivePaths,
		Version:          version,
	}, d.cache, d.editor, d.registry, d.sup, d.metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent channel: %w", err)
	}
	return d, nil
}

// Editor returns the editor channel
func (d *Daemon) Editor() *editor.Server { return d.editor }

// Agent returns the agent channel
func (d *Daemon) Agent() *agent.Server { return d.agent }

// Cache returns the shared context cache
func (d *Daemon) Cache() *contextcache.Cache { return d.cache }

// Supervisor returns the connection supervisor
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// forwardFresh passes records published by other bridge processes to the
// supervisor. This process's own publishes are skipped so they cannot reset
// its reconnect budget.
func (d *Daemon) forwardFresh(updates <-chan discovery.Record) {
	self := os.Getpid()
	for rec := range updates {
		if rec.PID == self {
			continue
		}
		d.logger.Debug("fresh session record", "pid", rec.PID, "port", rec.Port)
		select {
		case d.fresh <- rec:
		default:
		}
	}
}

// Run publishes the session record and serves both channels until ctx is
// done, the editor goes away, or a channel fails for good. A failure to
// publish the record is returned before anything is served.
func (d *Daemon) Run(ctx context.Context) error {
	port, err := d.agent.Listen()
	if err != nil {
		return err
	}
	defer func() {
		if err := d.agent.Close(); err != nil {
			d.logger.Warn("failed to withdraw session record", "error", err)
		}
	}()
	if err := d.agent.Publish(ctx); err != nil {
		return err
	}

	rec, _ := d.agent.Record()
	d.logger.Info("bridge started",
		"port", port,
		"url", rec.URL(),
		"discovery_dir", d.cfg.DiscoveryDir,
		"editor_transport", d.cfg.EditorTransport,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if updates, err := d.registry.Watch(gctx); err != nil {
		d.logger.Warn("discovery watch unavailable", "error", err)
	} else {
		g.Go(func() error {
			d.forwardFresh(updates)
			return nil
		})
	}

	if d.cfg.DiagnosticsAddr != "" || d.cfg.MetricsAddr != "" {
		g.Go(func() error { return d.diag.Serve(gctx) })
	}

	g.Go(func() error {
		defer cancel()
		err := d.sup.Run(gctx, d.editor, d.agent)
		if errors.Is(err, supervisor.ErrChannelClosed) {
			d.logger.Info("editor closed the session, shutting down")
			return nil
		}
		return err
	})

	err = g.Wait()
	d.logger.Info("bridge stopped", "error", err)
	return err
}
