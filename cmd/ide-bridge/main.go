package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AltairaLabs/ide-bridge/internal/bridge/config"
	"github.com/AltairaLabs/ide-bridge/internal/daemon"
	"github.com/AltairaLabs/ide-bridge/internal/discovery"
	"github.com/AltairaLabs/ide-bridge/internal/types"
)

const version = "0.1.0"

// Exit codes
const (
	exitOK               = 0
	exitError            = 1
	exitConfig           = 2
	exitDiscovery        = 3
	exitReconnectsFailed = 4
)

type options struct {
	configPath string
	debug      bool
	port       int
	transport  string
	discovery  string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	var cfgErr *configError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.Is(err, types.ErrDiscovery):
		return exitDiscovery
	case errors.Is(err, types.ErrReconnectExhausted):
		return exitReconnectsFailed
	default:
		return exitError
	}
}

// configError marks failures to resolve configuration
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "ide-bridge",
		Short:         "Bridge an LSP editor session to an MCP agent over a local websocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts, stderr)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&opts.discovery, "discovery-dir", "", "Directory holding session records")
	root.Flags().IntVar(&opts.port, "port", -1, "Agent websocket port (0 picks a free port)")
	root.Flags().StringVar(&opts.transport, "editor", "", `Editor transport: "stdio" or "tcp://host:port"`)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts, stderr)
		},
	}
	serveCmd.Flags().AddFlagSet(root.Flags())

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Print the freshest live session record",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			rec, err := discovery.Discover(cfg.DiscoveryDir)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "ide-bridge v%s\n", version)
		},
	}

	root.AddCommand(serveCmd, discoverCmd, versionCmd)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root
}

func loadConfig(opts *options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, &configError{err: err}
	}
	if opts.port >= 0 {
		cfg.Port = opts.port
	}
	if opts.transport != "" {
		cfg.EditorTransport = opts.transport
	}
	if opts.discovery != "" {
		cfg.DiscoveryDir = opts.discovery
	}
	if opts.debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return cfg, &configError{err: err}
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// stdout may carry the LSP stream, so logs always go to stderr
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func serve(ctx context.Context, opts *options, stderr io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "ide-bridge: %v\n", err)
		return err
	}

	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("Starting ide-bridge",
		"version", version,
		"port", cfg.Port,
		"editor_transport", cfg.EditorTransport,
		"discovery_dir", cfg.DiscoveryDir,
	)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(cfg, version, logger)
	if err != nil {
		logger.Error("Failed to initialize bridge", "error", err)
		return err
	}
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Bridge exited with error", "error", err)
		return err
	}
	logger.Info("ide-bridge shutdown complete")
	return nil
}
