package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "IDE_BRIDGE_"

// Editor transports
const (
	TransportStdio = "stdio"
	tcpScheme      = "tcp://"
)

// HeartbeatConfig holds configuration for connection liveness checks
type HeartbeatConfig struct {
	// Interval is how often the supervisor ticks
	Interval time.Duration `yaml:"interval"`
	// LivenessWindow is the idle time after which a connection is probed
	LivenessWindow time.Duration `yaml:"liveness_window"`
	// ProbeTimeout is how long a probe may stay unanswered
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// DefaultHeartbeatConfig returns default configuration for heartbeats
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:       DefaultHeartbeatInterval,
		LivenessWindow: DefaultLivenessWindow,
		ProbeTimeout:   DefaultProbeTimeout,
	}
}

// ReconnectConfig holds configuration for channel reconnect backoff
type ReconnectConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	// Jitter is the fraction of each delay that may be added at random
	Jitter float64 `yaml:"jitter"`
}

// DefaultReconnectConfig returns default configuration for reconnects
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:   DefaultReconnectMaxRetries,
		InitialDelay: DefaultReconnectInitialDelay,
		MaxDelay:     DefaultReconnectMaxDelay,
		Multiplier:   DefaultReconnectMultiplier,
		Jitter:       DefaultReconnectJitter,
	}
}

// Config is the resolved daemon configuration
type Config struct {
	// Port for the agent websocket; 0 picks a free port
	Port             int      `yaml:"port"`
	DiscoveryDir     string   `yaml:"discovery_dir"`
	IDEName          string   `yaml:"ide_name"`
	WorkspaceFolders []string `yaml:"workspace_folders"`
	// EditorTransport is "stdio" or "tcp://host:port"
	EditorTransport string `yaml:"editor_transport"`
	// OpenCommand opens path:line:col when the editor cannot show documents itself
	OpenCommand       string          `yaml:"open_command"`
	Debounce          time.Duration   `yaml:"debounce"`
	InvocationTimeout time.Duration   `yaml:"invocation_timeout"`
	Heartbeat         HeartbeatConfig `yaml:"heartbeat"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
	TokenTTL          time.Duration   `yaml:"token_ttl"`
	// SensitivePaths are doublestar globs tool calls may not target
	SensitivePaths  []string `yaml:"sensitive_paths"`
	DiagnosticsAddr string   `yaml:"diagnostics_addr"`
	MetricsAddr     string   `yaml:"metrics_addr"`
	LogLevel        string   `yaml:"log_level"`
}

// DefaultSensitivePaths returns the globs protected by default
func DefaultSensitivePaths() []string {
	return []string{
		"**/.env",
		"**/.env.*",
		"**/.git/**",
		"**/.ssh/**",
		"**/*.pem",
		"**/id_rsa*",
	}
}

// DefaultDiscoveryDir returns ~/.claude/ide, or a temp dir fallback when home is unknown
func DefaultDiscoveryDir() string {
	if dir := os.Getenv("CLAUDE_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, "ide")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "claude", "ide")
	}
	return filepath.Join(home, ".claude", "ide")
}

// Default returns a configuration populated with defaults
func Default() Config {
	return Config{
		DiscoveryDir:      DefaultDiscoveryDir(),
		IDEName:           "ide-bridge",
		EditorTransport:   TransportStdio,
		Debounce:          DefaultDebounce,
		InvocationTimeout: DefaultInvocationTimeout,
		Heartbeat:         DefaultHeartbeatConfig(),
		Reconnect:         DefaultReconnectConfig(),
		TokenTTL:          DefaultTokenTTL,
		SensitivePaths:    DefaultSensitivePaths(),
		LogLevel:          "info",
	}
}

// Load reads a YAML file over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from IDE_BRIDGE_* variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	if v, ok := get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sPORT %q: %w", EnvPrefix, v, err)
		}
		c.Port = port
	}
	if v, ok := get("DISCOVERY_DIR"); ok {
		c.DiscoveryDir = v
	}
	if v, ok := get("IDE_NAME"); ok {
		c.IDEName = v
	}
	if v, ok := get("WORKSPACE_FOLDERS"); ok {
		c.WorkspaceFolders = filepath.SplitList(v)
	}
	if v, ok := get("EDITOR_TRANSPORT"); ok {
		c.EditorTransport = v
	}
	if v, ok := get("OPEN_COMMAND"); ok {
		c.OpenCommand = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := get("DIAGNOSTICS_ADDR"); ok {
		c.DiagnosticsAddr = v
	}
	if v, ok := get("METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"DEBOUNCE", &c.Debounce},
		{"INVOCATION_TIMEOUT", &c.InvocationTimeout},
		{"TOKEN_TTL", &c.TokenTTL},
		{"HEARTBEAT_INTERVAL", &c.Heartbeat.Interval},
		{"LIVENESS_WINDOW", &c.Heartbeat.LivenessWindow},
		{"PROBE_TIMEOUT", &c.Heartbeat.ProbeTimeout},
		{"RECONNECT_INITIAL_DELAY", &c.Reconnect.InitialDelay},
		{"RECONNECT_MAX_DELAY", &c.Reconnect.MaxDelay},
	}
	for _, d := range durations {
		v, ok := get(d.name)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, d.name, v, err)
		}
		*d.dst = parsed
	}

	if v, ok := get("RECONNECT_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sRECONNECT_MAX_RETRIES %q: %w", EnvPrefix, v, err)
		}
		c.Reconnect.MaxRetries = n
	}
	return nil
}

// Validate checks the configuration for values the daemon cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DiscoveryDir == "" {
		errs = append(errs, errors.New("discovery_dir must be set"))
	}
	if c.IDEName == "" {
		errs = append(errs, errors.New("ide_name must be set"))
	}
	if _, _, err := ParseTransport(c.EditorTransport); err != nil {
		errs = append(errs, err)
	}
	if c.Debounce < 0 {
		errs = append(errs, errors.New("debounce must be non-negative"))
	}
	if c.InvocationTimeout <= 0 {
		errs = append(errs, errors.New("invocation_timeout must be positive"))
	}
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.LivenessWindow <= 0 || c.Heartbeat.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("heartbeat durations must be positive"))
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		errs = append(errs, errors.New("reconnect.jitter must be within [0,1]"))
	}
	if c.TokenTTL < 0 {
		errs = append(errs, errors.New("token_ttl must be non-negative"))
	}
	for _, p := range c.SensitivePaths {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Errorf("invalid sensitive path pattern %q", p))
		}
	}
	for _, w := range c.WorkspaceFolders {
		if !filepath.IsAbs(w) {
			errs = append(errs, fmt.Errorf("workspace folder %q must be absolute", w))
		}
	}
	return errors.Join(errs...)
}

// ParseTransport splits an editor transport into its kind and address
func ParseTransport(t string) (kind, addr string, err error) {
	switch {
	case t == "" || t == TransportStdio:
		return TransportStdio, "", nil
	case strings.HasPrefix(t, tcpScheme):
		addr = strings.TrimPrefix(t, tcpScheme)
		if addr == "" {
			return "", "", fmt.Errorf("editor transport %q has no address", t)
		}
		return "tcp", addr, nil
	default:
		return "", "", fmt.Errorf("unsupported editor transport %q", t)
	}
}
