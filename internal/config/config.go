// Package config loads sandboxd configuration from defaults, an optional YAML
// file and SANDBOXD_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/sandboxd/internal/types"
)

// Config is the full service configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Provider     ProviderConfig     `yaml:"provider"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Session      SessionConfig      `yaml:"session"`
	Broadcast    BroadcastConfig    `yaml:"broadcast"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	// Addr is the listen address
	// Default: ":8080"
	Addr string `yaml:"addr"`

	// ShutdownTimeout bounds graceful shutdown
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig locates the sqlite database
type DatabaseConfig struct {
	// Path is the sqlite file, or ":memory:"
	// Default: "sandboxd.db"
	Path string `yaml:"path"`
}

// ProviderConfig configures the remote sandbox provider
type ProviderConfig struct {
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key"`
	Target string `yaml:"target"`

	// Image is the sandbox image new sandboxes start from (empty = provider default)
	Image string `yaml:"image"`

	// RequestTimeout bounds each non-streaming provider call
	// Default: 60s
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RateLimit is requests per second to the provider (0 = unlimited)
	// Default: 10
	RateLimit float64 `yaml:"rate_limit"`

	// Burst is the limiter burst size
	// Default: 20
	Burst int `yaml:"burst"`

	// AutoStopMinutes stops idle sandboxes after this many minutes (0 = never)
	// Default: 60
	AutoStopMinutes int `yaml:"auto_stop_minutes"`
}

// ProvisioningConfig configures the provisioning queue and setup steps
type ProvisioningConfig struct {
	// QueueSize is the capacity of the pending job queue
	// Default: 64, Range: 1-10000
	QueueSize int `yaml:"queue_size"`

	// CommitDelay is waited before each job so the enqueuing write is visible
	// Default: 500ms
	CommitDelay time.Duration `yaml:"commit_delay"`

	// CreateTimeout bounds sandbox creation
	// Default: 3m
	CreateTimeout time.Duration `yaml:"create_timeout"`

	// StepTimeout bounds each setup command
	// Default: 10m
	StepTimeout time.Duration `yaml:"step_timeout"`

	// StartTimeout and StopTimeout bound explicit start/stop requests
	// Default: 2m, 1m
	StartTimeout time.Duration `yaml:"start_timeout"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`

	// AppPort is the port the project's dev server listens on inside the sandbox
	// Default: 5173
	AppPort int `yaml:"app_port"`

	// Steps overrides the shell commands run for a setup phase, keyed by
	// status name (e.g. "installing_dependencies"). Phases not listed keep
	// their built-in commands.
	Steps map[string][]string `yaml:"steps"`
}

// SessionConfig configures agent turns
type SessionConfig struct {
	// StreamTimeout is the idle window after which a turn times out
	// Default: 30s
	StreamTimeout time.Duration `yaml:"stream_timeout"`

	// CleanupTimeout bounds session and scratch file removal after a turn
	// Default: 15s
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"`

	// ScratchDir holds per-turn prompt files inside the sandbox
	// Default: "/tmp"
	ScratchDir string `yaml:"scratch_dir"`

	// AgentBinary is the agent CLI inside the sandbox
	// Default: "claude"
	AgentBinary string `yaml:"agent_binary"`

	// ExtraArgs are appended to the agent command line
	ExtraArgs []string `yaml:"extra_args"`

	// APIKeyEnv names a local environment variable whose value is passed
	// to the agent as ANTHROPIC_API_KEY (empty = pass nothing)
	// Default: "ANTHROPIC_API_KEY"
	APIKeyEnv string `yaml:"api_key_env"`
}

// BroadcastConfig configures real-time delivery
type BroadcastConfig struct {
	// SendBuffer is each subscriber's queue length; messages beyond it are dropped
	// Default: 256, Range: 1-65536
	SendBuffer int `yaml:"send_buffer"`

	// PingInterval is the websocket keepalive period
	// Default: 30s
	PingInterval time.Duration `yaml:"ping_interval"`
}

// LogConfig configures the process logger
type LogConfig struct {
	// Level is one of debug, info, warn, error
	// Default: "info"
	Level string `yaml:"level"`

	// Format is "text" or "json"
	// Default: "text"
	Format string `yaml:"format"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "sandboxd.db",
		},
		Provider: ProviderConfig{
			APIURL:          "https://app.daytona.io/api",
			RequestTimeout:  60 * time.Second,
			RateLimit:       10,
			Burst:           20,
			AutoStopMinutes: 60,
		},
		Provisioning: ProvisioningConfig{
			QueueSize:     64,
			CommitDelay:   500 * time.Millisecond,
			CreateTimeout: 3 * time.Minute,
			StepTimeout:   10 * time.Minute,
			StartTimeout:  2 * time.Minute,
			StopTimeout:   time.Minute,
			AppPort:       5173,
		},
		Session: SessionConfig{
			StreamTimeout:  30 * time.Second,
			CleanupTimeout: 15 * time.Second,
			ScratchDir:     "/tmp",
			AgentBinary:    "claude",
			APIKeyEnv:      "ANTHROPIC_API_KEY",
		},
		Broadcast: BroadcastConfig{
			SendBuffer:   256,
			PingInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), and environment overrides, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, fmt.Errorf("server.addr is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}

	if c.Provider.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("provider.request_timeout must be positive (got %s)", c.Provider.RequestTimeout))
	}
	if c.Provider.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("provider.rate_limit cannot be negative (got %g)", c.Provider.RateLimit))
	}
	if c.Provider.RateLimit > 0 && c.Provider.Burst < 1 {
		errs = append(errs, fmt.Errorf("provider.burst must be at least 1 when rate limiting (got %d)", c.Provider.Burst))
	}

	p := c.Provisioning
	if p.QueueSize < 1 || p.QueueSize > 10000 {
		errs = append(errs, fmt.Errorf("provisioning.queue_size must be between 1 and 10000 (got %d)", p.QueueSize))
	}
	if p.CommitDelay < 0 {
		errs = append(errs, fmt.Errorf("provisioning.commit_delay cannot be negative (got %s)", p.CommitDelay))
	}
	for name, d := range map[string]time.Duration{
		"create_timeout": p.CreateTimeout,
		"step_timeout":   p.StepTimeout,
		"start_timeout":  p.StartTimeout,
		"stop_timeout":   p.StopTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("provisioning.%s must be positive (got %s)", name, d))
		}
	}
	if p.AppPort < 1 || p.AppPort > 65535 {
		errs = append(errs, fmt.Errorf("provisioning.app_port must be between 1 and 65535 (got %d)", p.AppPort))
	}
	for name := range p.Steps {
		status := types.SandboxStatus(name)
		if !isSetupPhase(status) {
			errs = append(errs, fmt.Errorf("provisioning.steps: %q is not a setup phase", name))
		}
	}

	if c.Session.StreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.stream_timeout must be positive (got %s)", c.Session.StreamTimeout))
	}
	if c.Session.CleanupTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.cleanup_timeout must be positive (got %s)", c.Session.CleanupTimeout))
	}
	if c.Session.ScratchDir == "" {
		errs = append(errs, fmt.Errorf("session.scratch_dir is required"))
	}
	if c.Session.AgentBinary == "" {
		errs = append(errs, fmt.Errorf("session.agent_binary is required"))
	}

	if c.Broadcast.SendBuffer < 1 || c.Broadcast.SendBuffer > 65536 {
		errs = append(errs, fmt.Errorf("broadcast.send_buffer must be between 1 and 65536 (got %d)", c.Broadcast.SendBuffer))
	}
	if c.Broadcast.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("broadcast.ping_interval must be positive (got %s)", c.Broadcast.PingInterval))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error (got %q)", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be 'text' or 'json' (got %q)", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ProviderConfigured reports whether enough provider settings are present to
// build a real client.
func (c Config) ProviderConfigured() bool {
	return c.Provider.APIURL != "" && c.Provider.APIKey != ""
}

// String returns a human-readable representation of the config with the
// provider API key redacted
func (c Config) String() string {
	key := "<unset>"
	if c.Provider.APIKey != "" {
		key = "<redacted>"
	}
	return fmt.Sprintf(
		"Config{Addr: %s, DB: %s, Provider: %s (key %s, target %q, %g req/s), "+
			"Queue: %d, AppPort: %d, StreamTimeout: %s, ScratchDir: %s, Agent: %s, "+
			"SendBuffer: %d, Log: %s/%s}",
		c.Server.Addr, c.Database.Path, c.Provider.APIURL, key, c.Provider.Target,
		c.Provider.RateLimit, c.Provisioning.QueueSize, c.Provisioning.AppPort,
		c.Session.StreamTimeout, c.Session.ScratchDir, c.Session.AgentBinary,
		c.Broadcast.SendBuffer, c.Log.Level, c.Log.Format,
	)
}

func isSetupPhase(s types.SandboxStatus) bool {
	for _, phase := range types.SetupPhases() {
		if phase == s {
			return true
		}
	}
	return false
}
