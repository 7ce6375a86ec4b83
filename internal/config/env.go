package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// applyEnv overlays SANDBOXD_* environment variables onto cfg
//
// Environment variables:
//   - SANDBOXD_ADDR, SANDBOXD_SHUTDOWN_TIMEOUT
//   - SANDBOXD_DB
//   - SANDBOXD_PROVIDER_URL, SANDBOXD_PROVIDER_API_KEY, SANDBOXD_PROVIDER_TARGET,
//     SANDBOXD_PROVIDER_IMAGE, SANDBOXD_PROVIDER_TIMEOUT, SANDBOXD_PROVIDER_RATE_LIMIT,
//     SANDBOXD_PROVIDER_BURST
//   - SANDBOXD_QUEUE_SIZE, SANDBOXD_COMMIT_DELAY, SANDBOXD_APP_PORT
//   - SANDBOXD_STREAM_TIMEOUT, SANDBOXD_SCRATCH_DIR, SANDBOXD_AGENT_BINARY
//   - SANDBOXD_SEND_BUFFER
//   - SANDBOXD_LOG_LEVEL, SANDBOXD_LOG_FORMAT
//
// Returns an error if any environment variable has an invalid value.
func applyEnv(cfg *Config) error {
	for _, f := range []func() error{
		func() error { return parseEnvString("SANDBOXD_ADDR", &cfg.Server.Addr) },
		func() error { return parseEnvDuration("SANDBOXD_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout) },
		func() error { return parseEnvString("SANDBOXD_DB", &cfg.Database.Path) },
		func() error { return parseEnvString("SANDBOXD_PROVIDER_URL", &cfg.Provider.APIURL) },
		func() error { return parseEnvString("SANDBOXD_PROVIDER_API_KEY", &cfg.Provider.APIKey) },
		func() error { return parseEnvString("SANDBOXD_PROVIDER_TARGET", &cfg.Provider.Target) },
		func() error { return parseEnvString("SANDBOXD_PROVIDER_IMAGE", &cfg.Provider.Image) },
		func() error { return parseEnvDuration("SANDBOXD_PROVIDER_TIMEOUT", &cfg.Provider.RequestTimeout) },
		func() error { return parseEnvFloat("SANDBOXD_PROVIDER_RATE_LIMIT", &cfg.Provider.RateLimit) },
		func() error { return parseEnvInt("SANDBOXD_PROVIDER_BURST", &cfg.Provider.Burst) },
		func() error { return parseEnvInt("SANDBOXD_QUEUE_SIZE", &cfg.Provisioning.QueueSize) },
		func() error { return parseEnvDuration("SANDBOXD_COMMIT_DELAY", &cfg.Provisioning.CommitDelay) },
		func() error { return parseEnvInt("SANDBOXD_APP_PORT", &cfg.Provisioning.AppPort) },
		func() error { return parseEnvDuration("SANDBOXD_STREAM_TIMEOUT", &cfg.Session.StreamTimeout) },
		func() error { return parseEnvString("SANDBOXD_SCRATCH_DIR", &cfg.Session.ScratchDir) },
		func() error { return parseEnvString("SANDBOXD_AGENT_BINARY", &cfg.Session.AgentBinary) },
		func() error { return parseEnvInt("SANDBOXD_SEND_BUFFER", &cfg.Broadcast.SendBuffer) },
		func() error { return parseEnvString("SANDBOXD_LOG_LEVEL", &cfg.Log.Level) },
		func() error { return parseEnvString("SANDBOXD_LOG_FORMAT", &cfg.Log.Format) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvFloat parses a float from an environment variable
func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration parses a duration like "30s" from an environment variable
func parseEnvDuration(key string, dest *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	*dest = value
	return nil
}
