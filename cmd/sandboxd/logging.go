package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/steveyegge/sandboxd/internal/config"
)

// newLogger builds the process logger: a charmbracelet handler behind the
// slog API the internal packages use.
func newLogger(c config.LogConfig, w io.Writer) (*slog.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(c.Level))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	formatter := log.TextFormatter
	if c.Format == "json" {
		formatter = log.JSONFormatter
	}
	handler := log.NewWithOptions(w, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
	})
	return slog.New(handler), nil
}
