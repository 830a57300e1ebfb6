// ABOUTME: Structured logger construction for the sync layer
// ABOUTME: Maps configured level and format onto a charmbracelet logger
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/fieldsync/config"
)

// New builds a logger writing to stderr.
func New(cfg *config.Config) (*log.Logger, error) {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter builds a logger writing to w.
func NewWithWriter(w io.Writer, cfg *config.Config) (*log.Logger, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	level, err := log.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	formatter := log.TextFormatter
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}

	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          config.AppName,
	}), nil
}

// Discard returns a logger that drops everything, for tests and embedding.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}
