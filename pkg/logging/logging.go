// Package logging holds the process-wide slog logger every component derives
// its logger from.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Environment variables consulted for settings the configuration leaves
// empty.
const (
	EnvLevel  = "AGENTSTEP_LOG_LEVEL"
	EnvFormat = "AGENTSTEP_LOG_FORMAT"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

var (
	defaultLogger *slog.Logger
	mu            sync.RWMutex
)

// Config selects the level and encoding of log output. Output defaults to
// stderr so that command output on stdout stays machine readable.
type Config struct {
	Level  string
	Format string
	Output io.Writer
}

// FromEnv fills empty fields of cfg from the environment.
func (cfg Config) FromEnv() Config {
	if cfg.Level == "" {
		cfg.Level = os.Getenv(EnvLevel)
	}
	if cfg.Format == "" {
		cfg.Format = os.Getenv(EnvFormat)
	}
	return cfg
}

// New builds a logger from cfg. Level is debug, info, warn or error and
// Format is json or text; empty values mean info and json.
func New(cfg Config) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("logging: unknown level %q", cfg.Level)
		}
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", FormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	case FormatText:
		handler = slog.NewTextHandler(out, opts)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}
	return slog.New(handler).With("service", "agentstep"), nil
}

// Configure replaces the process logger. Loggers already handed out by
// WithComponent keep writing to the previous one.
func Configure(cfg Config) error {
	logger, err := New(cfg.FromEnv())
	if err != nil {
		return err
	}
	SetLogger(logger)
	return nil
}

// Logger returns the process-wide logger. Until Configure or SetLogger runs
// it is built from the environment, falling back to the defaults when the
// environment holds invalid values.
func Logger() *slog.Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		logger, err := New(Config{}.FromEnv())
		if err != nil {
			logger, _ = New(Config{})
			logger.Warn("ignoring invalid log settings", "error", err)
		}
		defaultLogger = logger
	}
	return defaultLogger
}

// SetLogger overrides the process logger; mainly useful for tests.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
}

// WithComponent derives a logger tagged with the component name.
func WithComponent(component string) *slog.Logger {
	return Logger().With("component", component)
}
