package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"ansible-mcp/internal/infra/config"
)

// Option customises New.
type Option func(*options)

type options struct {
	service string
	stdio   bool
}

// WithService tags every record with service=name.
func WithService(name string) Option {
	return func(o *options) { o.service = name }
}

// ForStdio keeps stdout free for MCP protocol frames: an "stdout" output is
// sent to stderr instead.
func ForStdio() Option {
	return func(o *options) { o.stdio = true }
}

// New creates a configured *slog.Logger.
// The returned closer function should be deferred to flush/close file handles.
func New(cfg config.LoggerConfig, opts ...Option) (*slog.Logger, func() error, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	output := cfg.Output
	if o.stdio && strings.EqualFold(output, "stdout") {
		output = "stderr"
	}
	writer, closer, err := openOutput(output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	log := slog.New(newHandler(writer, cfg))
	if o.service != "" {
		log = log.With("service", o.service)
	}
	return log, closer, nil
}

func newHandler(w io.Writer, cfg config.LoggerConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// parseLevel converts a string level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openOutput returns an io.Writer for the specified output target.
func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
