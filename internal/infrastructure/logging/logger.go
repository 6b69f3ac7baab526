package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "graylogic-hub"

// Logger is a slog.Logger whose entries carry the service and build version.
// It is safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds the logger described by cfg. Output is stdout unless cfg asks
// for stderr; format is JSON unless cfg asks for text.
func New(cfg config.LoggingConfig, version string) *Logger {
	w := io.Writer(os.Stdout)
	if strings.EqualFold(cfg.Output, "stderr") {
		w = os.Stderr
	}
	return newWithWriter(w, cfg, version)
}

func newWithWriter(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(h).With("service", ServiceName, "version", version)}
}

// parseLevel accepts slog's level names in any case, plus "warning".
// Anything unparseable logs at info.
func parseLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// With returns a child logger that adds args to every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component tags entries with the subsystem that wrote them.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default is the logger used until configuration has been read.
func Default() *Logger {
	return New(config.LoggingConfig{}, "dev")
}

// Discard drops everything. CLI subcommands that print their own results
// and tests use it.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}
