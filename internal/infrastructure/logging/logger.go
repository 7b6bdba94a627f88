package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	console "github.com/phsym/console-slog"

	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/config"
)

const serviceName = "stepscan"

// Logger is the service-wide slog logger. It is safe for concurrent use.
type Logger struct {
	*slog.Logger
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New builds a Logger from the logging config section. Every entry carries
// the service name and build version.
func New(cfg config.LoggingConfig, version string) *Logger {
	h := newHandler(cfg, writerFor(cfg.Output)).WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(h)}
}

func newHandler(cfg config.LoggingConfig, w io.Writer) slog.Handler {
	level := parseLevel(cfg.Level)
	switch strings.ToLower(cfg.Format) {
	case "console":
		return console.NewHandler(w, &console.HandlerOptions{Level: level})
	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
}

func writerFor(output string) io.Writer {
	if strings.EqualFold(output, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

// parseLevel is case-insensitive; unknown names mean info.
func parseLevel(name string) slog.Level {
	if l, ok := levels[strings.ToLower(name)]; ok {
		return l
	}
	return slog.LevelInfo
}

// With returns a child logger carrying args on every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child logger tagged component=name.
//
//	engineLog := logger.Component("scan")
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default is the logger used until configuration has been loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
