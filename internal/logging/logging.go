package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"evmarket/web/internal/config"
)

// Cleanup releases the log file, if any.
type Cleanup func() error

// New builds the process logger. Records go to stdout and, when cfg.File is
// set, are appended to that file as well. Every record carries service.
func New(cfg config.LoggingConfig, service string) (*slog.Logger, Cleanup, error) {
	var file *os.File
	out := io.Writer(os.Stdout)
	if cfg.File != "" {
		f, err := openFile(cfg.File)
		if err != nil {
			return nil, nil, err
		}
		file = f
		out = io.MultiWriter(os.Stdout, f)
	}

	logger := slog.New(newHandler(out, cfg))
	if service != "" {
		logger = logger.With("service", service)
	}
	cleanup := func() error {
		if file == nil {
			return nil
		}
		return file.Close()
	}
	return logger, cleanup, nil
}

func newHandler(w io.Writer, cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: ParseLevel(cfg.Level) == slog.LevelDebug,
	}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func openFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// ParseLevel maps LOG_LEVEL values to slog levels; unknown values mean info.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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
