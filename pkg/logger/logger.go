package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string      `json:"level" toml:"level"`
	Format      string      `json:"format" toml:"format"`
	OutputPaths []string    `json:"output_paths" toml:"output_paths"`
	Audit       AuditConfig `json:"audit" toml:"audit"`
}

// AuditConfig controls where run and step audit records are written.
type AuditConfig struct {
	Enabled    bool   `json:"enabled" toml:"enabled"`
	Path       string `json:"path" toml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" toml:"max_age_days"`
}

type state struct {
	mu      sync.RWMutex
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var global state

// Init configures the global loggers. Calling it again replaces the previous
// configuration and closes the files it opened.
func Init(cfg Config) error {
	level := parseLevel(cfg.Level)
	var closers []io.Closer

	writer, opened, err := buildWriter(cfg.OutputPaths)
	if err != nil {
		return err
	}
	closers = append(closers, opened...)
	app := slog.New(buildHandler(cfg.Format, writer, &slog.HandlerOptions{Level: level, AddSource: true}))

	audit := app
	if cfg.Audit.Enabled {
		rotating, err := newRotatingWriter(cfg.Audit)
		if err != nil {
			closeAll(closers)
			return err
		}
		closers = append(closers, rotating)
		audit = slog.New(slog.NewJSONHandler(rotating, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	global.mu.Lock()
	previous := global.closers
	global.app, global.audit, global.closers = app, audit, closers
	global.mu.Unlock()
	closeAll(previous)
	return nil
}

func buildWriter(outputs []string) (io.Writer, []io.Closer, error) {
	if len(outputs) == 0 {
		return os.Stdout, nil, nil
	}
	writers := make([]io.Writer, 0, len(outputs))
	var closers []io.Closer
	for _, out := range outputs {
		w, c, err := openWriter(out)
		if err != nil {
			closeAll(closers)
			return nil, nil, err
		}
		if c != nil {
			closers = append(closers, c)
		}
		writers = append(writers, w)
	}
	if len(writers) == 1 {
		return writers[0], closers, nil
	}
	return io.MultiWriter(writers...), closers, nil
}

func buildHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout", "":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return file, file, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	return err
}

// L returns the application logger, initialising a stdout JSON logger on
// first use.
func L() *slog.Logger {
	global.mu.RLock()
	app := global.app
	global.mu.RUnlock()
	if app != nil {
		return app
	}
	_ = Init(Config{})
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.app
}

// Audit returns the audit logger. Without an audit sink it is the
// application logger.
func Audit() *slog.Logger {
	global.mu.RLock()
	audit := global.audit
	global.mu.RUnlock()
	if audit == nil {
		return L()
	}
	return audit
}

// Named returns a child logger tagged with the component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// ForRun returns a child logger tagged with component and run id.
func ForRun(component, runID string) *slog.Logger {
	return Named(component).With(slog.String("run_id", runID))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Sync closes file outputs opened by Init.
func Sync() error {
	global.mu.Lock()
	closers := global.closers
	global.closers = nil
	global.mu.Unlock()
	return closeAll(closers)
}
