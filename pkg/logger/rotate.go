package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultAuditSizeMB  = 100
	defaultAuditBackups = 7
	defaultAuditAgeDays = 30
)

// rotatingWriter keeps the audit file below a size limit by shifting it to
// numbered backups (path.1 is the newest).
type rotatingWriter struct {
	mu      sync.Mutex
	path    string
	limit   int64
	backups int
	maxAge  time.Duration
	file    *os.File
	written int64
	now     func() time.Time
}

func newRotatingWriter(cfg AuditConfig) (*rotatingWriter, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = defaultAuditSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = defaultAuditBackups
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = defaultAuditAgeDays
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingWriter{
		path:    cfg.Path,
		limit:   int64(cfg.MaxSizeMB) << 20,
		backups: cfg.MaxBackups,
		maxAge:  time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		now:     time.Now,
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil && w.limit > 0 && w.written+int64(len(p)) > w.limit {
		w.shift()
	}
	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.written = nil, 0
	return err
}

func (w *rotatingWriter) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file, w.written = file, info.Size()
	return nil
}

func (w *rotatingWriter) backupName(i int) string {
	return fmt.Sprintf("%s.%d", w.path, i)
}

// shift closes the live file and renames it into the backup chain. Errors
// are ignored: losing a backup must not block audit writes.
func (w *rotatingWriter) shift() {
	_ = w.file.Close()
	w.file, w.written = nil, 0

	_ = os.Remove(w.backupName(w.backups))
	for i := w.backups - 1; i >= 1; i-- {
		_ = os.Rename(w.backupName(i), w.backupName(i+1))
	}
	_ = os.Rename(w.path, w.backupName(1))

	cutoff := w.now().Add(-w.maxAge)
	for i := 1; i <= w.backups; i++ {
		if info, err := os.Stat(w.backupName(i)); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(w.backupName(i))
		}
	}
}
