package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// backupTimeLayout names rotated audit files; lexical order equals
// chronological order so pruning can sort file names directly.
const backupTimeLayout = "20060102T150405.000"

// rotatingWriter appends to a single audit file and, when the size cap is
// reached, renames it to a timestamped backup. Old backups are pruned by
// count and by age.
type rotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	size       int64
}

func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingWriter{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureFile(); err != nil {
		return 0, err
	}
	if w.maxSize > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
		if err := w.ensureFile(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *rotatingWriter) ensureFile() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// rotate moves the live file aside under a timestamped name and prunes
// backups that fall outside the retention window.
func (w *rotatingWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.size = 0

	if w.maxBackups <= 0 {
		_ = os.Remove(w.path)
		return nil
	}
	backup := fmt.Sprintf("%s.%s", w.path, time.Now().Format(backupTimeLayout))
	if _, err := os.Stat(w.path); err == nil {
		_ = os.Rename(w.path, backup)
	}
	w.prune()
	return nil
}

// prune removes backups beyond maxBackups and backups older than maxAge.
func (w *rotatingWriter) prune() {
	backups, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}
	// Newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))

	var cutoff time.Time
	if w.maxAge > 0 {
		cutoff = time.Now().Add(-w.maxAge)
	}
	for i, backup := range backups {
		if i >= w.maxBackups {
			_ = os.Remove(backup)
			continue
		}
		if cutoff.IsZero() {
			continue
		}
		info, err := os.Stat(backup)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(backup)
		}
	}
}
