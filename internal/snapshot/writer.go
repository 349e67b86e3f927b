// Package snapshot writes stats snapshots to disk for dashboards.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"LBTrafficGuard/internal/stats"
)

// FileWriter writes each snapshot as indented JSON to one metrics file. The
// file is replaced atomically, so readers never see a partial document.
type FileWriter struct {
	path     string
	interval time.Duration
}

// NewFileWriter creates a writer for path. The directory is created if needed.
func NewFileWriter(path string, interval time.Duration) (*FileWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("metrics file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create metrics directory: %w", err)
	}
	return &FileWriter{path: path, interval: interval}, nil
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *FileWriter) GetInterval() time.Duration {
	return w.interval
}

// Write serializes the snapshot and renames it over the metrics file.
func (w *FileWriter) Write(s stats.Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(w.path), "."+filepath.Base(w.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp metrics file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close metrics file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to set metrics file mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		return fmt.Errorf("failed to replace metrics file: %w", err)
	}
	return nil
}
