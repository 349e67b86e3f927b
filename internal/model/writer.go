package model

import (
	"time"

	"LBTrafficGuard/internal/stats"
)

// Writer defines a generic interface for exporting stats snapshots to a consumer
// such as a dashboard metrics file.
type Writer interface {
	// Write takes a snapshot and persists or ships it.
	Write(snapshot stats.Snapshot) error

	// GetInterval returns the configured snapshot interval for this writer.
	GetInterval() time.Duration
}
