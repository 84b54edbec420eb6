package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures the job archive.
//
// Driver values:
//   - "file": JSON Lines file, no external dependency
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL table, connection taken from DSN
//
// If Driver is empty or "none", the archive is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means driver default

	// MaxRecords bounds the sqlite table; older rows are pruned. 0 means
	// DefaultMaxRecords.
	MaxRecords int
}

const DefaultMaxRecords = 100_000

// Record is one job that reached a terminal state.
type Record struct {
	Queue        string          `json:"queue"`
	JobID        string          `json:"job_id"`
	Name         string          `json:"name"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	FailedReason string          `json:"failed_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	Data         json.RawMessage `json:"data,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}
