package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (modernc, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution tracks one delegated job run. It is written as running before
// dispatch so crashed work stays visible, then finished in place.
type Execution struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	JobName    string          `json:"job_name"`
	Company    string          `json:"company"`
	Status     ExecutionStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	ExitCode   int             `json:"exit_code"`
	Error      string          `json:"error,omitempty"`
}

// Experience is the learning record appended after every delegated run.
type Experience struct {
	At         time.Time `json:"at"`
	JobID      string    `json:"job_id"`
	JobType    string    `json:"job_type"`
	Company    string    `json:"company"`
	Outcome    string    `json:"outcome"`
	DurationMS int64     `json:"duration_ms"`
	Cost       float64   `json:"cost"`
	Error      string    `json:"error,omitempty"`
}
