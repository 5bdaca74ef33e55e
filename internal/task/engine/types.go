package engine

import (
	"context"
	"time"
)

// Config controls the task execution engine.
//
// The app layer maps config.task_engine into this struct.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine. Each task runs at most
// once; the engine never retries.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// OnDrop is called exactly once, instead of Run, when an accepted task
	// never runs (stale, or still queued at Stop).
	OnDrop func(err error)
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`
	DroppedStopped   uint64 `json:"dropped_stopped"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`

	History []HistoryItem `json:"history,omitempty"`
}
