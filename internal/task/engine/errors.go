package engine

import "github.com/cockroachdb/errors"

var (
	ErrDisabled  = errors.New("task engine disabled")
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrQueueFull = errors.New("task engine queue full")
	// ErrStale is passed to OnDrop when a task waited longer than
	// MaxQueueDelay.
	ErrStale = errors.New("task dropped: stale queue delay")
)
