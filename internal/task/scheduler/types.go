package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"ghostrun/internal/task/batch"
	"ghostrun/internal/task/job"
	"ghostrun/internal/task/router"
)

// ErrStopped is returned for firings requested after Stop.
var ErrStopped = errors.New("scheduler stopped")

// DefaultTick is the evaluation interval.
const DefaultTick = time.Minute

type Config struct {
	Enabled  bool
	Tick     time.Duration
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means local
}

// Router classifies and forwards one firing.
type Router interface {
	Route(ctx context.Context, def job.Definition) (*job.Future, router.Path, error)
}

// Batches is the consolidated path as seen at shutdown.
type Batches interface {
	FlushAll(ctx context.Context) error
	Pending() []batch.PendingInfo
}

// Catalog supplies job definitions and pushes replacements on reload.
type Catalog interface {
	Jobs() []job.Definition
	Subscribe(buffer int) (<-chan []job.Definition, func())
}

type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// FiredEvent reports one settled firing.
type FiredEvent struct {
	Job      job.Definition
	Result   job.Result
	Trigger  job.Trigger
	Path     router.Path
	FiredAt  time.Time
	Duration time.Duration
}

type Snapshot struct {
	State     State
	Enabled   bool
	Timezone  string
	Tick      time.Duration
	Jobs      int
	CronJobs  int
	InFlight  int
	Fired     uint64
	LastFired map[string]time.Time
	Pending   []batch.PendingInfo
}

type entry struct {
	def   job.Definition
	sched cron.Schedule // nil for non-cron jobs
}
