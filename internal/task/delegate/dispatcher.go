package delegate

import (
	"context"

	"github.com/cockroachdb/errors"

	"ghostrun/internal/task/engine"
	"ghostrun/internal/task/job"
	logx "ghostrun/pkg/logx"
)

// ErrAbandoned settles a future whose engine task ended without a result.
var ErrAbandoned = errors.New("delegated task ended without a result")

// Queue is the worker pool delegated jobs run on.
type Queue interface {
	Enqueue(t engine.Task) error
}

// Dispatcher hands delegated jobs to the worker pool. The returned future
// settles exactly once whether the task runs, is dropped or is rejected.
type Dispatcher struct {
	q   Queue
	d   *Delegator
	log logx.Logger
}

func NewDispatcher(q Queue, d *Delegator, log logx.Logger) *Dispatcher {
	return &Dispatcher{q: q, d: d, log: log.With(logx.String("comp", "dispatch"))}
}

func (p *Dispatcher) Dispatch(_ context.Context, def job.Definition) *job.Future {
	fut := job.NewFuture(def.ID)

	task := engine.Task{
		Name:    "delegate:" + def.Name,
		Timeout: p.d.TimeoutFor(def),
		Run: func(ctx context.Context) error {
			// Settles the future if Delegate somehow unwinds without a result.
			defer fut.Resolve(job.Failed(def.ID, ErrAbandoned))
			r := p.d.Delegate(ctx, def)
			fut.Resolve(r)
			if !r.OK() {
				return r.Err
			}
			return nil
		},
		OnDrop: func(err error) {
			fut.Resolve(job.Failed(def.ID, errors.Wrap(err, "delegated job dropped")))
		},
	}

	if err := p.q.Enqueue(task); err != nil {
		p.log.Warn("delegated job rejected", logx.String("job_id", def.ID), logx.Err(err))
		fut.Resolve(job.Failed(def.ID, errors.Wrap(err, "delegated job rejected")))
	}
	return fut
}
