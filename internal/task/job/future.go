package job

import (
	"context"
	"sync"
)

// Future is the completion handle for one enqueued or delegated job. It
// settles exactly once.
type Future struct {
	id string

	once sync.Once
	done chan struct{}
	res  Result
}

func NewFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// Resolved returns an already settled Future.
func Resolved(r Result) *Future {
	f := NewFuture(r.ID)
	f.Resolve(r)
	return f
}

func (f *Future) ID() string { return f.id }

// Resolve settles the future. Only the first call wins; later calls return
// false and are ignored.
func (f *Future) Resolve(r Result) bool {
	won := false
	f.once.Do(func() {
		if r.ID == "" {
			r.ID = f.id
		}
		f.res = r
		won = true
		close(f.done)
	})
	return won
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Settled reports whether Resolve has been called.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the settled result, or the zero Result when still pending.
func (f *Future) Result() Result {
	select {
	case <-f.done:
		return f.res
	default:
		return Result{}
	}
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
