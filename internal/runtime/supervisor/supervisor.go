package supervisor

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	logx "ghostrun/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
// - Named goroutines (for logging/debug)
// - Panic recovery
// - Optional cancel-on-first-error
// - Graceful stop with timeout-aware waiting
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Uint64
	active  atomic.Int64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // stores error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*GoroutineStats
}

type Option func(*Supervisor)

// GoroutineStats is a best-effort view of goroutines started under one name.
type GoroutineStats struct {
	Name      string    `json:"name"`
	Active    int64     `json:"active"`
	Started   uint64    `json:"started"`
	Panics    uint64    `json:"panics"`
	Restarts  uint64    `json:"restarts"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at"`
}

// Snapshot is a point-in-time view of a supervisor.
type Snapshot struct {
	Active     int64            `json:"active"`
	Started    uint64           `json:"started"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// If enabled, the first non-nil error from any goroutine will cancel the supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*GoroutineStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	v := s.firstErr.Load()
	if v == nil {
		return nil
	}
	if err, ok := v.(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Active: s.active.Load(), Started: s.started.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	for _, st := range s.stats {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.mu.Unlock()

	sort.Slice(snap.Goroutines, func(i, j int) bool { return snap.Goroutines[i].Name < snap.Goroutines[j].Name })
	return snap
}

func (s *Supervisor) note(name string, fn func(st *GoroutineStats)) {
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		s.stats[name] = st
	}
	fn(st)
	s.mu.Unlock()
}

func (s *Supervisor) noteErr(name string, err error) {
	s.note(name, func(st *GoroutineStats) {
		st.LastErr = err.Error()
		st.LastErrAt = time.Now()
	})
}

func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	s.note(name, func(st *GoroutineStats) { st.Started++; st.Active++ })

	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		defer s.note(name, func(st *GoroutineStats) { st.Active-- })

		defer func() {
			if r := recover(); r != nil {
				s.note(name, func(st *GoroutineStats) { st.Panics++ })
				err := errors.Newf("panic in %s: %v", name, r)
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				s.noteErr(name, err)
				s.fail(err)
			}
		}()

		s.log.Debug("goroutine started", logx.String("name", name))
		err := fn(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = errors.Wrap(err, name)
			s.noteErr(name, err)
			s.fail(err)
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 means unlimited
	publishFirstErr bool
}

// WithRestartBackoff configures the exponential backoff window used between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits the number of restarts before giving up. The
// initial run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError makes GoRestart set supervisor Err on the first
// observed error or panic while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// GoRestart runs fn and restarts it on error or panic with exponential
// backoff until the supervisor context is canceled. A nil return stops it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go0(name, func(ctx context.Context) {
		backoff := cfg.minBackoff
		restarts := 0
		for {
			if ctx.Err() != nil {
				return
			}
			startedAt := time.Now()

			err := func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						s.note(name, func(st *GoroutineStats) { st.Panics++ })
						s.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
						err = errors.Newf("panic: %v", r)
					}
				}()
				return fn(ctx)
			}()

			// Returning because dependencies were stopped during shutdown is
			// a clean stop.
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return
			}

			err = errors.Wrap(err, name)
			s.noteErr(name, err)
			if cfg.publishFirstErr {
				s.setErr(err)
			}

			restarts++
			s.note(name, func(st *GoroutineStats) { st.Restarts++ })
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(err)
				return
			}

			wait := min(max(backoff, cfg.minBackoff), cfg.maxBackoff)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
