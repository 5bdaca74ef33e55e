package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"ghostrun/internal/clock"
	"ghostrun/internal/eventbus"
	rtsup "ghostrun/internal/runtime/supervisor"
	"ghostrun/internal/task/job"
	logx "ghostrun/pkg/logx"
)

type Service struct {
	log     logx.Logger
	bus     eventbus.Bus
	clk     clock.Clock
	router  Router
	batches Batches
	catalog Catalog

	mu        sync.Mutex
	cfg       Config
	loc       *time.Location
	state     State
	stopping  bool
	entries   []entry
	lastFired map[string]time.Time
	timer     clock.Timer
	tickSeq   uint64
	ctx       context.Context
	cancel    context.CancelFunc
	sup       *rtsup.Supervisor
	abort     chan struct{}

	subMu  sync.Mutex
	subSeq uint64
	subs   map[uint64]chan FiredEvent

	routing   sync.WaitGroup
	inflight  sync.WaitGroup
	inFlightN atomic.Int64
	fired     atomic.Uint64
}

// New builds a stopped scheduler. batches and catalog may be nil.
func New(cfg Config, r Router, batches Batches, catalog Catalog, log logx.Logger, bus eventbus.Bus, clk clock.Clock) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	return &Service{
		log:       log,
		bus:       bus,
		clk:       clock.OrReal(clk),
		router:    r,
		batches:   batches,
		catalog:   catalog,
		cfg:       cfg,
		loc:       loadLocation(cfg.Timezone, log),
		state:     StateStopped,
		lastFired: map[string]time.Time{},
		subs:      map[uint64]chan FiredEvent{},
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A tick or enable change re-arms the tick; a
// timezone change takes effect on the next tick.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	s.cfg = cfg
	if strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.loc = loadLocation(cfg.Timezone, s.log)
	}
	if s.state != StateRunning || s.stopping {
		return
	}
	if old.Enabled != cfg.Enabled || tickOf(old) != tickOf(cfg) {
		s.disarmLocked()
		if cfg.Enabled {
			s.armLocked()
		}
		s.log.Info("scheduler config applied", logx.Bool("enabled", cfg.Enabled), logx.Duration("tick", tickOf(cfg)))
	}
}

// Start loads the catalog and arms the tick. The first evaluation happens on
// the next tick boundary, never at Start.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.abort = make(chan struct{})
	s.stopping = false
	s.sup = rtsup.New(s.ctx, rtsup.WithLogger(s.log))

	if s.catalog != nil {
		s.setJobsLocked(s.catalog.Jobs())
		updates, unsubscribe := s.catalog.Subscribe(4)
		s.sup.Go0("catalog-reload", func(ctx context.Context) {
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case defs, ok := <-updates:
					if !ok {
						return
					}
					s.SetJobs(defs)
				}
			}
		})
	}

	if s.cfg.Enabled {
		s.armLocked()
	}
	s.state = StateRunning
	s.log.Info("scheduler started",
		logx.Bool("enabled", s.cfg.Enabled),
		logx.String("tz", s.loc.String()),
		logx.Duration("tick", tickOf(s.cfg)),
		logx.Int("jobs", len(s.entries)),
	)
}

// Stop cancels the tick and refuses new firings, waits for firings still
// being routed, flushes every pending batch, then waits for in-flight
// firings until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	start := s.clk.Now()

	s.mu.Lock()
	if s.state != StateRunning || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.disarmLocked()
	sup := s.sup
	abort := s.abort
	cancel := s.cancel
	s.mu.Unlock()

	s.log.Info("stop requested", logx.Int64("in_flight", s.inFlightN.Load()))

	var errs error
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "stop scheduler loops"))
		}
	}
	// A firing admitted before stopping may still be handing its job to the
	// batch executor; the flush below must see it.
	if err := waitCtx(ctx, &s.routing); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "wait for routing"))
	}
	if s.batches != nil {
		if err := s.batches.FlushAll(ctx); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "flush pending batches"))
		}
	}

	if err := waitCtx(ctx, &s.inflight); err != nil {
		close(abort)
		errs = errors.CombineErrors(errs, errors.Wrap(err, "wait for in-flight jobs"))
		s.log.Warn("stop deadline reached with jobs in flight", logx.Int64("in_flight", s.inFlightN.Load()))
	}

	cancel()
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.log.Info("scheduler stopped", logx.Duration("took", s.clk.Now().Sub(start)))
	return errs
}

func waitCtx(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunTask fires def out of band (webhook, file watch, manual) through the
// same route as a tick.
func (s *Service) RunTask(ctx context.Context, def job.Definition) (*job.Future, error) {
	if strings.TrimSpace(def.ID) == "" {
		return nil, errors.New("job id required")
	}
	if def.Trigger == "" {
		def.Trigger = job.TriggerManual
	}
	return s.fire(ctx, def, s.clk.Now())
}

// Job returns the current definition for id.
func (s *Service) Job(id string) (job.Definition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.def.ID == id {
			return e.def, true
		}
	}
	return job.Definition{}, false
}

// Jobs returns the current definitions in catalog order.
func (s *Service) Jobs() []job.Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]job.Definition, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.def)
	}
	return out
}

// SetJobs replaces the job list. Firings already routed are unaffected.
func (s *Service) SetJobs(defs []job.Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setJobsLocked(defs)
}

func (s *Service) setJobsLocked(defs []job.Definition) {
	entries := make([]entry, 0, len(defs))
	keep := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		e := entry{def: def}
		if def.Trigger == job.TriggerCron {
			sched, err := ParseCron(def.Cron)
			if err != nil {
				s.log.Warn("cron job skipped", logx.String("job_id", def.ID), logx.String("cron", def.Cron), logx.Err(err))
			} else {
				e.sched = sched
			}
		}
		entries = append(entries, e)
		keep[def.ID] = struct{}{}
	}
	for id := range s.lastFired {
		if _, ok := keep[id]; !ok {
			delete(s.lastFired, id)
		}
	}
	s.entries = entries
	s.log.Debug("jobs applied", logx.Int("jobs", len(entries)))
}

// Subscribe returns settled firings. Slow subscribers drop events.
func (s *Service) Subscribe(buffer int) (<-chan FiredEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan FiredEvent, buffer)
	s.subMu.Lock()
	s.subSeq++
	id := s.subSeq
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Service) armLocked() {
	tick := tickOf(s.cfg)
	now := s.clk.Now()
	next := now.Truncate(tick).Add(tick)
	s.tickSeq++
	seq := s.tickSeq
	s.timer = s.clk.AfterFunc(next.Sub(now), func() { s.onTick(seq, next) })
}

func (s *Service) disarmLocked() {
	s.tickSeq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Service) onTick(seq uint64, at time.Time) {
	s.mu.Lock()
	if s.state != StateRunning || s.stopping || seq != s.tickSeq {
		s.mu.Unlock()
		return
	}
	due := s.dueLocked(at)
	s.armLocked()
	ctx := s.ctx
	s.mu.Unlock()

	for _, def := range due {
		if _, err := s.fire(ctx, def, at); err != nil {
			s.log.Warn("cron firing refused", logx.String("job_id", def.ID), logx.Err(err))
		}
	}
}

// dueLocked returns the enabled cron jobs matching the minute of at that
// have not fired in that minute yet.
func (s *Service) dueLocked(at time.Time) []job.Definition {
	minute := at.In(s.loc).Truncate(time.Minute)
	var due []job.Definition
	for _, e := range s.entries {
		if e.sched == nil || !e.def.Enabled {
			continue
		}
		if !Matches(e.sched, minute) {
			continue
		}
		if last, ok := s.lastFired[e.def.ID]; ok && last.Equal(minute) {
			continue
		}
		s.lastFired[e.def.ID] = minute
		due = append(due, e.def)
	}
	return due
}

func (s *Service) fire(ctx context.Context, def job.Definition, at time.Time) (*job.Future, error) {
	s.mu.Lock()
	if s.state != StateRunning || s.stopping {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.inflight.Add(1)
	s.routing.Add(1)
	abort := s.abort
	s.mu.Unlock()

	s.inFlightN.Add(1)
	started := s.clk.Now()
	fut, path, err := s.router.Route(ctx, def)
	s.routing.Done()
	if err != nil {
		s.log.Warn("job route failed", logx.String("job_id", def.ID), logx.Err(err))
		fut = job.Resolved(job.Failed(def.ID, errors.Wrap(err, "route job")))
	}
	s.log.Debug("job fired", logx.String("job_id", def.ID), logx.String("trigger", string(def.Trigger)), logx.String("path", string(path)))

	ev := FiredEvent{Job: def, Trigger: def.Trigger, Path: path, FiredAt: at}
	go s.follow(fut, ev, started, abort)
	return fut, nil
}

func (s *Service) follow(fut *job.Future, ev FiredEvent, started time.Time, abort <-chan struct{}) {
	defer s.inflight.Done()
	defer s.inFlightN.Add(-1)

	select {
	case <-fut.Done():
	case <-abort:
		return
	}
	ev.Result = fut.Result()
	ev.Duration = s.clk.Now().Sub(started)
	s.fired.Add(1)
	s.publish(ev)
}

func (s *Service) publish(ev FiredEvent) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFired, Time: s.clk.Now(), Data: ev})

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func tickOf(cfg Config) time.Duration {
	if cfg.Tick <= 0 {
		return DefaultTick
	}
	return cfg.Tick
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
