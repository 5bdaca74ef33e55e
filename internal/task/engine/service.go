package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"ghostrun/internal/eventbus"
	rtsup "ghostrun/internal/runtime/supervisor"
	logx "ghostrun/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q chan queuedTask

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem

	idSeq atomic.Uint64

	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	droppedStopped   atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg: withDefaults(cfg),
		log: log.With(logx.String("comp", "taskengine")),
		bus: bus,
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Supervisor returns the engine's worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply swaps the config. Worker or queue size changes restart the pool;
// tasks still queued at that point are dropped through OnDrop.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || prev.Enabled != cfg.Enabled {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q

	// Workers outlive the caller's ctx; Stop owns their shutdown.
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		// Engine failures should not hard-kill the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop refuses new tasks, lets running tasks finish and drops whatever is
// still queued through OnDrop(ErrStopped). If ctx expires first, running
// tasks are canceled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	go func() {
		// Wait unbounded in background; caller can still time out.
		_ = sup.Wait(context.Background())
		sup.Cancel()
		s.drain(queue)

		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("task engine stop timed out; canceling running tasks", logx.Err(ctx.Err()))
	}
}

func (s *Service) drain(queue chan queuedTask) {
	for {
		select {
		case qt := <-queue:
			s.droppedStopped.Add(1)
			s.publish(eventbus.TypeTaskDropped, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: time.Now(), Error: "stopped"})
			s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: time.Now(), Error: "stopped"})
			dropTask(qt.task, ErrStopped)
		default:
			return
		}
	}
}

// Enqueue tries to enqueue a task without blocking. A full queue rejects the
// task with ErrQueueFull; OnDrop is not called for rejected tasks.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return errors.New("task Name is required")
	}
	t.Name = name

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	// The send happens under s.mu so Stop never drains before a concurrent
	// enqueue lands.
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg
	if !cfg.Enabled {
		return ErrDisabled
	}
	if s.q == nil || s.stopCh == nil {
		return ErrStopped
	}
	if s.stopDone != nil {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	select {
	case s.q <- queuedTask{task: t, enqueuedAt: now, timeout: timeout}:
		return nil
	default:
		s.onQueueFullDropped(now, t, len(s.q), cap(s.q))
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	full, stale, stopped := s.droppedQueueFull.Load(), s.droppedStale.Load(), s.droppedStopped.Load()
	return Snapshot{
		Enabled:          cfg.Enabled,
		Running:          running,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(s.inFlight.Load()),
		Dropped:          full + stale + stopped,
		DroppedQueueFull: full,
		DroppedStale:     stale,
		DroppedStopped:   stopped,
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		History:          h,
	}
}

func (s *Service) newTaskID(now time.Time) string {
	seq := s.idSeq.Add(1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev TaskEvent) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, ql, qc int) {
	s.droppedQueueFull.Add(1)
	s.publish(eventbus.TypeTaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})

	if shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn(
			"task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", ql),
			logx.Int("queue_cap", qc),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}

func (s *Service) onStaleDropped(now time.Time, t Task, queueDelay time.Duration) {
	s.droppedStale.Add(1)
	s.publish(eventbus.TypeTaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})

	if shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn(
			"task dropped: stale queue",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", s.droppedStale.Load()),
		)
	}
}

func dropTask(t Task, err error) {
	if t.OnDrop == nil {
		return
	}
	defer func() { _ = recover() }()
	t.OnDrop(err)
}
