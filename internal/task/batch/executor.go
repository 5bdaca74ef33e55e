package batch

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"ghostrun/internal/clock"
	"ghostrun/internal/eventbus"
	"ghostrun/internal/task/job"
	logx "ghostrun/pkg/logx"
)

// Executor owns the per-key pending batches and their flushes.
//
// Enqueue never blocks on the backend: flushes run on their own goroutines,
// so different keys flush concurrently while entries of one key keep their
// arrival order.
type Executor struct {
	cfg     Config
	backend Backend
	log     logx.Logger
	bus     eventbus.Bus
	clk     clock.Clock

	mu      sync.Mutex
	batches map[job.BatchKey]*pendingBatch
	seq     uint64
	closed  bool

	wg       sync.WaitGroup
	inFlight atomic.Int32

	flushes  atomic.Uint64
	failures atomic.Uint64
}

type pendingBatch struct {
	key       job.BatchKey
	seq       uint64
	createdAt time.Time
	entries   []pendingEntry
	timer     clock.Timer
}

type pendingEntry struct {
	def        job.Definition
	enqueuedAt time.Time
	fut        *job.Future
}

func New(cfg Config, backend Backend, log logx.Logger, bus eventbus.Bus, clk clock.Clock) *Executor {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Executor{
		cfg:     cfg.withDefaults(),
		backend: backend,
		log:     log.With(logx.String("comp", "batch")),
		bus:     bus,
		clk:     clock.OrReal(clk),
		batches: make(map[job.BatchKey]*pendingBatch),
	}
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// Enqueue adds def to the pending batch for its key, creating the batch and
// arming its window timer when none is live. Reaching MaxBatchSize flushes
// immediately. The returned future settles when the flush resolves this job.
func (e *Executor) Enqueue(def job.Definition) *job.Future {
	fut := job.NewFuture(def.ID)
	key := def.Key()
	now := e.clk.Now()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		fut.Resolve(job.Failed(def.ID, ErrExecutorClosed))
		return fut
	}

	b := e.batches[key]
	if b == nil {
		e.seq++
		b = &pendingBatch{key: key, seq: e.seq, createdAt: now}
		seq := b.seq
		b.timer = e.clk.AfterFunc(e.cfg.Window, func() { e.flushWindow(key, seq) })
		e.batches[key] = b
	}
	b.entries = append(b.entries, pendingEntry{def: def, enqueuedAt: now, fut: fut})
	size := len(b.entries)

	var full *pendingBatch
	if size >= e.cfg.MaxBatchSize {
		full = e.detachLocked(key)
	}
	e.mu.Unlock()

	e.log.Debug("job enqueued",
		logx.String("job_id", def.ID),
		logx.String("key", key.String()),
		logx.Int("size", size),
	)

	if full != nil {
		e.dispatch(full, ReasonSize)
	}
	return fut
}

// Flush detaches and flushes the live batch for key. It reports whether a
// batch was live.
func (e *Executor) Flush(key job.BatchKey) bool {
	e.mu.Lock()
	b := e.detachLocked(key)
	e.mu.Unlock()
	if b == nil {
		return false
	}
	e.dispatch(b, ReasonManual)
	return true
}

// FlushAll flushes every live batch and waits for all in-flight flushes.
func (e *Executor) FlushAll(ctx context.Context) error {
	e.mu.Lock()
	detached := e.detachAllLocked()
	e.mu.Unlock()

	for _, b := range detached {
		e.dispatch(b, ReasonDrain)
	}
	return e.Wait(ctx)
}

// Close refuses further enqueues, then drains like FlushAll.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	detached := e.detachAllLocked()
	e.mu.Unlock()

	for _, b := range detached {
		e.dispatch(b, ReasonDrain)
	}
	return e.Wait(ctx)
}

// Wait blocks until every dispatched flush has resolved its entries.
func (e *Executor) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the live batches ordered by key.
func (e *Executor) Pending() []PendingInfo {
	e.mu.Lock()
	out := make([]PendingInfo, 0, len(e.batches))
	for _, b := range e.batches {
		out = append(out, PendingInfo{Key: b.key, Size: len(b.entries), CreatedAt: b.createdAt})
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// InFlight returns the number of flushes waiting on the backend.
func (e *Executor) InFlight() int { return int(e.inFlight.Load()) }

func (e *Executor) flushWindow(key job.BatchKey, seq uint64) {
	e.mu.Lock()
	b := e.batches[key]
	if b == nil || b.seq != seq {
		// The batch this timer was armed for already flushed.
		e.mu.Unlock()
		return
	}
	b = e.detachLocked(key)
	e.mu.Unlock()
	e.dispatch(b, ReasonWindow)
}

// detachLocked removes the batch for key from the live map and stops its
// timer. A later Enqueue for key starts a fresh batch. Caller holds e.mu and
// must dispatch the returned batch.
//
// The flush is counted here, under e.mu, so a Wait that starts after the
// batch left the map always waits for it.
func (e *Executor) detachLocked(key job.BatchKey) *pendingBatch {
	b := e.batches[key]
	if b == nil {
		return nil
	}
	delete(e.batches, key)
	if b.timer != nil {
		b.timer.Stop()
	}
	e.wg.Add(1)
	e.inFlight.Add(1)
	return b
}

func (e *Executor) detachAllLocked() []*pendingBatch {
	out := make([]*pendingBatch, 0, len(e.batches))
	for key := range e.batches {
		out = append(out, e.detachLocked(key))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// dispatch runs a batch counted by detachLocked.
func (e *Executor) dispatch(b *pendingBatch, reason FlushReason) {
	go func() {
		defer e.wg.Done()
		defer e.inFlight.Add(-1)
		e.run(b, reason)
	}()
}

type outcome struct {
	resp Response
	err  error
}

func (e *Executor) run(b *pendingBatch, reason FlushReason) {
	started := e.clk.Now()
	defs := make([]job.Definition, len(b.entries))
	for i, en := range b.entries {
		defs[i] = en.def
	}
	ids := entryIDs(defs)
	entries := make([]Entry, len(defs))
	for i := range defs {
		entries[i] = Entry{ID: ids[i], Job: defs[i]}
	}

	log := e.log.With(
		logx.String("key", b.key.String()),
		logx.String("reason", string(reason)),
		logx.Int("size", len(entries)),
	)

	// Anything below that panics still settles every entry.
	defer func() {
		if r := recover(); r != nil {
			err := errors.Newf("batch flush panic: %v", r)
			log.Error("batch flush panic", logx.Err(err), logx.Stack(string(debug.Stack())))
			e.failAll(b, err)
		}
	}()

	req := Encode(entries, e.cfg.SharedContext)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	timeout := e.clk.AfterFunc(e.cfg.FlushTimeout, func() { cancel(ErrFlushTimeout) })
	defer timeout.Stop()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: errors.Newf("backend panic: %v", r)}
			}
		}()
		resp, err := e.backend.Generate(ctx, req)
		ch <- outcome{resp: resp, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
		if out.err != nil && errors.Is(context.Cause(ctx), ErrFlushTimeout) {
			out.err = ErrFlushTimeout
		}
	case <-ctx.Done():
		// The backend call is abandoned; its goroutine ends on its own.
		out.err = ErrFlushTimeout
	}

	ev := FlushEvent{
		Key:          b.key,
		Reason:       reason,
		Size:         len(entries),
		Duration:     e.clk.Now().Sub(started),
		InputTokens:  out.resp.InputTokens,
		OutputTokens: out.resp.OutputTokens,
	}

	if out.err != nil {
		err := out.err
		if !errors.Is(err, ErrFlushTimeout) {
			err = errors.Wrap(err, "batch backend call")
		}
		e.failAll(b, err)
		e.failures.Add(1)
		ev.Failed = len(entries)
		ev.Error = err.Error()
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchFailed, Time: e.clk.Now(), Data: ev})
		log.Warn("batch flush failed", logx.Err(err), logx.Duration("took", ev.Duration))
		return
	}

	results := Index(Decode(out.resp.Text, req.IDs))
	for i, en := range b.entries {
		r := results[ids[i]]
		r.ID = en.def.ID
		if !r.OK() {
			ev.Failed++
		}
		en.fut.Resolve(r)
	}
	e.flushes.Add(1)
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchFlushed, Time: e.clk.Now(), Data: ev})
	log.Info("batch flushed",
		logx.Int("failed", ev.Failed),
		logx.Duration("took", ev.Duration),
		logx.Int64("input_tokens", ev.InputTokens),
		logx.Int64("output_tokens", ev.OutputTokens),
	)
}

func (e *Executor) failAll(b *pendingBatch, err error) {
	for _, en := range b.entries {
		en.fut.Resolve(job.Failed(en.def.ID, err))
	}
}

// Stats reports how many flushes succeeded and failed at the call level.
func (e *Executor) Stats() (flushed, failed uint64) {
	return e.flushes.Load(), e.failures.Load()
}
