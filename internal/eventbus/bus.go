package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the task runtime.
const (
	TypeJobFired     = "job.fired"
	TypeBatchFlushed = "batch.flushed"
	TypeBatchFailed  = "batch.failed"
	TypeTaskStarted  = "task.started"
	TypeTaskFinished = "task.finished"
	TypeTaskFailed   = "task.failed"
	TypeTaskDropped  = "task.dropped"
	TypeCatalogReady = "catalog.loaded"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

// Nop returns a bus that drops everything. Components fall back to it when
// the caller passes nil.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

type subscriber struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *subscriber) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64

	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		// An unsubscribe can race with the send and close the channel.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, nil)
}

// SubscribeTypes subscribes to a subset of event types. It works on any Bus:
// buses built by New filter at publish time, others are filtered by a relay
// goroutine that exits on unsubscribe.
func SubscribeTypes(b Bus, buffer int, types ...string) (<-chan Event, func()) {
	if mb, ok := b.(*memBus); ok {
		set := make(map[string]struct{}, len(types))
		for _, t := range types {
			set[t] = struct{}{}
		}
		return mb.subscribe(buffer, set)
	}

	src, unsub := b.Subscribe(buffer)
	out := make(chan Event, max(buffer, 1))
	go func() {
		defer close(out)
		for e := range src {
			for _, t := range types {
				if e.Type == t {
					select {
					case out <- e:
					default:
					}
					break
				}
			}
		}
	}()
	return out, unsub
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full. Only buses built by New track it.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

func (b *memBus) subscribe(buffer int, types map[string]struct{}) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), types: types}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(s.ch)
		})
	}
	return s.ch, unsub
}
