package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a virtual clock. Time only moves on Advance/Set, and due callbacks
// run synchronously on the advancing goroutine in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

// NewFake returns a Fake positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

type fakeTimer struct {
	f     *Fake
	at    time.Time
	seq   uint64
	fn    func()
	fired bool
	dead  bool
}

func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.fired || t.dead {
		return false
	}
	t.dead = true
	t.f.removeLocked(t)
	return true
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d < 0 {
		d = 0
	}
	f.seq++
	t := &fakeTimer{f: f, at: f.now.Add(d), seq: f.seq, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that becomes due,
// including timers armed by callbacks as long as they fall inside the span.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	f.runUntil(target)
}

// Set moves the clock to t. Moving backwards only changes Now.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	if !t.After(f.now) {
		f.now = t
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.runUntil(t)
}

// Pending returns the number of armed timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

func (f *Fake) runUntil(target time.Time) {
	for {
		f.mu.Lock()
		next := f.nextDueLocked(target)
		if next == nil {
			if target.After(f.now) {
				f.now = target
			}
			f.mu.Unlock()
			return
		}
		if next.at.After(f.now) {
			f.now = next.at
		}
		next.fired = true
		f.removeLocked(next)
		fn := next.fn
		f.mu.Unlock()

		// Callbacks may call back into the clock.
		fn()
	}
}

func (f *Fake) nextDueLocked(target time.Time) *fakeTimer {
	if len(f.timers) == 0 {
		return nil
	}
	sort.SliceStable(f.timers, func(i, j int) bool {
		if f.timers[i].at.Equal(f.timers[j].at) {
			return f.timers[i].seq < f.timers[j].seq
		}
		return f.timers[i].at.Before(f.timers[j].at)
	})
	t := f.timers[0]
	if t.at.After(target) {
		return nil
	}
	return t
}

func (f *Fake) removeLocked(t *fakeTimer) {
	for i, x := range f.timers {
		if x == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return
		}
	}
}
