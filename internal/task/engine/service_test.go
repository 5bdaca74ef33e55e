package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostrun/internal/eventbus"
	logx "ghostrun/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	cfg.Enabled = true
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func TestRunsTask(t *testing.T) {
	t.Parallel()

	s, _ := startEngine(t, Config{Workers: 1})
	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "hello", Run: func(context.Context) error {
		close(done)
		return nil
	}}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestPanicIsolation(t *testing.T) {
	t.Parallel()

	s, bus := startEngine(t, Config{Workers: 1})
	failed, unsub := eventbus.SubscribeTypes(bus, 4, eventbus.TypeTaskFailed)
	defer unsub()

	require.NoError(t, s.Enqueue(Task{Name: "bad", Run: func(context.Context) error { panic("boom") }}))

	ok := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "good", Run: func(context.Context) error {
		close(ok)
		return nil
	}}))

	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
	ev := <-failed
	te, isTE := ev.Data.(TaskEvent)
	require.True(t, isTE)
	assert.Equal(t, "bad", te.Name)
	assert.Contains(t, te.Error, "panic: boom")
}

func TestTimeoutCancelsRun(t *testing.T) {
	t.Parallel()

	s, _ := startEngine(t, Config{Workers: 1})
	got := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{Name: "slow", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	}}))

	select {
	case err := <-got:
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not applied")
	}
}

func TestQueueFullRejects(t *testing.T) {
	t.Parallel()

	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "block", Run: func(context.Context) error {
		close(running)
		<-release
		return nil
	}}))
	<-running

	require.NoError(t, s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }}))
	err := s.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }})
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, uint64(1), s.Snapshot().DroppedQueueFull)
	close(release)
}

func TestStopDropsQueuedTasks(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	release := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "block", Run: func(context.Context) error {
		close(running)
		<-release
		return nil
	}}))
	<-running

	var dropped atomic.Int32
	var ran atomic.Int32
	for i := 0; i < 2; i++ {
		require.NoError(t, s.Enqueue(Task{
			Name: "queued",
			Run:  func(context.Context) error { ran.Add(1); return nil },
			OnDrop: func(err error) {
				if errors.Is(err, ErrStopped) {
					dropped.Add(1)
				}
			},
		}))
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopped)
	}()

	// Enqueue is refused while stopping.
	require.Eventually(t, func() bool { return !s.Snapshot().Running }, time.Second, time.Millisecond)
	err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }})
	assert.True(t, errors.Is(err, ErrStopping) || errors.Is(err, ErrStopped))

	close(release)
	<-stopped

	assert.Equal(t, int32(2), dropped.Load())
	assert.Equal(t, int32(0), ran.Load())
	assert.Equal(t, uint64(2), s.Snapshot().DroppedStopped)
	assert.False(t, s.Snapshot().Running)
}

func TestDisabledEngine(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	s.Start(context.Background())
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	assert.True(t, errors.Is(err, ErrDisabled))
}
