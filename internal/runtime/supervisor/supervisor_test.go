package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go0("boom", func(context.Context) { panic("nope") })

	err := s.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in boom")

	snap := s.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	assert.Equal(t, uint64(1), snap.Goroutines[0].Panics)
	assert.Equal(t, int64(0), snap.Active)
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })
	s.Go("failer", func(context.Context) error { return errors.New("bad") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failer: bad")
}

func TestGoRestartRestartsUntilCleanExit(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, uint64(2), s.Snapshot().Goroutines[0].Restarts)
}

func TestStopCancelsContext(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go0("loop", func(ctx context.Context) { <-ctx.Done() })
	require.NoError(t, s.Stop(context.Background()))
}
