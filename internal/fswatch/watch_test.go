package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "ghostrun/pkg/logx"
)

func TestWatchDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "jobs.yaml")
	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(watched, []byte("a"), 0o644))

	var (
		mu   sync.Mutex
		hits []string
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, []string{watched}, Options{Debounce: 50 * time.Millisecond, Log: logx.Nop()}, func(p string) {
			mu.Lock()
			hits = append(hits, p)
			mu.Unlock()
		})
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(watched, []byte{byte('b' + i)}, 0o644))
	}
	require.NoError(t, os.WriteFile(other, []byte("ignored"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hits) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, hits, 1)
	assert.Equal(t, filepath.Clean(watched), hits[0])
}

func TestWatchNoPathsBlocksUntilDone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, Watch(ctx, nil, Options{}, func(string) {}))
}
