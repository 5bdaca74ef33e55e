//go:build !windows

package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostrun/internal/backend"
	"ghostrun/internal/storage"
	"ghostrun/internal/task/job"
)

const testJobs = `
jobs:
  - id: hello
    name: say_hello
    trigger: webhook
    company: acme
    action: hello
  - id: think
    name: free_form
    trigger: webhook
    company: acme
    prompt: Summarize the inbox.
`

func writeTestApp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	jobs := filepath.Join(dir, "jobs.yaml")
	require.NoError(t, os.WriteFile(jobs, []byte(testJobs), 0o600))

	cfg := fmt.Sprintf(`
logging:
  level: error
scheduler:
  enabled: false
storage:
  driver: file
  path: %q
catalog:
  path: %q
executor:
  actions:
    hello: sh -c "cat >/dev/null; echo hello {company}"
`, filepath.Join(dir, "data", "ghostrun"), jobs)
	path := filepath.Join(dir, "ghostrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestAppRunsDelegatedJobEndToEnd(t *testing.T) {
	a, err := NewApp(writeTestApp(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	def, ok := a.Scheduler().Job("hello")
	require.True(t, ok)
	fut, err := a.Scheduler().RunTask(ctx, def)
	require.NoError(t, err)

	wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
	defer wcancel()
	res, err := fut.Wait(wctx)
	require.NoError(t, err)
	require.Equal(t, job.StatusSuccess, res.Status, res.Error)
	assert.Equal(t, "hello acme", res.Message)

	store := a.store
	require.NotNil(t, store)
	execs, err := store.RecentExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, storage.ExecutionCompleted, execs[0].Status)
	exps, err := store.RecentExperiences(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, exps, 1)
	assert.Equal(t, "hello", exps[0].JobType)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))

	_, err = a.Scheduler().RunTask(context.Background(), def)
	require.Error(t, err)
}

func TestAppPromptJobWithoutBackendFails(t *testing.T) {
	a, err := NewApp(writeTestApp(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	def, ok := a.Scheduler().Job("think")
	require.True(t, ok)
	fut, err := a.Scheduler().RunTask(ctx, def)
	require.NoError(t, err)

	wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
	defer wcancel()
	res, err := fut.Wait(wctx)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, res.Status)
	assert.True(t, errors.Is(res.Err, backend.ErrNotConfigured), res.Error)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  tick: 5m\n"), 0o600))
	_, err := NewApp(path)
	require.Error(t, err)
}
