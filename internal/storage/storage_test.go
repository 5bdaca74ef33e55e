package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "ghostrun/pkg/logx"
)

func openBoth(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"file": func() Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ghostrun.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func() Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ghostrun.sqlite"), BusyTimeout: time.Second}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
}

func TestExecutionRoundTrip(t *testing.T) {
	for name, open := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()
			ctx := context.Background()

			started := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
			for i := 0; i < 3; i++ {
				e := Execution{
					ID:        fmt.Sprintf("exec-%d", i),
					JobID:     fmt.Sprintf("job-%d", i),
					JobName:   "report",
					Company:   "acme",
					Status:    ExecutionRunning,
					StartedAt: started.Add(time.Duration(i) * time.Minute),
				}
				require.NoError(t, st.BeginExecution(ctx, e))
			}

			done := Execution{
				ID: "exec-1", JobID: "job-1", JobName: "report", Company: "acme",
				Status:     ExecutionFailed,
				StartedAt:  started.Add(time.Minute),
				FinishedAt: started.Add(2 * time.Minute),
				DurationMS: 60000,
				ExitCode:   3,
				Error:      "exit status 3",
			}
			require.NoError(t, st.FinishExecution(ctx, done))

			got, err := st.RecentExecutions(ctx, 10)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "exec-2", got[0].ID)
			assert.Equal(t, "exec-1", got[1].ID)
			assert.Equal(t, ExecutionFailed, got[1].Status)
			assert.Equal(t, 3, got[1].ExitCode)
			assert.Equal(t, "exit status 3", got[1].Error)
			assert.Equal(t, ExecutionRunning, got[2].Status)

			limited, err := st.RecentExecutions(ctx, 1)
			require.NoError(t, err)
			require.Len(t, limited, 1)
		})
	}
}

func TestExperienceRoundTrip(t *testing.T) {
	for name, open := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()
			ctx := context.Background()

			at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
			for i, company := range []string{"acme", "globex", "acme", "acme"} {
				require.NoError(t, st.AppendExperience(ctx, Experience{
					At: at.Add(time.Duration(i) * time.Second), JobID: fmt.Sprintf("j%d", i),
					JobType: "report", Company: company, Outcome: "success", DurationMS: int64(i), Cost: 0.5,
				}))
			}

			got, err := st.RecentExperiences(ctx, "acme", 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "j3", got[0].JobID)
			assert.Equal(t, "j2", got[1].JobID)
			assert.InDelta(t, 0.5, got[0].Cost, 1e-9)

			all, err := st.RecentExperiences(ctx, "", 0)
			require.NoError(t, err)
			assert.Len(t, all, 4)
		})
	}
}

func TestFileStoreReloadsJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghostrun.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.BeginExecution(ctx, Execution{ID: "e1", JobID: "j1", Status: ExecutionRunning, StartedAt: time.Now()}))
	require.NoError(t, st.FinishExecution(ctx, Execution{ID: "e1", JobID: "j1", Status: ExecutionCompleted}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.RecentExecutions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ExecutionCompleted, got[0].Status)
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
}
