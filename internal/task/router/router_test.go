package router

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostrun/internal/task/job"
	logx "ghostrun/pkg/logx"
)

type recordBatcher struct{ got []job.Definition }

func (b *recordBatcher) Enqueue(def job.Definition) *job.Future {
	b.got = append(b.got, def)
	return job.Resolved(job.Result{ID: def.ID, Status: job.StatusSuccess, Message: "batched"})
}

type recordDelegator struct{ got []job.Definition }

func (d *recordDelegator) Dispatch(_ context.Context, def job.Definition) *job.Future {
	d.got = append(d.got, def)
	return job.Resolved(job.Result{ID: def.ID, Status: job.StatusSuccess, Message: "delegated"})
}

func cronJob(name, prompt string) job.Definition {
	return job.Definition{ID: name + "-1", Name: name, Trigger: job.TriggerCron, Prompt: prompt, Company: "acme", Enabled: true}
}

func TestIsBatchable(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil, nil, logx.Nop())

	grouped := cronJob("custom_job", "do it")
	grouped.BatchingGroup = "morning"
	webhook := cronJob("market_scan", "scan")
	webhook.Trigger = job.TriggerWebhook

	tests := []struct {
		name string
		def  job.Definition
		want bool
	}{
		{"known category", cronJob("strategic_scan", "look around"), true},
		{"every default category", cronJob("daily_summary", "sum"), true},
		{"no prompt", cronJob("strategic_scan", ""), false},
		{"blank prompt", cronJob("strategic_scan", "  \n"), false},
		{"non-cron trigger", webhook, false},
		{"unknown name", cronJob("invoice_run", "bill"), false},
		{"explicit group", grouped, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.IsBatchable(tt.def))
		})
	}
}

func TestApplyCategories(t *testing.T) {
	t.Parallel()

	r := New(Config{Categories: []string{"invoice_run"}}, nil, nil, logx.Nop())
	assert.True(t, r.IsBatchable(cronJob("invoice_run", "bill")))
	assert.False(t, r.IsBatchable(cronJob("strategic_scan", "p")))

	r.Apply(Config{})
	assert.True(t, r.IsBatchable(cronJob("strategic_scan", "p")))
}

func TestRouteForwardsOnce(t *testing.T) {
	t.Parallel()

	b := &recordBatcher{}
	d := &recordDelegator{}
	r := New(Config{}, b, d, logx.Nop())
	ctx := context.Background()

	f, path, err := r.Route(ctx, cronJob("market_scan", "scan"))
	require.NoError(t, err)
	assert.Equal(t, PathBatch, path)
	assert.Equal(t, "batched", f.Result().Message)

	action := cronJob("backup", "")
	action.Action = "backup_db"
	f, path, err = r.Route(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, PathDelegate, path)
	assert.Equal(t, "delegated", f.Result().Message)

	assert.Len(t, b.got, 1)
	assert.Len(t, d.got, 1)
	batched, delegated := r.Counts()
	assert.Equal(t, uint64(1), batched)
	assert.Equal(t, uint64(1), delegated)
}

func TestRouteWithoutTarget(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil, nil, logx.Nop())
	_, _, err := r.Route(context.Background(), cronJob("market_scan", "scan"))
	assert.True(t, errors.Is(err, ErrNoRoute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = r.Route(ctx, cronJob("market_scan", "scan"))
	assert.True(t, errors.Is(err, context.Canceled))
}
