// Package router classifies due jobs and forwards them to the batch or the
// delegated path.
package router

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"ghostrun/internal/task/job"
	logx "ghostrun/pkg/logx"
)

// DefaultCategories are the job names that batch without an explicit group.
var DefaultCategories = []string{"strategic_scan", "market_scan", "news_digest", "daily_summary"}

var ErrNoRoute = errors.New("no route configured for job")

// Batcher is the consolidated path.
type Batcher interface {
	Enqueue(def job.Definition) *job.Future
}

// Delegator is the individual path.
type Delegator interface {
	Dispatch(ctx context.Context, def job.Definition) *job.Future
}

type Config struct {
	// Categories overrides DefaultCategories when non-empty.
	Categories []string
}

// Path names where a job was sent.
type Path string

const (
	PathBatch    Path = "batch"
	PathDelegate Path = "delegate"
)

type Router struct {
	batch    Batcher
	delegate Delegator
	log      logx.Logger

	mu         sync.RWMutex
	categories map[string]struct{}

	batched   atomic.Uint64
	delegated atomic.Uint64
}

func New(cfg Config, batch Batcher, delegate Delegator, log logx.Logger) *Router {
	r := &Router{batch: batch, delegate: delegate, log: log.With(logx.String("comp", "router"))}
	r.Apply(cfg)
	return r
}

// Apply swaps the batchable category set. Jobs already routed keep their
// classification.
func (r *Router) Apply(cfg Config) {
	cats := cfg.Categories
	if len(cats) == 0 {
		cats = DefaultCategories
	}
	set := make(map[string]struct{}, len(cats))
	for _, c := range cats {
		if c = strings.TrimSpace(c); c != "" {
			set[c] = struct{}{}
		}
	}
	r.mu.Lock()
	r.categories = set
	r.mu.Unlock()
}

// IsBatchable reports whether def can share a consolidated call: it must be
// cron-triggered, carry a prompt, and either name a batching group or be a
// known category.
func (r *Router) IsBatchable(def job.Definition) bool {
	if def.Trigger != job.TriggerCron || !def.HasPrompt() {
		return false
	}
	if strings.TrimSpace(def.BatchingGroup) != "" {
		return true
	}
	r.mu.RLock()
	_, ok := r.categories[def.Name]
	r.mu.RUnlock()
	return ok
}

// Classify decides the path for one firing.
func (r *Router) Classify(def job.Definition) Path {
	if r.IsBatchable(def) {
		return PathBatch
	}
	return PathDelegate
}

// Route classifies def once and forwards it. The returned future settles
// with the job's only result.
func (r *Router) Route(ctx context.Context, def job.Definition) (*job.Future, Path, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	path := r.Classify(def)
	switch path {
	case PathBatch:
		if r.batch == nil {
			return nil, path, errors.Wrapf(ErrNoRoute, "batch path for %s", def.ID)
		}
		r.batched.Add(1)
		r.log.Debug("job routed", logx.String("job_id", def.ID), logx.String("path", string(path)), logx.String("key", def.Key().String()))
		return r.batch.Enqueue(def), path, nil
	default:
		if r.delegate == nil {
			return nil, path, errors.Wrapf(ErrNoRoute, "delegate path for %s", def.ID)
		}
		r.delegated.Add(1)
		r.log.Debug("job routed", logx.String("job_id", def.ID), logx.String("path", string(path)))
		return r.delegate.Dispatch(ctx, def), path, nil
	}
}

// Counts returns how many jobs took each path.
func (r *Router) Counts() (batched, delegated uint64) {
	return r.batched.Load(), r.delegated.Load()
}
