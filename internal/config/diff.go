package config

import (
	"reflect"

	logx "ghostrun/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections and safe log
// fields describing them. Secrets (api keys, webhook token) are never
// included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs, logx.String("logging.level", newCfg.Logging.Level), logx.Bool("logging.file", newCfg.Logging.File.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled), logx.String("scheduler.tick", newCfg.Scheduler.Tick), logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		if te := newCfg.TaskEngine; te != nil {
			attrs = append(attrs, logx.Int("task_engine.workers", te.Workers), logx.Int("task_engine.queue_size", te.QueueSize))
		}
	}
	if !reflect.DeepEqual(oldCfg.Batch, newCfg.Batch) {
		changed = append(changed, "batch")
		attrs = append(attrs, logx.String("batch.window", newCfg.Batch.Window), logx.Int("batch.max_size", newCfg.Batch.MaxSize), logx.Int("batch.categories", len(newCfg.Batch.Categories)))
	}
	if oldCfg.Delegate != newCfg.Delegate {
		changed = append(changed, "delegate")
		attrs = append(attrs, logx.String("delegate.timeout", newCfg.Delegate.Timeout))
	}
	if oldCfg.Backend != newCfg.Backend {
		changed = append(changed, "backend")
		attrs = append(attrs, logx.String("backend.provider", newCfg.Backend.Provider), logx.String("backend.model", newCfg.Backend.Model), logx.Bool("backend.api_key_set", newCfg.Backend.APIKey != ""))
	}
	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		attrs = append(attrs, logx.Int("executor.actions", len(newCfg.Executor.Actions)))
	}
	if oldCfg.Experience != newCfg.Experience {
		changed = append(changed, "experience")
		attrs = append(attrs, logx.Bool("experience.redis", newCfg.Experience.RedisURL != ""))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Catalog != newCfg.Catalog {
		changed = append(changed, "catalog")
		attrs = append(attrs, logx.String("catalog.path", newCfg.Catalog.Path))
	}
	if oldCfg.Webhook != newCfg.Webhook {
		changed = append(changed, "webhook")
		attrs = append(attrs, logx.Bool("webhook.enabled", newCfg.Webhook.Enabled), logx.String("webhook.addr", newCfg.Webhook.Addr), logx.Bool("webhook.token_set", newCfg.Webhook.Token != ""))
	}
	return changed, attrs
}
