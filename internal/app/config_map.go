package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"ghostrun/internal/backend"
	"ghostrun/internal/executor"
	"ghostrun/internal/task/batch"
	"ghostrun/internal/task/delegate"
	"ghostrun/internal/task/engine"
	"ghostrun/internal/task/router"
	"ghostrun/internal/task/scheduler"
	"ghostrun/internal/trigger"
)

func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}

	enabled := true
	workers := 0
	queueSize := 0
	historySize := 0
	defTimeoutStr := ""
	maxQueueDelayStr := ""

	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		workers = te.Workers
		queueSize = te.QueueSize
		historySize = te.HistorySize
		defTimeoutStr = te.DefaultTimeout
		maxQueueDelayStr = te.MaxQueueDelay

		// Cron firings of delegated jobs would all fail with the pool off.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, errors.New("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	if workers < 0 {
		return engine.Config{}, errors.New("task_engine.workers must be >= 0")
	}
	if queueSize < 0 {
		return engine.Config{}, errors.New("task_engine.queue_size must be >= 0")
	}
	if historySize < 0 {
		return engine.Config{}, errors.New("task_engine.history_size must be >= 0")
	}
	if workers == 0 {
		workers = 2
	}
	if queueSize == 0 {
		queueSize = 256
	}
	if historySize == 0 {
		historySize = 200
	}

	defTimeout, err := parseDurationField("task_engine.default_timeout", defTimeoutStr)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := parseDurationField("task_engine.max_queue_delay", maxQueueDelayStr)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
	}, nil
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	tick, err := parseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, scheduler.DefaultTick)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tick <= 0 || tick > time.Minute {
		return scheduler.Config{}, errors.Newf("scheduler.tick must be in (0, 1m], got %s", tick)
	}
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, errors.Wrapf(err, "scheduler.timezone: invalid %q", tz)
		}
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Tick: tick, Timezone: tz}, nil
}

func mapBatchConfig(cfg *Config) (batch.Config, error) {
	bc := cfg.Batch
	window, err := parseDurationOrDefault("batch.window", bc.Window, batch.DefaultWindow)
	if err != nil {
		return batch.Config{}, err
	}
	flushTimeout, err := parseDurationOrDefault("batch.flush_timeout", bc.FlushTimeout, batch.DefaultFlushTimeout)
	if err != nil {
		return batch.Config{}, err
	}
	if bc.MaxSize < 0 {
		return batch.Config{}, errors.New("batch.max_size must be >= 0")
	}
	return batch.Config{
		Window:        window,
		MaxBatchSize:  bc.MaxSize,
		FlushTimeout:  flushTimeout,
		SharedContext: bc.SharedContext,
	}, nil
}

func mapRouterConfig(cfg *Config) router.Config {
	var cats []string
	for _, c := range cfg.Batch.Categories {
		if c = strings.TrimSpace(c); c != "" {
			cats = append(cats, c)
		}
	}
	return router.Config{Categories: cats}
}

func mapDelegateConfig(cfg *Config) (delegate.Config, error) {
	timeout, err := parseDurationOrDefault("delegate.timeout", cfg.Delegate.Timeout, delegate.DefaultTimeout)
	if err != nil {
		return delegate.Config{}, err
	}
	return delegate.Config{Timeout: timeout}, nil
}

func mapBackendConfig(cfg *Config) (backend.Config, error) {
	bc := cfg.Backend
	switch strings.ToLower(strings.TrimSpace(bc.Provider)) {
	case "", "anthropic", "openai":
	default:
		return backend.Config{}, errors.Newf("backend.provider: unknown %q", bc.Provider)
	}
	if bc.MaxTokens < 0 {
		return backend.Config{}, errors.New("backend.max_tokens must be >= 0")
	}
	if bc.RatePerSec < 0 {
		return backend.Config{}, errors.New("backend.rate_per_sec must be >= 0")
	}
	return backend.Config{
		Provider:   bc.Provider,
		APIKey:     backend.ResolveKey(bc.APIKey, bc.APIKeyEnv),
		BaseURL:    bc.BaseURL,
		Model:      bc.Model,
		MaxTokens:  bc.MaxTokens,
		RatePerSec: bc.RatePerSec,
		Burst:      bc.Burst,
	}, nil
}

func mapProcessConfig(cfg *Config) executor.ProcessConfig {
	return executor.ProcessConfig{
		Actions: cfg.Executor.Actions,
		WorkDir: cfg.Executor.WorkDir,
		Env:     cfg.Executor.Env,
	}
}

func mapWebhookConfig(cfg *Config) trigger.WebhookConfig {
	addr := strings.TrimSpace(cfg.Webhook.Addr)
	if addr == "" {
		addr = trigger.DefaultAddr
	}
	return trigger.WebhookConfig{Addr: addr, Token: strings.TrimSpace(cfg.Webhook.Token)}
}

// validateConfig rejects a config before it is committed. It runs on startup
// and on every hot reload.
func validateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDelegateConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBackendConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if cfg.Experience.ListMax < 0 {
		return errors.New("experience.list_max must be >= 0")
	}
	if cfg.Catalog.Watch && strings.TrimSpace(cfg.Catalog.Path) == "" {
		return errors.New("catalog.watch requires catalog.path")
	}
	return nil
}
