package config

// Config is the ghostrun process configuration. All durations are Go
// duration strings ("500ms", "10s", "5m"); empty means the component default.
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Batch      BatchConfig       `json:"batch"`
	Delegate   DelegateConfig    `json:"delegate"`
	Backend    BackendConfig     `json:"backend"`
	Executor   ExecutorConfig    `json:"executor"`
	Experience ExperienceConfig  `json:"experience"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Catalog    CatalogConfig     `json:"catalog"`
	Webhook    WebhookConfig     `json:"webhook"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Tick     string `json:"tick,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig sizes the worker pool delegated jobs run on.
//
// Enabled is a pointer so an omitted value means enabled. Webhook and
// file-watch firings use the pool even when the cron tick is off.
//
// Defaults: workers 2, queue_size 256, default_timeout "0s" (none),
// max_queue_delay "0s" (never stale), history_size 200.
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type BatchConfig struct {
	Window        string   `json:"window,omitempty"`
	MaxSize       int      `json:"max_size,omitempty"`
	FlushTimeout  string   `json:"flush_timeout,omitempty"`
	SharedContext string   `json:"shared_context,omitempty"`
	Categories    []string `json:"categories,omitempty"`
}

type DelegateConfig struct {
	Timeout string `json:"timeout,omitempty"`
}

// BackendConfig selects the generative backend. APIKey wins over APIKeyEnv.
type BackendConfig struct {
	Provider   string  `json:"provider"` // "anthropic" | "openai"
	APIKey     string  `json:"api_key,omitempty"`
	APIKeyEnv  string  `json:"api_key_env,omitempty"`
	BaseURL    string  `json:"base_url,omitempty"`
	Model      string  `json:"model"`
	MaxTokens  int64   `json:"max_tokens,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// ExecutorConfig maps action names to command templates. Templates are split
// with shell quoting rules and may reference {job_id}, {name} and {company}.
type ExecutorConfig struct {
	Actions map[string]string `json:"actions,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	Env     []string          `json:"env,omitempty"`
}

type ExperienceConfig struct {
	RedisURL  string `json:"redis_url,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
	ListMax   int64  `json:"list_max,omitempty"`
}

// StorageConfig controls the execution and experience store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/ghostrun.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type CatalogConfig struct {
	Path  string `json:"path"`
	Watch bool   `json:"watch,omitempty"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default ":8088"
	Token   string `json:"token,omitempty"` // optional bearer token (never logged)
}
