package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostrun/internal/config"
	"ghostrun/internal/task/batch"
	"ghostrun/internal/task/delegate"
	"ghostrun/internal/task/scheduler"
)

func boolPtr(v bool) *bool { return &v }

func TestMapTaskEngineConfigDefaults(t *testing.T) {
	got, err := mapTaskEngineConfig(&Config{})
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, 2, got.Workers)
	assert.Equal(t, 256, got.QueueSize)
	assert.Equal(t, 200, got.HistorySize)
	assert.Zero(t, got.DefaultTimeout)
	assert.Zero(t, got.MaxQueueDelay)
}

func TestMapTaskEngineConfigOverrides(t *testing.T) {
	got, err := mapTaskEngineConfig(&Config{TaskEngine: &config.TaskEngineConfig{
		Workers:        8,
		QueueSize:      16,
		DefaultTimeout: "90s",
		MaxQueueDelay:  "2m",
	}})
	require.NoError(t, err)
	assert.Equal(t, 8, got.Workers)
	assert.Equal(t, 16, got.QueueSize)
	assert.Equal(t, 90*time.Second, got.DefaultTimeout)
	assert.Equal(t, 2*time.Minute, got.MaxQueueDelay)
}

func TestMapTaskEngineConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative workers", Config{TaskEngine: &config.TaskEngineConfig{Workers: -1}}},
		{"negative queue", Config{TaskEngine: &config.TaskEngineConfig{QueueSize: -1}}},
		{"bad timeout", Config{TaskEngine: &config.TaskEngineConfig{DefaultTimeout: "soon"}}},
		{"disabled under scheduler", Config{
			Scheduler:  config.SchedulerConfig{Enabled: true},
			TaskEngine: &config.TaskEngineConfig{Enabled: boolPtr(false)},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mapTaskEngineConfig(&tt.cfg)
			require.Error(t, err)
		})
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	got, err := mapSchedulerConfig(&Config{Scheduler: config.SchedulerConfig{Enabled: true, Timezone: "UTC"}})
	require.NoError(t, err)
	assert.Equal(t, scheduler.Config{Enabled: true, Tick: scheduler.DefaultTick, Timezone: "UTC"}, got)

	got, err = mapSchedulerConfig(&Config{Scheduler: config.SchedulerConfig{Tick: "15s"}})
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, got.Tick)

	_, err = mapSchedulerConfig(&Config{Scheduler: config.SchedulerConfig{Tick: "2m"}})
	require.Error(t, err)
	_, err = mapSchedulerConfig(&Config{Scheduler: config.SchedulerConfig{Timezone: "Mars/Olympus"}})
	require.Error(t, err)
}

func TestMapBatchAndDelegateConfig(t *testing.T) {
	bc, err := mapBatchConfig(&Config{})
	require.NoError(t, err)
	assert.Equal(t, batch.DefaultWindow, bc.Window)
	assert.Equal(t, batch.DefaultFlushTimeout, bc.FlushTimeout)

	bc, err = mapBatchConfig(&Config{Batch: config.BatchConfig{Window: "30s", MaxSize: 3, SharedContext: "ctx"}})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, bc.Window)
	assert.Equal(t, 3, bc.MaxBatchSize)
	assert.Equal(t, "ctx", bc.SharedContext)

	_, err = mapBatchConfig(&Config{Batch: config.BatchConfig{MaxSize: -1}})
	require.Error(t, err)

	dc, err := mapDelegateConfig(&Config{})
	require.NoError(t, err)
	assert.Equal(t, delegate.DefaultTimeout, dc.Timeout)
}

func TestMapRouterConfigTrimsCategories(t *testing.T) {
	got := mapRouterConfig(&Config{Batch: config.BatchConfig{Categories: []string{" market_scan ", "", "weekly"}}})
	assert.Equal(t, []string{"market_scan", "weekly"}, got.Categories)
}

func TestMapBackendConfigResolvesEnvKey(t *testing.T) {
	t.Setenv("GHOSTRUN_TEST_KEY", "sk-env")
	got, err := mapBackendConfig(&Config{Backend: config.BackendConfig{Provider: "openai", APIKeyEnv: "GHOSTRUN_TEST_KEY", Model: "m"}})
	require.NoError(t, err)
	assert.Equal(t, "sk-env", got.APIKey)

	_, err = mapBackendConfig(&Config{Backend: config.BackendConfig{Provider: "llama"}})
	require.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	_, enabled, err := mapStorageConfig(&Config{})
	require.NoError(t, err)
	assert.False(t, enabled)

	sc, enabled, err := mapStorageConfig(&Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}})
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	_, _, err = mapStorageConfig(&Config{Storage: &config.StorageConfig{Driver: "sqlite"}})
	require.Error(t, err)
	_, _, err = mapStorageConfig(&Config{Storage: &config.StorageConfig{Driver: "mongo", Path: "x"}})
	require.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	require.NoError(t, validateConfig(&Config{}))
	require.Error(t, validateConfig(nil))
	require.Error(t, validateConfig(&Config{Catalog: config.CatalogConfig{Watch: true}}))
	require.Error(t, validateConfig(&Config{Experience: config.ExperienceConfig{ListMax: -1}}))
	require.Error(t, validateConfig(&Config{Delegate: config.DelegateConfig{Timeout: "forever"}}))
}

func TestBatchWindowingChanged(t *testing.T) {
	prev := &Config{Batch: config.BatchConfig{Window: "1m", Categories: []string{"a"}}}
	next := &Config{Batch: config.BatchConfig{Window: "1m", Categories: []string{"b"}}}
	assert.False(t, batchWindowingChanged(prev, next))
	next.Batch.Window = "2m"
	assert.True(t, batchWindowingChanged(prev, next))
}
