package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"ghostrun/internal/fswatch"
	logx "ghostrun/pkg/logx"
)

type ConfigManager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards the subscriber list so publish never sends on a channel
	// that Unsubscribe is closing.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// lastHash is the last committed content; editors often emit several
	// writes without a content change.
	lastHash uint64
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a check Watch runs before committing a reload.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg Config
	if err := DecodeFile(m.path, b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		// Latest wins: a slow subscriber loses its oldest pending config.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
				m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
			}
		}
	}
}

// Reload parses the file and, when the content changed and validates,
// commits and publishes it. It reports whether a new config was published.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return false, errors.Wrap(err, "config rejected")
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	return true, nil
}

// Watch reloads on file changes until ctx is done.
func (m *ConfigManager) Watch(ctx context.Context) error {
	return fswatch.Watch(ctx, []string{m.path}, fswatch.Options{Log: m.log}, func(string) {
		published, err := m.Reload(ctx)
		switch {
		case err != nil:
			m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
		case published:
			m.log.Info("config reloaded", logx.String("path", m.path))
		default:
			m.log.Debug("config unchanged", logx.String("path", m.path))
		}
	})
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
