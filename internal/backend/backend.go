// Package backend adapts hosted model APIs to batch.Backend.
package backend

import (
	"context"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"ghostrun/internal/task/batch"
	logx "ghostrun/pkg/logx"
)

const defaultMaxTokens = 4096

var ErrNotConfigured = errors.New("backend not configured")

type Config struct {
	Provider   string // "anthropic" | "openai"
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int64
	RatePerSec float64 // 0 disables limiting
	Burst      int
}

// ResolveKey returns key, or the value of the env variable when key is empty.
func ResolveKey(key, env string) string {
	if k := strings.TrimSpace(key); k != "" {
		return k
	}
	if env = strings.TrimSpace(env); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

// New builds the configured backend wrapped in a rate limiter.
func New(cfg Config, log logx.Logger) (batch.Backend, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.Wrap(ErrNotConfigured, "model is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.Wrap(ErrNotConfigured, "api key is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	var b batch.Backend
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "anthropic", "":
		b = NewAnthropic(cfg)
	case "openai":
		b = NewOpenAI(cfg)
	default:
		return nil, errors.Wrapf(ErrNotConfigured, "unknown provider %q", cfg.Provider)
	}

	log.Info("backend ready",
		logx.String("provider", cfg.Provider),
		logx.String("model", cfg.Model),
		logx.Float64("rate_per_sec", cfg.RatePerSec),
	)
	return Limit(b, cfg.RatePerSec, cfg.Burst), nil
}

// Limit wraps b so calls wait for a token. perSec <= 0 returns b unchanged.
func Limit(b batch.Backend, perSec float64, burst int) batch.Backend {
	if perSec <= 0 {
		return b
	}
	if burst <= 0 {
		burst = 1
	}
	return &limited{next: b, lim: rate.NewLimiter(rate.Limit(perSec), burst)}
}

type limited struct {
	next batch.Backend
	lim  *rate.Limiter
}

func (l *limited) Generate(ctx context.Context, req batch.Request) (batch.Response, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return batch.Response{}, errors.Wrap(err, "backend rate limit")
	}
	return l.next.Generate(ctx, req)
}
