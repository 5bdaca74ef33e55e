package storage

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	logx "ghostrun/pkg/logx"
)

// Store is the persistence API used by the delegate path and diagnostics.
type Store interface {
	BeginExecution(ctx context.Context, e Execution) error
	FinishExecution(ctx context.Context, e Execution) error
	// RecentExecutions returns up to limit executions, newest first.
	RecentExecutions(ctx context.Context, limit int) ([]Execution, error)

	AppendExperience(ctx context.Context, e Experience) error
	// RecentExperiences returns up to limit experiences for company (all
	// companies when empty), newest first.
	RecentExperiences(ctx context.Context, company string, limit int) ([]Experience, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
