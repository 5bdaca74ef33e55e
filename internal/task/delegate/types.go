package delegate

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"ghostrun/internal/storage"
	"ghostrun/internal/task/job"
)

var (
	// ErrNonZeroExit marks a run whose executor reported a non-zero exit code.
	ErrNonZeroExit = errors.New("non-zero exit code")
	// ErrPanic marks a run whose executor panicked.
	ErrPanic = errors.New("executor panicked")
)

const DefaultTimeout = 10 * time.Minute

type Config struct {
	// Timeout bounds one delegated run. A job's AutoDecideTimeout overrides it.
	Timeout time.Duration
}

// Outcome is what the single-job executor reports back.
type Outcome struct {
	ExitCode int
	Output   string
	// Cost is a resource figure (CPU seconds, tokens, ...) recorded in the
	// experience log as-is.
	Cost float64
}

// Executor runs one job to completion.
type Executor interface {
	Execute(ctx context.Context, def job.Definition) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, def job.Definition) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, def job.Definition) (Outcome, error) {
	return f(ctx, def)
}

// ExecutionRecorder keeps the in-flight/finished execution records.
type ExecutionRecorder interface {
	BeginExecution(ctx context.Context, e storage.Execution) error
	FinishExecution(ctx context.Context, e storage.Execution) error
}

// ExperienceSink receives one record per delegated run. Failures are logged
// and never fail the job.
type ExperienceSink interface {
	Record(ctx context.Context, e storage.Experience) error
}
