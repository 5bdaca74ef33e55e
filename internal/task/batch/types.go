package batch

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"ghostrun/internal/task/job"
)

var (
	// ErrMissingResult marks a job the backend response did not mention.
	ErrMissingResult = errors.New("missing result")
	// ErrUnparseable is reported for every job of a flush whose response has
	// no extractable structure.
	ErrUnparseable = errors.New("unparseable batch response")
	// ErrReportedFailure marks a job the backend itself reported as failed.
	ErrReportedFailure = errors.New("job reported failure")
	// ErrMalformedRecord marks a job whose answer carried its id but had
	// fields of the wrong type.
	ErrMalformedRecord = errors.New("malformed job result")
	ErrFlushTimeout    = errors.New("batch flush timed out")
	ErrExecutorClosed  = errors.New("batch executor closed")
)

// Config controls windowing and flushing.
type Config struct {
	// Window is how long the first job of a batch waits for company.
	Window time.Duration
	// MaxBatchSize flushes a batch as soon as it holds this many jobs.
	MaxBatchSize int
	// FlushTimeout bounds one consolidated backend call.
	FlushTimeout time.Duration
	// SharedContext is prepended once to every consolidated request.
	SharedContext string
}

const (
	DefaultWindow       = 5 * time.Minute
	DefaultMaxBatchSize = 5
	DefaultFlushTimeout = 2 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	return c
}

// Request is one consolidated backend call.
type Request struct {
	System string
	Prompt string
	// IDs are the entry ids in encoding order.
	IDs []string
}

type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Backend performs a single consolidated generation. A failure is reported
// once for the whole call.
type Backend interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (Response, error)

func (f BackendFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Entry is one job inside a consolidated request. ID is unique within the
// request; it equals the job id unless the same job was enqueued twice.
type Entry struct {
	ID  string
	Job job.Definition
}

// FlushReason says what triggered a flush.
type FlushReason string

const (
	ReasonWindow FlushReason = "window"
	ReasonSize   FlushReason = "size"
	ReasonManual FlushReason = "manual"
	ReasonDrain  FlushReason = "drain"
)

// FlushEvent is published on the bus after every flush.
type FlushEvent struct {
	Key          job.BatchKey  `json:"key"`
	Reason       FlushReason   `json:"reason"`
	Size         int           `json:"size"`
	Failed       int           `json:"failed"`
	Duration     time.Duration `json:"duration"`
	InputTokens  int64         `json:"input_tokens,omitempty"`
	OutputTokens int64         `json:"output_tokens,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// PendingInfo describes a live, unflushed batch.
type PendingInfo struct {
	Key       job.BatchKey `json:"key"`
	Size      int          `json:"size"`
	CreatedAt time.Time    `json:"created_at"`
}
