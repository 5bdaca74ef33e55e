package executor

import (
	"context"

	"github.com/cockroachdb/errors"

	"ghostrun/internal/task/batch"
	"ghostrun/internal/task/delegate"
	"ghostrun/internal/task/job"
)

// Prompt runs a prompt job on its own through the backend, using the same
// record format as a consolidated call of size one. Cost is total tokens.
type Prompt struct {
	backend       batch.Backend
	sharedContext string
}

func NewPrompt(backend batch.Backend, sharedContext string) *Prompt {
	return &Prompt{backend: backend, sharedContext: sharedContext}
}

func (p *Prompt) Execute(ctx context.Context, def job.Definition) (delegate.Outcome, error) {
	if p.backend == nil {
		return delegate.Outcome{}, errors.New("no backend configured for prompt jobs")
	}
	req := batch.Encode([]batch.Entry{{ID: def.ID, Job: def}}, p.sharedContext)
	resp, err := p.backend.Generate(ctx, req)
	if err != nil {
		return delegate.Outcome{}, errors.Wrap(err, "backend call")
	}

	out := delegate.Outcome{Cost: float64(resp.InputTokens + resp.OutputTokens)}
	r := batch.Decode(resp.Text, req.IDs)[0]
	out.Output = r.Message
	if !r.OK() {
		if r.Err == nil {
			r.Err = errors.New(r.Error)
		}
		return out, r.Err
	}
	return out, nil
}
