package executor

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"ghostrun/internal/task/delegate"
	"ghostrun/internal/task/job"
)

// Mux sends jobs with a configured action to the process runner and every
// other prompt job to the prompt runner.
type Mux struct {
	Process *Process
	Prompt  delegate.Executor
}

func (m *Mux) Execute(ctx context.Context, def job.Definition) (delegate.Outcome, error) {
	action := strings.TrimSpace(def.Action)
	switch {
	case action != "" && m.Process != nil && m.Process.Handles(action):
		return m.Process.Execute(ctx, def)
	case def.HasPrompt() && m.Prompt != nil:
		return m.Prompt.Execute(ctx, def)
	case action != "":
		return delegate.Outcome{}, errors.Wrapf(ErrUnknownAction, "%q", action)
	default:
		return delegate.Outcome{}, errors.Newf("job %s has neither a runnable action nor a prompt", def.ID)
	}
}
