// Package executor runs delegated jobs: actions as local processes, prompt
// jobs as a single backend call.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"ghostrun/internal/task/delegate"
	"ghostrun/internal/task/job"
	logx "ghostrun/pkg/logx"
)

var ErrUnknownAction = errors.New("no command configured for action")

// maxOutput caps captured output per run.
const maxOutput = 64 << 10

type ProcessConfig struct {
	// Actions maps an action name to a command template, e.g.
	// "scripts/backup.sh --job {job_id} --tenant {company}".
	Actions map[string]string
	WorkDir string
	// Env is appended to the parent environment.
	Env []string
}

// Process spawns one OS process per job. The job definition is written to
// stdin as JSON; combined stdout and stderr become the Outcome output and
// CPU seconds its cost.
type Process struct {
	cfg      ProcessConfig
	commands map[string][]string
	log      logx.Logger
}

// NewProcess parses every template up front so a bad template fails at
// startup rather than at firing time.
func NewProcess(cfg ProcessConfig, log logx.Logger) (*Process, error) {
	commands := make(map[string][]string, len(cfg.Actions))
	for action, tmpl := range cfg.Actions {
		argv, err := shellquote.Split(tmpl)
		if err != nil {
			return nil, errors.Wrapf(err, "action %q: parse command", action)
		}
		if len(argv) == 0 {
			return nil, errors.Newf("action %q: empty command", action)
		}
		commands[action] = argv
	}
	return &Process{cfg: cfg, commands: commands, log: log.With(logx.String("comp", "process"))}, nil
}

// Handles reports whether action has a configured command.
func (p *Process) Handles(action string) bool {
	_, ok := p.commands[action]
	return ok
}

func (p *Process) Execute(ctx context.Context, def job.Definition) (delegate.Outcome, error) {
	tmpl, ok := p.commands[def.Action]
	if !ok {
		return delegate.Outcome{}, errors.Wrapf(ErrUnknownAction, "%q", def.Action)
	}
	argv := expand(tmpl, def)

	stdin, err := json.Marshal(def)
	if err != nil {
		return delegate.Outcome{}, errors.Wrap(err, "encode job for stdin")
	}

	out := &limitedBuffer{max: maxOutput}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = p.cfg.WorkDir
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"GHOSTRUN_JOB_ID="+def.ID,
		"GHOSTRUN_JOB_NAME="+def.Name,
		"GHOSTRUN_COMPANY="+def.Company,
	)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = out
	cmd.Stderr = out
	// Bound Wait when orphaned children keep the pipes open after a kill.
	cmd.WaitDelay = 500 * time.Millisecond
	configureCancellation(cmd)

	p.log.Debug("spawning", logx.String("job_id", def.ID), logx.String("cmd", shellquote.Join(argv...)))
	runErr := cmd.Run()

	res := delegate.Outcome{Output: out.String()}
	if st := cmd.ProcessState; st != nil {
		res.ExitCode = st.ExitCode()
		res.Cost = (st.UserTime() + st.SystemTime()).Seconds()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, errors.Wrap(ctxErr, "process interrupted")
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return res, errors.Wrap(runErr, "run process")
	}
	return res, nil
}

// expand substitutes {job_id}, {name} and {company} inside each argument.
// Substitution happens after splitting so values never change argv shape.
func expand(tmpl []string, def job.Definition) []string {
	r := strings.NewReplacer("{job_id}", def.ID, "{name}", def.Name, "{company}", def.Company, "{action}", def.Action)
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = r.Replace(a)
	}
	return out
}

type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated += len(p)
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated += len(p) - room
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	if b.truncated > 0 {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
