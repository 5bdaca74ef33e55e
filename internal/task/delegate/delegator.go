package delegate

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"ghostrun/internal/clock"
	"ghostrun/internal/storage"
	"ghostrun/internal/task/job"
	logx "ghostrun/pkg/logx"
)

// sinkTimeout bounds bookkeeping writes so a slow store never holds a
// worker for long.
const sinkTimeout = 5 * time.Second

// Delegator runs a single non-batchable job through the executor and keeps
// its execution and experience records. It never panics and never returns
// an error: every failure becomes a failed Result.
type Delegator struct {
	cfg   Config
	exec  Executor
	execs ExecutionRecorder
	sink  ExperienceSink
	log   logx.Logger
	clk   clock.Clock
}

// New builds a Delegator. execs and sink may be nil.
func New(cfg Config, exec Executor, execs ExecutionRecorder, sink ExperienceSink, log logx.Logger, clk clock.Clock) *Delegator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Delegator{
		cfg:   cfg,
		exec:  exec,
		execs: execs,
		sink:  sink,
		log:   log.With(logx.String("comp", "delegate")),
		clk:   clock.OrReal(clk),
	}
}

// TimeoutFor returns the run bound for def.
func (d *Delegator) TimeoutFor(def job.Definition) time.Duration {
	if def.AutoDecideTimeout > 0 {
		return def.AutoDecideTimeout
	}
	return d.cfg.Timeout
}

func (d *Delegator) Delegate(ctx context.Context, def job.Definition) job.Result {
	log := d.log.With(logx.String("job_id", def.ID), logx.String("job", def.Name), logx.String("company", def.Company))

	started := d.clk.Now()
	rec := storage.Execution{
		ID:        uuid.NewString(),
		JobID:     def.ID,
		JobName:   def.Name,
		Company:   def.Company,
		Status:    storage.ExecutionRunning,
		StartedAt: started,
	}
	d.begin(ctx, rec, log)

	// The run bound follows d.clk so it agrees with the recorded duration.
	timeout := d.TimeoutFor(def)
	runCtx, cancel := context.WithCancelCause(ctx)
	timer := d.clk.AfterFunc(timeout, func() { cancel(context.DeadlineExceeded) })
	out, err := d.run(runCtx, def, log)
	timer.Stop()
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && errors.Is(context.Cause(runCtx), context.DeadlineExceeded) {
		err = errors.CombineErrors(errors.Wrapf(context.DeadlineExceeded, "run bound %s", timeout), err)
	}
	cancel(nil)

	res := toResult(def, out, err)
	dur := d.clk.Now().Sub(started)

	rec.FinishedAt = started.Add(dur)
	rec.DurationMS = dur.Milliseconds()
	rec.ExitCode = out.ExitCode
	rec.Status = storage.ExecutionCompleted
	if !res.OK() {
		rec.Status = storage.ExecutionFailed
		rec.Error = res.Error
	}
	d.finish(ctx, rec, log)
	d.record(ctx, storage.Experience{
		At:         rec.FinishedAt,
		JobID:      def.ID,
		JobType:    jobType(def),
		Company:    def.Company,
		Outcome:    string(res.Status),
		DurationMS: rec.DurationMS,
		Cost:       out.Cost,
		Error:      res.Error,
	}, log)

	if res.OK() {
		log.Info("job delegated", logx.Duration("took", dur), logx.Float64("cost", out.Cost))
	} else {
		log.Warn("delegated job failed", logx.Duration("took", dur), logx.Int("exit_code", out.ExitCode), logx.String("err", res.Error))
	}
	return res
}

func (d *Delegator) run(ctx context.Context, def job.Definition, log logx.Logger) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("executor panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = errors.Wrapf(ErrPanic, "%v", r)
		}
	}()
	if d.exec == nil {
		return Outcome{}, errors.New("no executor configured")
	}
	return d.exec.Execute(ctx, def)
}

func toResult(def job.Definition, out Outcome, err error) job.Result {
	msg := strings.TrimSpace(out.Output)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Wrap(err, "delegated job timed out")
		}
		r := job.Failed(def.ID, err)
		r.Message = msg
		return r
	}
	if out.ExitCode != 0 {
		r := job.Failed(def.ID, errors.Wrapf(ErrNonZeroExit, "exit code %d", out.ExitCode))
		r.Message = msg
		return r
	}
	return job.Result{
		ID:        def.ID,
		Status:    job.StatusSuccess,
		Action:    def.Action,
		Arguments: def.Arguments,
		Message:   msg,
	}
}

// jobType is the experience category: the action for action-only jobs,
// otherwise the job name.
func jobType(def job.Definition) string {
	if strings.TrimSpace(def.Action) != "" && !def.HasPrompt() {
		return def.Action
	}
	return def.Name
}

func (d *Delegator) begin(ctx context.Context, rec storage.Execution, log logx.Logger) {
	if d.execs == nil {
		return
	}
	d.guard("begin execution", log, func() error {
		c, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
		defer cancel()
		return d.execs.BeginExecution(c, rec)
	})
}

func (d *Delegator) finish(ctx context.Context, rec storage.Execution, log logx.Logger) {
	if d.execs == nil {
		return
	}
	d.guard("finish execution", log, func() error {
		c, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
		defer cancel()
		return d.execs.FinishExecution(c, rec)
	})
}

func (d *Delegator) record(ctx context.Context, e storage.Experience, log logx.Logger) {
	if d.sink == nil {
		return
	}
	d.guard("record experience", log, func() error {
		c, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
		defer cancel()
		return d.sink.Record(c, e)
	})
}

// guard runs a bookkeeping call, logging errors and panics instead of
// letting them reach the job.
func (d *Delegator) guard(what string, log logx.Logger, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(what+" panicked", logx.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		log.Warn(what+" failed", logx.Err(err))
	}
}
