package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/animus-tasks/internal/runlog"
)

// Releaser is a held lock.
type Releaser interface {
	Release(ctx context.Context) error
}

// Guard decides whether an invocation needs a lock and acquires it. It
// returns a nil Releaser when no lock is held. Errors must already be
// *ExecutionFailedError values recorded on run.
type Guard interface {
	Handle(ctx context.Context, t Task, args Arguments, run *runlog.TaskRun) (Releaser, error)
}

// OutputArchiver stores the output lines of a finished run.
type OutputArchiver interface {
	ArchiveOutput(ctx context.Context, run *runlog.TaskRun, lines []string) error
}

// Result is what one execution printed, in order.
type Result struct {
	TaskRunID int64
	Output    []string
}

type Runner struct {
	log      *runlog.Logger
	guard    Guard
	out      io.Writer
	archiver OutputArchiver
	clock    clockwork.Clock
	logger   *slog.Logger
}

type RunnerOption func(*Runner)

func WithGuard(g Guard) RunnerOption {
	return func(r *Runner) { r.guard = g }
}

// WithOutput copies every output line to w as it is produced.
func WithOutput(w io.Writer) RunnerOption {
	return func(r *Runner) { r.out = w }
}

func WithArchiver(a OutputArchiver) RunnerOption {
	return func(r *Runner) { r.archiver = a }
}

func WithClock(c clockwork.Clock) RunnerOption {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRunner(log *runlog.Logger, opts ...RunnerOption) (*Runner, error) {
	if log == nil {
		return nil, errors.New("run logger is required")
	}
	r := &Runner{
		log:    log,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Execute runs t once. The task run is created first, then the guard is
// consulted; a lock, if taken, is held until start, steps and end are over.
// The task run is finished on every path.
func (r *Runner) Execute(ctx context.Context, t Task, args Arguments) (Result, error) {
	if r == nil {
		return Result{}, errors.New("runner not initialized")
	}
	if t == nil {
		return Result{}, errors.New("task is required")
	}

	out := &output{w: r.out, clock: r.clock}
	run, err := r.log.StartTask(ctx, t.Name(), out.add)
	if err != nil {
		return Result{Output: out.snapshot()}, fmt.Errorf("start task run %q: %w", t.Name(), err)
	}

	x := &execution{runner: r, args: args, run: run}
	runErr := r.executeGuarded(ctx, t, x)

	if err := run.Finish(ctx); err != nil {
		if runErr == nil {
			runErr = fmt.Errorf("finish task run %q: %w", t.Name(), err)
		} else {
			r.logger.WarnContext(ctx, "task run not finalized", "task", t.Name(), "error", err)
		}
	}

	lines := out.snapshot()
	if r.archiver != nil {
		if err := r.archiver.ArchiveOutput(ctx, run, lines); err != nil {
			r.logger.WarnContext(ctx, "archive task output failed", "task", t.Name(), "task_run_id", run.ID(), "error", err)
		}
	}
	return Result{TaskRunID: run.ID(), Output: lines}, runErr
}

func (r *Runner) executeGuarded(ctx context.Context, t Task, x *execution) error {
	if r.guard != nil {
		lock, err := r.guard.Handle(ctx, t, x.args, x.run)
		if err != nil {
			return err
		}
		if lock != nil {
			defer func() {
				if err := lock.Release(ctx); err != nil {
					r.logger.ErrorContext(ctx, "release task lock failed", "task", t.Name(), "error", err)
				}
			}()
		}
	}
	return t.run(ctx, x)
}

// execution is the state of one Runner.Execute call.
type execution struct {
	runner *Runner
	args   Arguments
	run    *runlog.TaskRun
}

func (x *execution) taskContext(ctx context.Context) *Context {
	return NewContext(x.args, func(message string) {
		// Persist failures are already reported to the fallback logger.
		_ = x.run.LogMessage(ctx, message)
	})
}

func (x *execution) runStep(ctx context.Context, name string, body func(c *Context) error) error {
	step, err := x.run.StartStep(ctx, name)
	if err != nil {
		return x.fail(ctx, PhaseStep, name, err, nil)
	}
	c := NewContext(x.args, func(message string) {
		_ = step.LogMessage(ctx, message)
	})
	if err := guarded(func() error { return body(c) }); err != nil {
		failure := x.fail(ctx, PhaseStep, name, err, step)
		if ferr := step.Finish(ctx); ferr != nil {
			x.runner.logger.WarnContext(ctx, "step run not finalized", "step", name, "error", ferr)
		}
		return failure
	}
	if err := step.Finish(ctx); err != nil {
		return x.fail(ctx, PhaseStep, name, err, nil)
	}
	return nil
}

// fail records cause as an error record, attaches it to the task run (and
// step run) and returns the wrapped failure.
func (x *execution) fail(ctx context.Context, phase Phase, step string, cause error, stepRun *runlog.StepRun) error {
	failure := &ExecutionFailedError{Phase: phase, Step: step, Err: cause}
	failure.Reason = defaultReason(phase, step)
	rec, logErr := x.runner.log.LogError(ctx, failure)
	if logErr != nil {
		failure.LogErr = logErr
	}
	x.run.SetError(rec)
	if stepRun != nil {
		stepRun.SetError(rec)
	}
	return failure
}

func (x *execution) closeWorkItem(ctx context.Context, w any) {
	closer, ok := w.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		x.runner.logger.WarnContext(ctx, "close work item failed", "task", x.run.TaskName(), "error", err)
		_ = x.run.LogMessage(ctx, fmt.Sprintf("Closing work item failed: %v", err))
	}
}

// output collects "[HH:MM:SS] line" entries and mirrors them to w.
type output struct {
	w     io.Writer
	clock clockwork.Clock

	mu    sync.Mutex
	lines []string
}

func (o *output) add(line string) {
	entry := fmt.Sprintf("[%s] %s", o.clock.Now().Format("15:04:05"), line)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lines = append(o.lines, entry)
	if o.w != nil {
		fmt.Fprintln(o.w, entry)
	}
}

func (o *output) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.lines...)
}
