package runlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/animus-tasks/internal/repo"
)

type ErrorRecord = repo.ErrorRecord

// TargetService marks errors reported by the task service itself.
const TargetService = "Service"

// Identity describes the process that produces log entries.
type Identity struct {
	MachineName  string
	IdentityName string
	CommandLine  string
}

// CurrentIdentity reads the host name, OS user and command line of this
// process. A non-empty machineName overrides the host name.
func CurrentIdentity(machineName string) Identity {
	id := Identity{
		MachineName: strings.TrimSpace(machineName),
		CommandLine: strings.Join(os.Args, " "),
	}
	if id.MachineName == "" {
		if host, err := os.Hostname(); err == nil {
			id.MachineName = host
		}
	}
	if u, err := user.Current(); err == nil {
		id.IdentityName = u.Username
	}
	return id
}

type Logger struct {
	runs     repo.RunLogStore
	errs     repo.ErrorStore
	fallback *slog.Logger
	clock    clockwork.Clock
	identity Identity
	disabled atomic.Int64
}

type Option func(*Logger)

func WithClock(clock clockwork.Clock) Option {
	return func(l *Logger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func WithIdentity(identity Identity) Option {
	return func(l *Logger) { l.identity = identity }
}

// NewLogger persists runs to runs and error records to errs. Failures that
// cannot be persisted are written to fallback.
func NewLogger(runs repo.RunLogStore, errs repo.ErrorStore, fallback *slog.Logger, opts ...Option) (*Logger, error) {
	if runs == nil {
		return nil, errors.New("run log store is required")
	}
	if errs == nil {
		return nil, errors.New("error store is required")
	}
	if fallback == nil {
		fallback = slog.Default()
	}
	l := &Logger{
		runs:     runs,
		errs:     errs,
		fallback: fallback,
		clock:    clockwork.NewRealClock(),
		identity: CurrentIdentity(""),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Logger) Identity() Identity { return l.identity }

// StartTask creates and persists the root TaskRun of one execution. The task
// name is written to output.
func (l *Logger) StartTask(ctx context.Context, taskName string, output Output) (*TaskRun, error) {
	run := &TaskRun{
		logger:       l,
		output:       output,
		taskName:     strings.TrimSpace(taskName),
		machineName:  l.identity.MachineName,
		identityName: l.identity.IdentityName,
		startedAt:    l.clock.Now().UTC(),
	}
	if err := l.Persist(ctx, run); err != nil {
		return nil, err
	}
	run.emit(run.taskName)
	return run, nil
}

// Persist inserts entries without an id and updates the others. Messages can
// only be inserted. Persist is a no-op while logging is disabled.
func (l *Logger) Persist(ctx context.Context, e Entry) error {
	if l.Disabled() {
		return nil
	}
	switch e := e.(type) {
	case *TaskRun:
		rec := e.record()
		if rec.ID == 0 {
			id, err := l.runs.InsertTaskRun(ctx, rec)
			if err != nil {
				return fmt.Errorf("insert task run %q: %w", rec.TaskName, err)
			}
			e.assignID(id)
			return nil
		}
		if err := l.runs.UpdateTaskRun(ctx, rec); err != nil {
			return fmt.Errorf("update task run %d: %w", rec.ID, err)
		}
		return nil
	case *StepRun:
		rec := e.record()
		if rec.ID == 0 {
			id, err := l.runs.InsertStepRun(ctx, rec)
			if err != nil {
				return fmt.Errorf("insert step run %q: %w", rec.StepName, err)
			}
			e.assignID(id)
			return nil
		}
		if err := l.runs.UpdateStepRun(ctx, rec); err != nil {
			return fmt.Errorf("update step run %d: %w", rec.ID, err)
		}
		return nil
	case *MessageRun:
		rec := e.record()
		if rec.ID != 0 {
			return ErrMessageImmutable
		}
		id, err := l.runs.InsertMessage(ctx, rec)
		if err != nil {
			l.fallback.WarnContext(ctx, "task log message not persisted",
				slog.String("task", rec.TaskName),
				slog.String("message", rec.Message),
				slog.Any("error", err),
			)
			return fmt.Errorf("insert message: %w", err)
		}
		e.assignID(id)
		return nil
	default:
		return fmt.Errorf("unsupported log entry %T", e)
	}
}

// LogError persists err as an error record. While logging is disabled it
// returns nil and nothing is written. When the store fails the error is
// written to the fallback logger and nil is returned; only a failing fallback
// is reported to the caller.
func (l *Logger) LogError(ctx context.Context, err error) (*ErrorRecord, error) {
	return l.log(ctx, repo.SeverityError, err)
}

func (l *Logger) LogWarning(ctx context.Context, err error) (*ErrorRecord, error) {
	return l.log(ctx, repo.SeverityWarning, err)
}

func (l *Logger) log(ctx context.Context, severity repo.Severity, err error) (*ErrorRecord, error) {
	if err == nil || l.Disabled() {
		return nil, nil
	}
	rec := ErrorRecord{
		MachineName:      l.identity.MachineName,
		IdentityName:     l.identity.IdentityName,
		CommandLine:      l.identity.CommandLine,
		Severity:         severity,
		Message:          err.Error(),
		FormattedMessage: FormatError(err),
		OccurredAt:       l.clock.Now().UTC(),
		Target:           TargetService,
	}
	id, storeErr := l.errs.InsertError(ctx, rec)
	if storeErr == nil {
		rec.ID = id
		return &rec, nil
	}

	level := slog.LevelError
	if severity == repo.SeverityWarning {
		level = slog.LevelWarn
	}
	r := slog.NewRecord(l.clock.Now(), level, "error log unavailable", 0)
	r.AddAttrs(
		slog.String("severity", string(severity)),
		slog.String("message", rec.Message),
		slog.String("formatted", rec.FormattedMessage),
		slog.String("store_error", storeErr.Error()),
	)
	if herr := l.fallback.Handler().Handle(ctx, r); herr != nil {
		return nil, fmt.Errorf("log error: %w", errors.Join(storeErr, herr))
	}
	return nil, nil
}

// FormatError renders the wrap chain of err, outermost first, one per line.
func FormatError(err error) string {
	var b strings.Builder
	depth := 0
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if depth > 0 {
			b.WriteString("\n")
			b.WriteString(strings.Repeat("  ", depth))
			b.WriteString("caused by: ")
		}
		fmt.Fprintf(&b, "%s (%T)", cur.Error(), cur)
		depth++
		if joined, ok := cur.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				b.WriteString("\n")
				b.WriteString(strings.Repeat("  ", depth))
				fmt.Fprintf(&b, "- %s (%T)", inner.Error(), inner)
			}
			break
		}
	}
	return b.String()
}

// Disabled reports whether at least one disable scope is active.
func (l *Logger) Disabled() bool {
	return l.disabled.Load() > 0
}

// Disable suppresses persistence until the returned scope is released.
func (l *Logger) Disable() *DisableScope {
	l.disabled.Add(1)
	return &DisableScope{logger: l}
}

// DisableScope re-enables logging when released. Release is idempotent.
type DisableScope struct {
	logger *Logger
	once   sync.Once
}

func (d *DisableScope) Release() {
	if d == nil {
		return
	}
	d.once.Do(func() { d.logger.disabled.Add(-1) })
}
