package concurrency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/animus-tasks/internal/mutex"
	"github.com/animus-labs/animus-tasks/internal/runlog"
	"github.com/animus-labs/animus-tasks/internal/task"
)

const DefaultWaitTime = 30 * time.Second

// Locker is implemented by *mutex.Mutex.
type Locker interface {
	Enter(ctx context.Context, lc mutex.Context) (*mutex.Lock, error)
}

type Options struct {
	// PreventAll makes tasks without an explicit mode take the lock.
	PreventAll      bool
	DefaultWaitTime time.Duration
	Logger          *slog.Logger
}

// Guard applies the registered policies before a task runs.
type Guard struct {
	locker      Locker
	log         *runlog.Logger
	preventAll  bool
	defaultWait time.Duration
	logger      *slog.Logger

	mu       sync.RWMutex
	policies map[string]Policy
}

func NewGuard(locker Locker, log *runlog.Logger, opts Options) (*Guard, error) {
	if locker == nil {
		return nil, errors.New("locker is required")
	}
	if log == nil {
		return nil, errors.New("run logger is required")
	}
	if opts.DefaultWaitTime < 0 {
		return nil, errors.New("default wait time must be >= 0")
	}
	if opts.DefaultWaitTime == 0 {
		opts.DefaultWaitTime = DefaultWaitTime
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Guard{
		locker:      locker,
		log:         log,
		preventAll:  opts.PreventAll,
		defaultWait: opts.DefaultWaitTime,
		logger:      opts.Logger,
		policies:    map[string]Policy{},
	}, nil
}

// Register sets the policy for a task name, replacing any earlier one.
func (g *Guard) Register(taskName string, p Policy) error {
	name := strings.TrimSpace(taskName)
	if name == "" {
		return errors.New("task name is required")
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("policy for %q: %w", name, err)
	}
	if p.Mode == "" {
		p.Mode = ModeDefault
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policies[strings.ToLower(name)] = p
	return nil
}

func (g *Guard) Policy(taskName string) (Policy, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.policies[strings.ToLower(strings.TrimSpace(taskName))]
	return p, ok
}

// Handle takes the lock for t when its policy requires one. It returns a nil
// Releaser when no lock is needed or the mutex is disabled. Acquisition
// failures are recorded on run and returned as *task.ExecutionFailedError.
func (g *Guard) Handle(ctx context.Context, t task.Task, args task.Arguments, run *runlog.TaskRun) (task.Releaser, error) {
	p, _ := g.Policy(t.Name())
	if !g.required(p, t, args) {
		return nil, nil
	}

	name := t.Name()
	if p.LockName != nil {
		if custom := strings.TrimSpace(p.LockName(t, args)); custom != "" {
			name = custom
		}
	}
	description := DefaultDescription(t.Name(), run.ID())
	if p.LockDescription != nil {
		description = p.LockDescription(t, args, description)
	}
	wait := p.WaitTime
	if wait == 0 {
		wait = g.defaultWait
	}

	lock, err := g.locker.Enter(ctx, mutex.Context{
		Name:        name,
		WaitTime:    wait,
		Description: description,
		Waiting: func(message string) {
			_ = run.LogMessage(ctx, message)
		},
	})
	if err != nil {
		failure := &task.ExecutionFailedError{
			Phase:  task.PhaseLock,
			Reason: fmt.Sprintf("Unable to acquire lock '%s'.", name),
			Err:    err,
		}
		rec, logErr := g.log.LogError(ctx, err)
		failure.LogErr = logErr
		run.SetError(rec)
		g.logger.ErrorContext(ctx, "task lock not acquired", "task", t.Name(), "lock", name, "error", err)
		return nil, failure
	}
	if lock == nil {
		return nil, nil
	}
	return lock, nil
}

func (g *Guard) required(p Policy, t task.Task, args task.Arguments) bool {
	switch p.Mode {
	case ModeAllow:
		return false
	case ModePrevent:
	default:
		if !g.preventAll {
			return false
		}
	}
	if p.Evaluator != nil && !p.Evaluator(t, args) {
		return false
	}
	return true
}
