// Package taskhost resolves tasks by name and runs them once or on an
// interval.
package taskhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/animus-tasks/internal/runlog"
	"github.com/animus-labs/animus-tasks/internal/task"
)

// ArgInterval overrides the repeat interval, e.g. interval=5m or interval=00:05:00.
const (
	ArgInterval     = "interval"
	DefaultInterval = time.Minute
)

// Executor is implemented by *task.Runner.
type Executor interface {
	Execute(ctx context.Context, t task.Task, args task.Arguments) (task.Result, error)
}

type Host struct {
	factory *Factory
	runner  Executor
	log     *runlog.Logger
	logger  *slog.Logger
	clock   clockwork.Clock
}

type Option func(*Host)

func WithClock(c clockwork.Clock) Option {
	return func(h *Host) {
		if c != nil {
			h.clock = c
		}
	}
}

// NewHost records failures the runner did not record itself through log.
func NewHost(factory *Factory, runner Executor, log *runlog.Logger, logger *slog.Logger, opts ...Option) (*Host, error) {
	if factory == nil {
		return nil, errors.New("task factory is required")
	}
	if runner == nil {
		return nil, errors.New("task runner is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{
		factory: factory,
		runner:  runner,
		log:     log,
		logger:  logger,
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Host) Factory() *Factory { return h.factory }

// Handle runs the named task once. *task.ExecutionFailedError is returned as
// is; other failures are recorded as error records first.
func (h *Host) Handle(ctx context.Context, name string, args task.Arguments) (task.Result, error) {
	t, err := h.factory.Get(name)
	if err != nil {
		return task.Result{}, err
	}
	res, err := h.runner.Execute(ctx, t, args)
	if err != nil {
		h.report(ctx, t.Name(), err)
	}
	return res, err
}

// Repeat runs the named task immediately and then every interval until ctx is
// done. Failures are logged and the schedule continues. An interval argument
// takes precedence over interval; zero means DefaultInterval.
func (h *Host) Repeat(ctx context.Context, name string, args task.Arguments, interval time.Duration) error {
	t, err := h.factory.Get(name)
	if err != nil {
		return err
	}
	if interval, err = IntervalFromArguments(args, interval); err != nil {
		return err
	}

	h.logger.InfoContext(ctx, "repeating task", "task", t.Name(), "interval", interval.String())
	ticker := h.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := h.Handle(ctx, t.Name(), args); err != nil {
			h.logger.ErrorContext(ctx, "repeated task failed", "task", t.Name(), "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

func (h *Host) report(ctx context.Context, taskName string, err error) {
	var failure *task.ExecutionFailedError
	if errors.As(err, &failure) {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	h.logger.ErrorContext(ctx, "task execution error", "task", taskName, "error", err)
	if h.log == nil {
		return
	}
	if _, logErr := h.log.LogError(ctx, err); logErr != nil {
		h.logger.ErrorContext(ctx, "task execution error not recorded", "task", taskName, "error", logErr)
	}
}

// IntervalFromArguments reads the interval argument as a Go duration or as
// hh:mm:ss. Without the argument it returns def, or DefaultInterval when def
// is not positive.
func IntervalFromArguments(args task.Arguments, def time.Duration) (time.Duration, error) {
	if def <= 0 {
		def = DefaultInterval
	}
	v, ok := args.Lookup(ArgInterval)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	d, err := parseInterval(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("argument %s: %w", ArgInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("argument %s must be positive", ArgInterval)
	}
	return d, nil
}

func parseInterval(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid interval %q", v)
	}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
		d += time.Duration(n) * units[i]
	}
	return d, nil
}
