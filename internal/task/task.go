package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Execution is the continuation decision a step makes before it runs.
type Execution int

const (
	// Execute runs the step.
	Execute Execution = iota
	// StepOver skips the step and continues with the next one.
	StepOver
	// StepOut skips all remaining steps and ends the task.
	StepOut
)

func (e Execution) String() string {
	switch e {
	case Execute:
		return "Execute"
	case StepOver:
		return "StepOver"
	case StepOut:
		return "StepOut"
	default:
		return fmt.Sprintf("Execution(%d)", int(e))
	}
}

// Context gives phase functions access to the invocation arguments and the
// run log of the current task or step.
type Context struct {
	args Arguments
	sink func(message string)
}

// NewContext is used by the runner and by tests of individual steps.
func NewContext(args Arguments, sink func(message string)) *Context {
	return &Context{args: args, sink: sink}
}

func (c *Context) Arguments() Arguments { return c.args }

// Log records a message on the current run.
func (c *Context) Log(message string) {
	if c.sink != nil {
		c.sink(message)
	}
}

func (c *Context) Logf(format string, args ...any) {
	c.Log(fmt.Sprintf(format, args...))
}

// Step is one stage of a task operating on the work item W.
type Step[W any] interface {
	Name() string
	// ContinueWith is evaluated on every run, right before the step.
	ContinueWith(w W) Execution
	Execute(ctx context.Context, w W, c *Context) error
}

// StepFunc adapts functions to Step. A nil Decide always executes.
type StepFunc[W any] struct {
	StepName string
	Decide   func(w W) Execution
	Run      func(ctx context.Context, w W, c *Context) error
}

func (s StepFunc[W]) Name() string { return s.StepName }

func (s StepFunc[W]) ContinueWith(w W) Execution {
	if s.Decide == nil {
		return Execute
	}
	return s.Decide(w)
}

func (s StepFunc[W]) Execute(ctx context.Context, w W, c *Context) error {
	if s.Run == nil {
		return nil
	}
	return s.Run(ctx, w, c)
}

// Definition declares a task over work item W. Start creates the work item,
// which is then passed to every step and to End. When the work item
// implements io.Closer it is closed once the run is over.
type Definition[W any] struct {
	Name        string
	Description string
	Start       func(ctx context.Context, c *Context) (W, error)
	Steps       []Step[W]
	End         func(ctx context.Context, w W, c *Context) error
}

// Task is a runnable task independent of its work item type.
type Task interface {
	Name() string
	Description() string
	StepNames() []string
	run(ctx context.Context, x *execution) error
}

type definedTask[W any] struct {
	def Definition[W]
}

// New validates def and returns it as a Task.
func New[W any](def Definition[W]) (Task, error) {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return nil, errors.New("task name is required")
	}
	if def.Start == nil {
		return nil, fmt.Errorf("task %q: start function is required", def.Name)
	}
	seen := make(map[string]struct{}, len(def.Steps))
	for i, step := range def.Steps {
		if step == nil {
			return nil, fmt.Errorf("task %q: step %d is nil", def.Name, i)
		}
		name := strings.TrimSpace(step.Name())
		if name == "" {
			return nil, fmt.Errorf("task %q: step %d has no name", def.Name, i)
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("task %q: duplicate step %q", def.Name, name)
		}
		seen[key] = struct{}{}
	}
	def.Steps = append([]Step[W](nil), def.Steps...)
	return &definedTask[W]{def: def}, nil
}

// MustNew is New for package level task declarations.
func MustNew[W any](def Definition[W]) Task {
	t, err := New(def)
	if err != nil {
		panic(err)
	}
	return t
}

// Simple declares a task without steps whose whole body runs at start.
func Simple(name, description string, body func(ctx context.Context, c *Context) error) (Task, error) {
	if body == nil {
		return nil, fmt.Errorf("task %q: body is required", name)
	}
	return New(Definition[struct{}]{
		Name:        name,
		Description: description,
		Start: func(ctx context.Context, c *Context) (struct{}, error) {
			return struct{}{}, body(ctx, c)
		},
	})
}

func (t *definedTask[W]) Name() string        { return t.def.Name }
func (t *definedTask[W]) Description() string { return t.def.Description }

func (t *definedTask[W]) StepNames() []string {
	names := make([]string, len(t.def.Steps))
	for i, step := range t.def.Steps {
		names[i] = step.Name()
	}
	return names
}

// run drives Starting, Running(i) and Ending. Failures are logged and turned
// into *ExecutionFailedError by the execution.
func (t *definedTask[W]) run(ctx context.Context, x *execution) error {
	var w W
	if err := guarded(func() error {
		var err error
		w, err = t.def.Start(ctx, x.taskContext(ctx))
		return err
	}); err != nil {
		return x.fail(ctx, PhaseStart, "", err, nil)
	}
	defer x.closeWorkItem(ctx, w)

steps:
	for _, step := range t.def.Steps {
		var decision Execution
		if err := guarded(func() error {
			decision = step.ContinueWith(w)
			return nil
		}); err != nil {
			return x.fail(ctx, PhaseStep, step.Name(), err, nil)
		}
		switch decision {
		case StepOut:
			break steps
		case StepOver:
			continue
		case Execute:
		default:
			return x.fail(ctx, PhaseStep, step.Name(), fmt.Errorf("unknown decision %s", decision), nil)
		}
		if err := x.runStep(ctx, step.Name(), func(c *Context) error {
			return step.Execute(ctx, w, c)
		}); err != nil {
			return err
		}
	}

	if t.def.End == nil {
		return nil
	}
	if err := guarded(func() error {
		return t.def.End(ctx, w, x.taskContext(ctx))
	}); err != nil {
		return x.fail(ctx, PhaseEnd, "", err, nil)
	}
	return nil
}

// guarded turns a panic in task code into an error.
func guarded(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
