package taskhost

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/animus-tasks/internal/task"
)

type fakeRunner struct {
	calls chan string
	err   error
}

func (f *fakeRunner) Execute(_ context.Context, t task.Task, _ task.Arguments) (task.Result, error) {
	if f.calls != nil {
		f.calls <- t.Name()
	}
	return task.Result{Output: []string{t.Name()}}, f.err
}

func noop(t *testing.T, name string) task.Task {
	t.Helper()
	tk, err := task.Simple(name, "does nothing", func(context.Context, *task.Context) error { return nil })
	if err != nil {
		t.Fatalf("Simple: %v", err)
	}
	return tk
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFactory(t *testing.T) {
	f, err := NewFactory(noop(t, "Cleanup"), noop(t, "Archive"))
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	if !f.Exists("cleanup") || f.Exists("missing") {
		t.Fatalf("Exists should ignore case and reject unknown names")
	}
	if err := f.Register(noop(t, "CLEANUP")); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if _, err := f.Get("missing"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
	list := f.List()
	if len(list) != 2 || list[0].Name() != "Archive" || list[1].Name() != "Cleanup" {
		t.Fatalf("unexpected list order")
	}
}

func TestHandlePropagatesExecutionFailure(t *testing.T) {
	f, _ := NewFactory(noop(t, "Cleanup"))
	failure := &task.ExecutionFailedError{Phase: task.PhaseStep, Step: "A", Err: errors.New("boom")}
	h, err := NewHost(f, &fakeRunner{err: failure}, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	_, err = h.Handle(context.Background(), "cleanup", task.Arguments{})
	if !errors.Is(err, failure) {
		t.Fatalf("expected execution failure, got %v", err)
	}
	if _, err := h.Handle(context.Background(), "nope", task.Arguments{}); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestRepeatRunsUntilCancelled(t *testing.T) {
	f, _ := NewFactory(noop(t, "Cleanup"))
	runner := &fakeRunner{calls: make(chan string, 4), err: errors.New("store down")}
	clk := clockwork.NewFakeClock()
	h, _ := NewHost(f, runner, nil, quietLogger(), WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	args, _ := task.ParseArguments([]string{"interval=30s"})
	done := make(chan error, 1)
	go func() { done <- h.Repeat(ctx, "Cleanup", args, time.Hour) }()

	waitCall := func() {
		t.Helper()
		select {
		case <-runner.calls:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for run")
		}
	}
	waitCall()
	clk.Advance(30 * time.Second)
	waitCall()
	clk.Advance(30 * time.Second)
	waitCall()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Repeat: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Repeat did not stop")
	}
}

func TestIntervalFromArguments(t *testing.T) {
	cases := []struct {
		args []string
		def  time.Duration
		want time.Duration
		err  bool
	}{
		{args: nil, def: 0, want: time.Minute},
		{args: nil, def: 2 * time.Minute, want: 2 * time.Minute},
		{args: []string{"interval=5m"}, want: 5 * time.Minute},
		{args: []string{"-Interval:01:30:00"}, want: 90 * time.Minute},
		{args: []string{"interval=soon"}, err: true},
		{args: []string{"interval=0s"}, err: true},
	}
	for _, tc := range cases {
		args, err := task.ParseArguments(tc.args)
		if err != nil {
			t.Fatalf("ParseArguments(%v): %v", tc.args, err)
		}
		got, err := IntervalFromArguments(args, tc.def)
		if tc.err {
			if err == nil {
				t.Fatalf("%v: expected error", tc.args)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%v: got %s err=%v want %s", tc.args, got, err, tc.want)
		}
	}
}
