package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/animus-labs/animus-tasks/internal/repo"
	"github.com/animus-labs/animus-tasks/internal/task"
)

type taskLogStep struct {
	store repo.TaskLogRetention
}

func (taskLogStep) Name() string { return StepTaskLog }

func (taskLogStep) ContinueWith(w *WorkItem) task.Execution {
	if w.TaskLogRetention == 0 {
		return task.StepOver
	}
	return task.Execute
}

func (s taskLogStep) Execute(ctx context.Context, w *WorkItem, c *task.Context) error {
	n, err := s.store.DeleteTaskLogBefore(ctx, w.TaskLogCutoff())
	if err != nil {
		return fmt.Errorf("delete task log: %w", err)
	}
	w.Removed[StepTaskLog] = n
	c.Logf("Deleted %d task log entries older than %s.", n, w.TaskLogCutoff().Format(time.RFC3339))
	return nil
}

type errorLogStep struct {
	store repo.ErrorLogRetention
}

func (errorLogStep) Name() string { return StepErrorLog }

func (errorLogStep) ContinueWith(w *WorkItem) task.Execution {
	if w.ErrorLogRetention == 0 {
		return task.StepOver
	}
	return task.Execute
}

func (s errorLogStep) Execute(ctx context.Context, w *WorkItem, c *task.Context) error {
	n, err := s.store.DeleteErrorLogBefore(ctx, w.ErrorLogCutoff())
	if err != nil {
		return fmt.Errorf("delete error log: %w", err)
	}
	w.Removed[StepErrorLog] = n
	c.Logf("Deleted %d error log entries older than %s.", n, w.ErrorLogCutoff().Format(time.RFC3339))
	return nil
}

type archiveStep struct{}

func (archiveStep) Name() string { return StepArchives }

func (archiveStep) ContinueWith(w *WorkItem) task.Execution {
	if w.Archives == nil {
		return task.StepOver
	}
	return task.Execute
}

func (archiveStep) Execute(ctx context.Context, w *WorkItem, c *task.Context) error {
	n, err := w.Archives.CleanUpExpired(ctx)
	if err != nil {
		return fmt.Errorf("clean up archives: %w", err)
	}
	w.Removed[StepArchives] = int64(n)
	c.Logf("Deleted %d expired archives.", n)
	return nil
}
