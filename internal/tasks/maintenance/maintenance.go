// Package maintenance provides the built-in task that trims old task log,
// error log and archive entries.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/animus-tasks/internal/repo"
	"github.com/animus-labs/animus-tasks/internal/task"
)

const (
	TaskName = "Maintenance"

	StepTaskLog  = "CleanUpTaskLog"
	StepErrorLog = "CleanUpErrorLog"
	StepArchives = "CleanUpArchives"

	// Arguments overriding the configured retention, as Go durations.
	ArgTaskLogRetention  = "tasklog-retention"
	ArgErrorLogRetention = "errorlog-retention"
)

// ArchiveCleaner is implemented by *archive.Service.
type ArchiveCleaner interface {
	CleanUpExpired(ctx context.Context) (int, error)
}

// Options configures the task. A zero retention skips the matching step; a
// nil Archives skips archive cleanup.
type Options struct {
	TaskLog           repo.TaskLogRetention
	ErrorLog          repo.ErrorLogRetention
	Archives          ArchiveCleaner
	TaskLogRetention  time.Duration
	ErrorLogRetention time.Duration
	Clock             clockwork.Clock
}

// WorkItem carries the cutoffs computed at start and what each step removed.
type WorkItem struct {
	Now               time.Time
	TaskLogRetention  time.Duration
	ErrorLogRetention time.Duration
	Archives          ArchiveCleaner
	Removed           map[string]int64
}

func (w *WorkItem) TaskLogCutoff() time.Time  { return w.Now.Add(-w.TaskLogRetention) }
func (w *WorkItem) ErrorLogCutoff() time.Time { return w.Now.Add(-w.ErrorLogRetention) }

func New(opts Options) (task.Task, error) {
	if opts.TaskLog == nil {
		return nil, errors.New("task log retention store is required")
	}
	if opts.ErrorLog == nil {
		return nil, errors.New("error log retention store is required")
	}
	if opts.TaskLogRetention < 0 || opts.ErrorLogRetention < 0 {
		return nil, errors.New("retention must be >= 0")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return task.New(task.Definition[*WorkItem]{
		Name:        TaskName,
		Description: "Removes task log, error log and archive entries past their retention.",
		Start: func(_ context.Context, c *task.Context) (*WorkItem, error) {
			w := &WorkItem{
				Now:               opts.Clock.Now().UTC(),
				TaskLogRetention:  opts.TaskLogRetention,
				ErrorLogRetention: opts.ErrorLogRetention,
				Archives:          opts.Archives,
				Removed:           map[string]int64{},
			}
			var err error
			if w.TaskLogRetention, err = retentionArg(c.Arguments(), ArgTaskLogRetention, w.TaskLogRetention); err != nil {
				return nil, err
			}
			if w.ErrorLogRetention, err = retentionArg(c.Arguments(), ArgErrorLogRetention, w.ErrorLogRetention); err != nil {
				return nil, err
			}
			return w, nil
		},
		Steps: []task.Step[*WorkItem]{
			taskLogStep{store: opts.TaskLog},
			errorLogStep{store: opts.ErrorLog},
			archiveStep{},
		},
		End: func(_ context.Context, w *WorkItem, c *task.Context) error {
			c.Logf("Removed %d task log, %d error log and %d archive entries.",
				w.Removed[StepTaskLog], w.Removed[StepErrorLog], w.Removed[StepArchives])
			return nil
		},
	})
}

func retentionArg(args task.Arguments, key string, def time.Duration) (time.Duration, error) {
	v, ok := args.Lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("argument %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("argument %s must be >= 0", key)
	}
	return d, nil
}
