// Command taskrunner runs named tasks under the distributed mutex and records
// every run in the task log.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/animus-labs/animus-tasks/internal/task"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(exitCode(err))
	}
}

type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

// exitCode is 2 for configuration errors, 3 for failed task executions and 1
// otherwise.
func exitCode(err error) int {
	var cfgErr configError
	if errors.As(err, &cfgErr) {
		return 2
	}
	var failure *task.ExecutionFailedError
	if errors.As(err, &failure) {
		return 3
	}
	return 1
}
