package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-tasks/internal/opsapi"
	"github.com/animus-labs/animus-tasks/internal/platform/auth"
	"github.com/animus-labs/animus-tasks/internal/platform/httpserver"
	"github.com/animus-labs/animus-tasks/internal/platform/objectstore"
	"github.com/animus-labs/animus-tasks/internal/repo"
	"github.com/animus-labs/animus-tasks/internal/task"
)

const serviceName = "taskrunner"

func newRootCommand(logger *slog.Logger, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Run tasks under a distributed mutex and inspect their run log",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		runCommand(logger),
		serveCommand(logger),
		tasksCommand(logger),
		locksCommand(logger),
		runsCommand(logger),
		initDBCommand(logger),
	)
	return root
}

// withApp opens the shared components for one command invocation and logs a
// returned error before handing it to cobra.
func withApp(logger *slog.Logger, fn func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, logger, cmd.OutOrStdout())
		if err != nil {
			logger.ErrorContext(ctx, "startup failed", "error", err)
			return err
		}
		defer func() { _ = a.Close() }()

		if err := fn(ctx, cmd, a, args); err != nil {
			logger.ErrorContext(ctx, "command failed", "command", cmd.Name(), "error", err)
			return err
		}
		return nil
	}
}

func runCommand(logger *slog.Logger) *cobra.Command {
	var repeat bool
	cmd := &cobra.Command{
		Use:   "run <task> [key=value ...]",
		Short: "Run a task once, or repeatedly with --repeat",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(logger, func(ctx context.Context, _ *cobra.Command, a *app, args []string) error {
			taskArgs, err := task.ParseArguments(args[1:])
			if err != nil {
				return configError{err}
			}
			if repeat {
				return a.host.Repeat(ctx, args[0], taskArgs, a.settings.RepeatInterval)
			}
			_, err = a.host.Handle(ctx, args[0], taskArgs)
			return err
		}),
	}
	cmd.Flags().BoolVar(&repeat, "repeat", false, "run the task every TASKS_REPEAT_INTERVAL (or the interval argument) until interrupted")
	return cmd
}

func serveCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [task [key=value ...]]",
		Short: "Serve the ops API, optionally repeating a task in the background",
		RunE: withApp(logger, func(ctx context.Context, _ *cobra.Command, a *app, args []string) error {
			var (
				repeatTask string
				repeatArgs task.Arguments
			)
			if len(args) > 0 {
				var err error
				repeatTask = args[0]
				if repeatArgs, err = task.ParseArguments(args[1:]); err != nil {
					return configError{err}
				}
				if !a.factory.Exists(repeatTask) {
					return configError{fmt.Errorf("unknown task %q", repeatTask)}
				}
			}

			api, err := opsapi.New(logger, a.mutex, a.runs, a.host)
			if err != nil {
				return err
			}
			mux := http.NewServeMux()
			mux.HandleFunc("GET /healthz", httpserver.Healthz(serviceName))
			mux.HandleFunc("GET /readyz", httpserver.Readyz(serviceName, a.readinessChecks()...))
			api.Register(mux)

			handler := http.Handler(mux)
			if a.settings.OpsAuth.Enabled() {
				authn, err := auth.NewTokenAuthenticator(a.settings.OpsAuth)
				if err != nil {
					return configError{err}
				}
				handler = auth.Middleware{
					Logger:        logger,
					Authenticator: authn,
					Authorize:     auth.MethodRoleAuthorizer,
					SkipPrefixes:  []string{"/healthz", "/readyz"},
				}.Wrap(mux)
			}

			cfg := httpserver.Config{
				Service:         serviceName,
				Addr:            a.settings.HTTPAddr,
				ShutdownTimeout: a.settings.ShutdownTimeout,
			}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return httpserver.Run(gctx, logger, cfg, httpserver.Wrap(logger, handler))
			})
			if repeatTask != "" {
				g.Go(func() error {
					return a.host.Repeat(gctx, repeatTask, repeatArgs, a.settings.RepeatInterval)
				})
			}
			return g.Wait()
		}),
	}
}

func (a *app) readinessChecks() []httpserver.ReadinessCheck {
	checks := []httpserver.ReadinessCheck{{
		Name: "database",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return a.db.PingContext(checkCtx)
		},
	}}
	if a.minio != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "archive",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckBucket(checkCtx, a.minio, a.settings.ObjectStore)
			},
		})
	}
	return checks
}

func tasksCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List registered tasks",
		Args:  cobra.NoArgs,
		RunE: withApp(logger, func(_ context.Context, cmd *cobra.Command, a *app, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTEPS\tDESCRIPTION")
			for _, t := range a.factory.List() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name(), strings.Join(t.StepNames(), ","), t.Description())
			}
			return tw.Flush()
		}),
	}
}

func locksCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List held distributed mutex locks",
		Args:  cobra.NoArgs,
		RunE: withApp(logger, func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			locks, err := a.mutex.HeldLocks(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tMACHINE\tACQUIRED\tDESCRIPTION")
			for _, l := range locks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.Name, l.MachineName, l.CreatedAt.UTC().Format(time.RFC3339), l.Description)
			}
			return tw.Flush()
		}),
	}
}

func runsCommand(logger *slog.Logger) *cobra.Command {
	var (
		taskName string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "runs [id]",
		Short: "List recent task runs, or show one run with its steps and messages",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(logger, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return configError{fmt.Errorf("invalid run id %q", args[0])}
				}
				detail, err := a.runs.GetTaskRun(ctx, id)
				if err != nil {
					return err
				}
				printRunDetail(out, detail)
				return nil
			}

			runs, err := a.runs.ListTaskRuns(ctx, repo.TaskRunFilter{TaskName: taskName, Limit: limit})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTASK\tMACHINE\tSTARTED\tELAPSED\tSTATUS")
			for _, r := range runs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.3fs\t%s\n",
					r.ID, r.TaskName, r.MachineName, r.StartedAt.UTC().Format(time.RFC3339), r.ElapsedSeconds, status(r.ErrorID))
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().StringVar(&taskName, "task", "", "only runs of this task")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

func printRunDetail(w io.Writer, d repo.TaskRunDetail) {
	fmt.Fprintf(w, "Task run %d: %s on %s, started %s, %.3fs, %s\n",
		d.Run.ID, d.Run.TaskName, d.Run.MachineName, d.Run.StartedAt.UTC().Format(time.RFC3339), d.Run.ElapsedSeconds, status(d.Run.ErrorID))
	for _, s := range d.Steps {
		fmt.Fprintf(w, "  step %s: %.3fs, %s\n", s.StepName, s.ElapsedSeconds, status(s.ErrorID))
	}
	for _, m := range d.Messages {
		prefix := ""
		if m.StepName != "" {
			prefix = m.StepName + ": "
		}
		fmt.Fprintf(w, "  [%s] %s%s\n", m.LoggedAt.UTC().Format(time.TimeOnly), prefix, m.Message)
	}
	if d.Error != nil {
		fmt.Fprintf(w, "  error %d (%s): %s\n", d.Error.ID, d.Error.Severity, d.Error.Message)
	}
}

func status(errorID *int64) string {
	if errorID == nil {
		return "ok"
	}
	return "failed (error " + strconv.FormatInt(*errorID, 10) + ")"
}

func initDBCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the lock, task log and error log tables",
		Args:  cobra.NoArgs,
		RunE: withApp(logger, func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			_, err := a.initSchema(ctx, cmd.OutOrStdout())
			return err
		}),
	}
}
