package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/animus-tasks/internal/archive"
	"github.com/animus-labs/animus-tasks/internal/concurrency"
	"github.com/animus-labs/animus-tasks/internal/config"
	"github.com/animus-labs/animus-tasks/internal/mutex"
	"github.com/animus-labs/animus-tasks/internal/platform/database"
	"github.com/animus-labs/animus-tasks/internal/platform/env"
	"github.com/animus-labs/animus-tasks/internal/platform/objectstore"
	"github.com/animus-labs/animus-tasks/internal/repo/sqlrepo"
	"github.com/animus-labs/animus-tasks/internal/runlog"
	"github.com/animus-labs/animus-tasks/internal/task"
	"github.com/animus-labs/animus-tasks/internal/taskhost"
	"github.com/animus-labs/animus-tasks/internal/tasks/maintenance"
	"github.com/animus-labs/animus-tasks/internal/tasks/migrate"
)

// app holds the components every sub-command shares.
type app struct {
	settings config.Settings
	logger   *slog.Logger
	db       *sql.DB
	dialect  sqlrepo.Dialect
	runs     *sqlrepo.RunLogStore
	log      *runlog.Logger
	mutex    *mutex.Mutex
	guard    *concurrency.Guard
	minio    *minio.Client
	archive  *archive.Service
	factory  *taskhost.Factory
	host     *taskhost.Host
}

func openApp(ctx context.Context, logger *slog.Logger, out io.Writer) (*app, error) {
	settings, err := config.FromEnv(env.OS())
	if err != nil {
		return nil, configError{fmt.Errorf("invalid config: %w", err)}
	}
	dialect, err := sqlrepo.DialectForDriver(settings.Database.Driver)
	if err != nil {
		return nil, configError{err}
	}

	db, err := database.Open(ctx, settings.Database)
	if err != nil {
		return nil, fmt.Errorf("database unavailable: %w", err)
	}
	a := &app{settings: settings, logger: logger, db: db, dialect: dialect}
	if err := a.wire(ctx, out); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, out io.Writer) error {
	s := a.settings
	a.runs = sqlrepo.NewRunLogStore(a.db)
	errs := sqlrepo.NewErrorStore(a.db)

	var err error
	a.log, err = runlog.NewLogger(a.runs, errs, a.logger, runlog.WithIdentity(runlog.CurrentIdentity(s.MachineName)))
	if err != nil {
		return err
	}
	a.mutex, err = mutex.New(sqlrepo.NewLockStore(a.db), mutex.Config{
		PollInterval: s.QueryLockInterval,
		MachineName:  a.log.Identity().MachineName,
		Disabled:     s.MutexDisabled,
	}, a.logger)
	if err != nil {
		return err
	}
	a.guard, err = concurrency.NewGuard(a.mutex, a.log, concurrency.Options{
		PreventAll:      s.PreventConcurrentAll,
		DefaultWaitTime: s.DefaultWaitTime,
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}
	if s.PolicyFile != "" {
		file, err := config.LoadPolicyFile(s.PolicyFile)
		if err != nil {
			return configError{err}
		}
		policies, err := file.Resolve(nil)
		if err != nil {
			return configError{err}
		}
		if err := config.Apply(a.guard, policies); err != nil {
			return configError{err}
		}
	}

	if s.ObjectStore.Enabled() {
		if err := a.openArchive(ctx); err != nil {
			return err
		}
	}

	opts := []task.RunnerOption{task.WithGuard(a.guard), task.WithOutput(out), task.WithLogger(a.logger)}
	if s.ArchiveOutput {
		opts = append(opts, task.WithArchiver(a.archive))
	}
	runner, err := task.NewRunner(a.log, opts...)
	if err != nil {
		return err
	}

	mOpts := maintenance.Options{
		TaskLog:           a.runs,
		ErrorLog:          errs,
		TaskLogRetention:  s.TaskLogRetention,
		ErrorLogRetention: s.ErrorLogRetention,
	}
	if a.archive != nil {
		mOpts.Archives = a.archive
	}
	maint, err := maintenance.New(mOpts)
	if err != nil {
		return err
	}
	mig, err := migrate.New(a.db, a.dialect)
	if err != nil {
		return err
	}
	if a.factory, err = taskhost.NewFactory(maint, mig); err != nil {
		return err
	}
	a.host, err = taskhost.NewHost(a.factory, runner, a.log, a.logger)
	return err
}

func (a *app) openArchive(ctx context.Context) error {
	cfg := a.settings.ObjectStore
	client, err := objectstore.NewMinIOClient(cfg)
	if err != nil {
		return configError{err}
	}
	if err := objectstore.EnsureBucket(ctx, client, cfg); err != nil {
		return fmt.Errorf("archive bucket unavailable: %w", err)
	}
	store, err := archive.NewMinioStoreWithClient(client)
	if err != nil {
		return err
	}
	a.archive, err = archive.NewService(store, archive.Options{
		Bucket:          cfg.Bucket,
		OutputRetention: a.settings.ArchiveOutputRetention,
	})
	if err != nil {
		return err
	}
	a.minio = client
	return nil
}

// initSchema creates the tables with run logging disabled, since the task log
// table may not exist yet. The lock guard is bypassed for the same reason.
func (a *app) initSchema(ctx context.Context, out io.Writer) (task.Result, error) {
	scope := a.log.Disable()
	defer scope.Release()

	mig, err := a.factory.Get(migrate.TaskName)
	if err != nil {
		return task.Result{}, err
	}
	runner, err := task.NewRunner(a.log, task.WithOutput(out), task.WithLogger(a.logger))
	if err != nil {
		return task.Result{}, err
	}
	return runner.Execute(ctx, mig, task.Arguments{})
}

func (a *app) Close() error {
	if a == nil || a.db == nil {
		return errors.New("app not initialized")
	}
	return a.db.Close()
}
