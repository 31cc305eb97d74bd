// Package config loads runtime settings from the environment and per-task
// concurrency policies from a YAML file.
package config

import (
	"errors"
	"time"

	"github.com/animus-labs/animus-tasks/internal/concurrency"
	"github.com/animus-labs/animus-tasks/internal/mutex"
	"github.com/animus-labs/animus-tasks/internal/platform/auth"
	"github.com/animus-labs/animus-tasks/internal/platform/database"
	"github.com/animus-labs/animus-tasks/internal/platform/env"
	"github.com/animus-labs/animus-tasks/internal/platform/objectstore"
)

type Settings struct {
	Database    database.Config
	ObjectStore objectstore.Config
	OpsAuth     auth.Config

	MachineName          string
	QueryLockInterval    time.Duration
	DefaultWaitTime      time.Duration
	PreventConcurrentAll bool
	MutexDisabled        bool
	PolicyFile           string

	RepeatInterval         time.Duration
	ArchiveOutput          bool
	ArchiveOutputRetention time.Duration
	TaskLogRetention       time.Duration
	ErrorLogRetention      time.Duration

	HTTPAddr        string
	ShutdownTimeout time.Duration
}

func FromEnv(src env.Source) (Settings, error) {
	var (
		s   Settings
		err error
	)
	if s.Database, err = database.ConfigFromEnv(src); err != nil {
		return Settings{}, err
	}
	if s.ObjectStore, err = objectstore.ConfigFromEnv(src); err != nil {
		return Settings{}, err
	}
	if s.OpsAuth, err = auth.ConfigFromEnv(src); err != nil {
		return Settings{}, err
	}

	s.MachineName = src.String("TASKS_MACHINE_NAME", "")
	s.PolicyFile = src.String("TASKS_POLICY_FILE", "")
	s.HTTPAddr = src.String("TASKS_HTTP_ADDR", ":8090")

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"TASKS_QUERY_LOCK_INTERVAL", mutex.DefaultPollInterval, &s.QueryLockInterval},
		{"TASKS_DEFAULT_WAIT_TIME", concurrency.DefaultWaitTime, &s.DefaultWaitTime},
		{"TASKS_REPEAT_INTERVAL", time.Minute, &s.RepeatInterval},
		{"TASKS_ARCHIVE_OUTPUT_RETENTION", 30 * 24 * time.Hour, &s.ArchiveOutputRetention},
		{"TASKS_MAINTENANCE_TASKLOG_RETENTION", 30 * 24 * time.Hour, &s.TaskLogRetention},
		{"TASKS_MAINTENANCE_ERRORLOG_RETENTION", 90 * 24 * time.Hour, &s.ErrorLogRetention},
		{"TASKS_SHUTDOWN_TIMEOUT", 10 * time.Second, &s.ShutdownTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = src.Duration(d.key, d.def); err != nil {
			return Settings{}, err
		}
	}

	flags := []struct {
		key string
		dst *bool
	}{
		{"TASKS_PREVENT_CONCURRENT_ALL", &s.PreventConcurrentAll},
		{"TASKS_MUTEX_DISABLED", &s.MutexDisabled},
		{"TASKS_ARCHIVE_OUTPUT", &s.ArchiveOutput},
	}
	for _, f := range flags {
		if *f.dst, err = src.Bool(f.key, false); err != nil {
			return Settings{}, err
		}
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if s.QueryLockInterval <= 0 {
		return errors.New("query lock interval must be positive")
	}
	if s.DefaultWaitTime < 0 {
		return errors.New("default wait time must be >= 0")
	}
	if s.RepeatInterval <= 0 {
		return errors.New("repeat interval must be positive")
	}
	if s.TaskLogRetention < 0 || s.ErrorLogRetention < 0 || s.ArchiveOutputRetention < 0 {
		return errors.New("retention must be >= 0")
	}
	if s.ArchiveOutput && !s.ObjectStore.Enabled() {
		return errors.New("archiving output requires TASKS_MINIO_ENDPOINT")
	}
	if s.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	return nil
}
