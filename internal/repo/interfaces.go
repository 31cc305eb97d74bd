package repo

import (
	"context"
	"time"
)

// LockStore persists distributed mutex rows.
type LockStore interface {
	// TryInsertLock inserts record. On a name conflict it returns ErrLockConflict
	// together with the current holder, if the holder could still be read.
	TryInsertLock(ctx context.Context, record LockRecord) (*LockRecord, error)
	// DeleteLock removes the row matching both name and lock id.
	DeleteLock(ctx context.Context, name, lockID string) (bool, error)
	ListLocks(ctx context.Context) ([]LockRecord, error)
}

// RunLogStore persists task, step and message rows of the task log.
type RunLogStore interface {
	InsertTaskRun(ctx context.Context, record TaskRunRecord) (int64, error)
	UpdateTaskRun(ctx context.Context, record TaskRunRecord) error
	InsertStepRun(ctx context.Context, record StepRunRecord) (int64, error)
	UpdateStepRun(ctx context.Context, record StepRunRecord) error
	InsertMessage(ctx context.Context, record MessageRecord) (int64, error)
}

// RunLogReader serves read-only visibility over past runs.
type RunLogReader interface {
	ListTaskRuns(ctx context.Context, filter TaskRunFilter) ([]TaskRunRecord, error)
	GetTaskRun(ctx context.Context, id int64) (TaskRunDetail, error)
}

// ErrorStore persists error records.
type ErrorStore interface {
	InsertError(ctx context.Context, record ErrorRecord) (int64, error)
}

// TaskLogRetention removes task runs (with their steps and messages) started before cutoff.
type TaskLogRetention interface {
	DeleteTaskLogBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ErrorLogRetention removes error records that occurred before cutoff.
type ErrorLogRetention interface {
	DeleteErrorLogBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
