package repo

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrLockConflict reports that another holder owns the lock name.
	ErrLockConflict = errors.New("lock already held")
)

// LockRecord is one row of the distributed mutex table. Name is unique.
type LockRecord struct {
	Name        string
	LockID      string
	CreatedAt   time.Time
	MachineName string
	Description string
}

func (l LockRecord) String() string {
	s := fmt.Sprintf("Lock '%s' acquired at %s by %s", l.Name, l.CreatedAt.UTC().Format(time.RFC3339), l.MachineName)
	if l.Description != "" {
		s += " (" + l.Description + ")"
	}
	return s
}

// RunKind discriminates the rows of the task log table.
type RunKind string

const (
	RunKindTask    RunKind = "T"
	RunKindStep    RunKind = "S"
	RunKindMessage RunKind = "M"
)

type TaskRunRecord struct {
	ID             int64
	TaskName       string
	MachineName    string
	IdentityName   string
	StartedAt      time.Time
	ElapsedSeconds float64
	ErrorID        *int64
}

type StepRunRecord struct {
	ID             int64
	TaskRunID      int64
	TaskName       string
	StepName       string
	StartedAt      time.Time
	ElapsedSeconds float64
	ErrorID        *int64
}

type MessageRecord struct {
	ID        int64
	TaskRunID int64
	StepRunID *int64
	TaskName  string
	StepName  string
	Message   string
	LoggedAt  time.Time
}

type Severity string

const (
	SeverityError   Severity = "Error"
	SeverityWarning Severity = "Warning"
)

type ErrorRecord struct {
	ID               int64
	MachineName      string
	IdentityName     string
	CommandLine      string
	Severity         Severity
	Message          string
	FormattedMessage string
	OccurredAt       time.Time
	Target           string
}

type TaskRunFilter struct {
	TaskName string
	Limit    int
}

// TaskRunDetail is a task run with its steps and messages.
type TaskRunDetail struct {
	Run      TaskRunRecord
	Steps    []StepRunRecord
	Messages []MessageRecord
	Error    *ErrorRecord
}
