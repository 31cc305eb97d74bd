package concurrency

import (
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-tasks/internal/task"
)

// Mode selects whether a task takes the distributed lock.
type Mode string

const (
	// ModeDefault follows the guard-wide prevent-all setting.
	ModeDefault Mode = "default"
	ModePrevent Mode = "prevent"
	ModeAllow   Mode = "allow"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeDefault:
		return ModeDefault, nil
	case ModePrevent:
		return ModePrevent, nil
	case ModeAllow:
		return ModeAllow, nil
	default:
		return "", fmt.Errorf("unknown concurrency mode %q", s)
	}
}

// Evaluator decides at run time whether an invocation needs the lock.
type Evaluator func(t task.Task, args task.Arguments) bool

// LockNameFunc overrides the lock name. A blank result keeps the task name.
type LockNameFunc func(t task.Task, args task.Arguments) string

// LockDescriptionFunc receives the default description and returns the one
// to store with the lock row.
type LockDescriptionFunc func(t task.Task, args task.Arguments, description string) string

// Policy is the per-task concurrency configuration. A zero WaitTime uses the
// guard default.
type Policy struct {
	Mode            Mode
	WaitTime        time.Duration
	Evaluator       Evaluator
	LockName        LockNameFunc
	LockDescription LockDescriptionFunc
}

func (p Policy) Validate() error {
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return err
	}
	if p.WaitTime < 0 {
		return fmt.Errorf("wait time must be >= 0")
	}
	return nil
}

// StaticLockName always uses name.
func StaticLockName(name string) LockNameFunc {
	name = strings.TrimSpace(name)
	return func(task.Task, task.Arguments) string { return name }
}

// AppendDescription adds text to the default description.
func AppendDescription(text string) LockDescriptionFunc {
	text = strings.TrimSpace(text)
	return func(_ task.Task, _ task.Arguments, description string) string {
		if text == "" {
			return description
		}
		return description + " " + text
	}
}

// DefaultDescription is stored with the lock unless a policy overrides it.
func DefaultDescription(taskName string, taskRunID int64) string {
	id := "<n/a>"
	if taskRunID != 0 {
		id = fmt.Sprintf("%d", taskRunID)
	}
	return fmt.Sprintf("Acquired by '%s'. TaskLogId: %s.", taskName, id)
}
