package mutex

import (
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/animus-tasks/internal/repo"
)

var ErrTimeout = errors.New("distributed mutex timeout")

// TimeoutError reports that every attempt within the wait budget conflicted.
type TimeoutError struct {
	Name         string
	WaitTime     time.Duration
	PollInterval time.Duration
	Attempts     int
	// Holder is the last holder seen, nil if it could not be read.
	Holder *repo.LockRecord
}

func (e *TimeoutError) Error() string {
	holder := "Current holder unknown."
	if e.Holder != nil {
		holder = e.Holder.String() + "."
	}
	return fmt.Sprintf(
		"Unable to acquire lock '%s' within wait time (%s) using %d attempts with a query interval of %s. %s",
		e.Name, e.WaitTime, e.Attempts, e.PollInterval, holder,
	)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// IrrecoverableError wraps a store failure other than a name conflict.
type IrrecoverableError struct {
	Name string
	Err  error
}

func (e *IrrecoverableError) Error() string {
	return fmt.Sprintf("probe lock '%s': %v", e.Name, e.Err)
}

func (e *IrrecoverableError) Unwrap() error {
	return e.Err
}
