package task

import (
	"fmt"
	"strings"
)

// Phase identifies where a task execution failed.
type Phase string

const (
	PhaseLock  Phase = "lock"
	PhaseStart Phase = "start"
	PhaseStep  Phase = "step"
	PhaseEnd   Phase = "end"
)

// ExecutionFailedError is returned by Runner.Execute for every failure during
// lock acquisition, start, a step or end. Err is the original cause.
// LogErr is set when the failure could not be recorded anywhere.
type ExecutionFailedError struct {
	Phase  Phase
	Step   string
	Reason string
	Err    error
	LogErr error
}

func (e *ExecutionFailedError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = defaultReason(e.Phase, e.Step)
	}
	if e.Err == nil {
		return reason
	}
	return strings.TrimSuffix(reason, ".") + ": " + e.Err.Error()
}

func (e *ExecutionFailedError) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.LogErr != nil {
		errs = append(errs, e.LogErr)
	}
	return errs
}

func defaultReason(phase Phase, step string) string {
	switch phase {
	case PhaseStart:
		return "Starting task failed."
	case PhaseStep:
		return fmt.Sprintf("Step '%s' failed.", step)
	case PhaseEnd:
		return "Ending task failed."
	case PhaseLock:
		return "Acquiring task lock failed."
	default:
		return "Task execution failed."
	}
}
