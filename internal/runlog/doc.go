// Package runlog records task executions as a strict hierarchy.
//
// A TaskRun owns the StepRuns and MessageRuns created through it. Every entry
// is persisted by the Logger on creation (insert, assigning the generated id)
// and runs are persisted again once when finished (update with elapsed time
// and error reference). Messages are write-once.
//
// Logger.Disable returns a scope that suppresses all persistence until it is
// released. Scopes nest; the in-memory hierarchy behaves the same either way.
package runlog
