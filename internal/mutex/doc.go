// Package mutex implements a named, time-bounded lock over a shared store.
//
// Acquisition inserts a row keyed by the lock name with a fresh token. A
// uniqueness conflict means another holder owns the name; the holder is read
// back for diagnostics and the insert is retried once per poll interval until
// ceil(wait/poll) attempts have been made, then TimeoutError is returned.
// Any other store failure is returned immediately as IrrecoverableError.
//
// A held Lock is released by deleting the row matching both name and token,
// so a row re-acquired by someone else is never removed. Release happens on
// the first of Lock.Release or cancellation of the context passed to Enter;
// the store sees at most one delete.
//
// The timeout counts attempts, not wall-clock time. Slow store round trips can
// therefore extend the effective wait beyond the nominal budget.
package mutex
