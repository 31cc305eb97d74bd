package mutex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/animus-labs/animus-tasks/internal/repo"
)

// Lock is a held distributed lock.
type Lock struct {
	record  repo.LockRecord
	store   repo.LockStore
	timeout time.Duration
	logger  *slog.Logger
	stop    func() bool

	mu       sync.Mutex
	released bool
}

func (l *Lock) Record() repo.LockRecord {
	return l.record
}

// Release deletes the lock row. It is safe to call more than once and
// concurrently with a cancellation-driven release. A nil Lock is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if l.stop != nil {
		l.stop()
	}
	return l.release(ctx)
}

func (l *Lock) release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}

	// The caller's context may already be cancelled; the row must still go.
	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	deleted, err := l.store.DeleteLock(deleteCtx, l.record.Name, l.record.LockID)
	if err != nil {
		return fmt.Errorf("release lock '%s': %w", l.record.Name, err)
	}
	if !deleted {
		l.logger.Warn("lock row already gone on release", "lock", l.record.Name, "lock_id", l.record.LockID)
	}
	l.released = true
	return nil
}
