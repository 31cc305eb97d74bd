package mutex

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/animus-tasks/internal/repo"
)

type fakeLockStore struct {
	mu       sync.Mutex
	rows     map[string]repo.LockRecord
	attempts int
	deletes  int
	// failInsert, when set, is returned by every insert.
	failInsert error
	// releaseAfter frees the lock row after this many conflicting attempts.
	releaseAfter int
}

func newFakeLockStore() *fakeLockStore {
	return &fakeLockStore{rows: map[string]repo.LockRecord{}}
}

func (s *fakeLockStore) TryInsertLock(ctx context.Context, record repo.LockRecord) (*repo.LockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failInsert != nil {
		return nil, s.failInsert
	}
	if s.releaseAfter > 0 && s.attempts > s.releaseAfter {
		delete(s.rows, record.Name)
	}
	if existing, ok := s.rows[record.Name]; ok {
		holder := existing
		return &holder, repo.ErrLockConflict
	}
	s.rows[record.Name] = record
	return nil, nil
}

func (s *fakeLockStore) DeleteLock(ctx context.Context, name, lockID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if existing, ok := s.rows[name]; ok && existing.LockID == lockID {
		delete(s.rows, name)
		return true, nil
	}
	return false, nil
}

func (s *fakeLockStore) ListLocks(ctx context.Context) ([]repo.LockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repo.LockRecord, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	return out, nil
}

func (s *fakeLockStore) counts() (attempts, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, s.deletes
}

func (s *fakeLockStore) hold(name, lockID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[name] = repo.LockRecord{Name: name, LockID: lockID, MachineName: "other-host", Description: "held elsewhere"}
}

func newTestMutex(t *testing.T, store repo.LockStore) (*Mutex, *clockwork.FakeClock) {
	t.Helper()
	m, err := New(store, Config{PollInterval: time.Second, MachineName: "host-a"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clk := clockwork.NewFakeClock()
	m.clock = clk
	return m, clk
}

func TestEnterAcquiresAndReleasesOnce(t *testing.T) {
	store := newFakeLockStore()
	m, _ := newTestMutex(t, store)

	lock, err := m.Enter(context.Background(), Context{Name: "Cleanup", WaitTime: 5 * time.Second, Description: "desc"})
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if lock == nil {
		t.Fatalf("expected lock")
	}
	rec := lock.Record()
	if rec.MachineName != "host-a" || rec.Description != "desc" || rec.LockID == "" {
		t.Fatalf("unexpected record %+v", rec)
	}

	if err := lock.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(context.Background()); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, deletes := store.counts(); deletes != 1 {
		t.Fatalf("deletes=%d, want 1", deletes)
	}
}

func TestEnterTimesOutAfterCeilAttempts(t *testing.T) {
	store := newFakeLockStore()
	store.hold("Cleanup", "foreign")
	m, clk := newTestMutex(t, store)

	var waiting []string
	type result struct {
		lock *Lock
		err  error
	}
	done := make(chan result, 1)
	go func() {
		lock, err := m.Enter(context.Background(), Context{
			Name:     "Cleanup",
			WaitTime: 5 * time.Second,
			Waiting:  func(msg string) { waiting = append(waiting, msg) },
		})
		done <- result{lock, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 4; i++ {
		if err := clk.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("waiting for poll %d: %v", i, err)
		}
		clk.Advance(time.Second)
	}

	res := <-done
	if res.lock != nil {
		t.Fatalf("expected no lock")
	}
	var timeout *TimeoutError
	if !errors.As(res.err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", res.err)
	}
	if !errors.Is(res.err, ErrTimeout) {
		t.Fatalf("expected errors.Is ErrTimeout")
	}
	if timeout.Attempts != 5 || timeout.WaitTime != 5*time.Second || timeout.PollInterval != time.Second {
		t.Fatalf("unexpected timeout %+v", timeout)
	}
	if timeout.Holder == nil || timeout.Holder.LockID != "foreign" {
		t.Fatalf("expected holder snapshot, got %+v", timeout.Holder)
	}
	if attempts, _ := store.counts(); attempts != 5 {
		t.Fatalf("store attempts=%d, want 5", attempts)
	}
	if len(waiting) != 4 {
		t.Fatalf("waiting callbacks=%d, want 4", len(waiting))
	}
}

func TestEnterZeroWaitMakesSingleAttempt(t *testing.T) {
	store := newFakeLockStore()
	store.hold("Cleanup", "foreign")
	m, _ := newTestMutex(t, store)

	_, err := m.Enter(context.Background(), Context{Name: "Cleanup"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if attempts, _ := store.counts(); attempts != 1 {
		t.Fatalf("attempts=%d, want 1", attempts)
	}
}

func TestEnterSucceedsOnceHolderReleases(t *testing.T) {
	store := newFakeLockStore()
	store.hold("Cleanup", "foreign")
	store.releaseAfter = 2
	m, clk := newTestMutex(t, store)

	done := make(chan error, 1)
	go func() {
		lock, err := m.Enter(context.Background(), Context{Name: "Cleanup", WaitTime: 10 * time.Second})
		if err == nil && lock == nil {
			err = errors.New("nil lock")
		}
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		if err := clk.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("block: %v", err)
		}
		clk.Advance(time.Second)
	}
	if err := <-done; err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if attempts, _ := store.counts(); attempts != 3 {
		t.Fatalf("attempts=%d, want 3", attempts)
	}
}

func TestEnterDoesNotRetryStoreFailure(t *testing.T) {
	store := newFakeLockStore()
	store.failInsert = errors.New("connection reset")
	m, _ := newTestMutex(t, store)

	_, err := m.Enter(context.Background(), Context{Name: "Cleanup", WaitTime: time.Minute})
	var irrecoverable *IrrecoverableError
	if !errors.As(err, &irrecoverable) {
		t.Fatalf("expected IrrecoverableError, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("store failure must not look like a timeout")
	}
	if attempts, _ := store.counts(); attempts != 1 {
		t.Fatalf("attempts=%d, want 1", attempts)
	}
}

func TestEnterAbortsWaitOnCancellation(t *testing.T) {
	store := newFakeLockStore()
	store.hold("Cleanup", "foreign")
	m, clk := newTestMutex(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Enter(ctx, Context{Name: "Cleanup", WaitTime: time.Minute})
		done <- err
	}()

	blockCtx, blockCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer blockCancel()
	if err := clk.BlockUntilContext(blockCtx, 1); err != nil {
		t.Fatalf("block: %v", err)
	}
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCancellationReleasesHeldLockOnce(t *testing.T) {
	store := newFakeLockStore()
	m, _ := newTestMutex(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	lock, err := m.Enter(ctx, Context{Name: "Cleanup", WaitTime: time.Second})
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, deletes := store.counts(); deletes == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected cancellation-driven release")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := lock.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, deletes := store.counts(); deletes != 1 {
		t.Fatalf("deletes=%d, want 1", deletes)
	}
	locks, _ := store.ListLocks(context.Background())
	if len(locks) != 0 {
		t.Fatalf("expected empty store, got %d", len(locks))
	}
}

func TestReleaseNeverDeletesForeignRow(t *testing.T) {
	store := newFakeLockStore()
	m, _ := newTestMutex(t, store)

	lock, err := m.Enter(context.Background(), Context{Name: "Cleanup", WaitTime: time.Second})
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	// presumed dead and re-acquired by another machine
	store.hold("Cleanup", "someone-else")

	if err := lock.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	locks, _ := store.ListLocks(context.Background())
	if len(locks) != 1 || locks[0].LockID != "someone-else" {
		t.Fatalf("foreign row must survive, got %+v", locks)
	}
}

func TestDisabledMutexReturnsNoLock(t *testing.T) {
	store := newFakeLockStore()
	m, err := New(store, Config{Disabled: true}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lock, err := m.Enter(context.Background(), Context{Name: "Cleanup"})
	if err != nil || lock != nil {
		t.Fatalf("lock=%v err=%v", lock, err)
	}
	if err := lock.Release(context.Background()); err != nil {
		t.Fatalf("nil Release: %v", err)
	}
	if attempts, _ := store.counts(); attempts != 0 {
		t.Fatalf("attempts=%d, want 0", attempts)
	}
}

func TestEnterValidatesContext(t *testing.T) {
	m, _ := newTestMutex(t, newFakeLockStore())
	cases := []struct {
		name string
		lc   Context
	}{
		{name: "empty name", lc: Context{Name: "  "}},
		{name: "negative wait", lc: Context{Name: "x", WaitTime: -time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Enter(context.Background(), tc.lc); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if _, err := New(nil, Config{}, nil); err == nil {
		t.Fatalf("expected store required error")
	}
}

func TestTimeoutErrorMessage(t *testing.T) {
	err := &TimeoutError{Name: "Cleanup", WaitTime: 5 * time.Second, PollInterval: time.Second, Attempts: 5}
	want := "Unable to acquire lock 'Cleanup' within wait time (5s) using 5 attempts with a query interval of 1s. Current holder unknown."
	if err.Error() != want {
		t.Fatalf("Error()=%q\nwant %q", err.Error(), want)
	}
}
