package mutex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/animus-tasks/internal/repo"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultReleaseTimeout = 10 * time.Second
)

// Context describes one acquisition request.
type Context struct {
	Name     string
	WaitTime time.Duration
	// PollInterval overrides the mutex-wide interval when positive.
	PollInterval time.Duration
	// Description is stored with the row for anyone inspecting held locks.
	Description string
	// Waiting receives one diagnostic line per conflicting attempt that is
	// followed by another attempt.
	Waiting func(message string)
}

type Config struct {
	PollInterval   time.Duration
	MachineName    string
	Disabled       bool
	ReleaseTimeout time.Duration
}

type Mutex struct {
	store    repo.LockStore
	cfg      Config
	logger   *slog.Logger
	clock    clockwork.Clock
	newToken func() string
}

func New(store repo.LockStore, cfg Config, logger *slog.Logger) (*Mutex, error) {
	if store == nil {
		return nil, errors.New("lock store is required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollInterval < 0 {
		return nil, errors.New("poll interval must be positive")
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = DefaultReleaseTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Mutex{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		clock:    clockwork.NewRealClock(),
		newToken: uuid.NewString,
	}, nil
}

// Enter acquires the lock described by lc. It returns a nil Lock and no error
// when the mutex is disabled.
func (m *Mutex) Enter(ctx context.Context, lc Context) (*Lock, error) {
	if m == nil || m.store == nil {
		return nil, errors.New("mutex not initialized")
	}
	name := strings.TrimSpace(lc.Name)
	if name == "" {
		return nil, errors.New("lock name is required")
	}
	if lc.WaitTime < 0 {
		return nil, errors.New("wait time must be >= 0")
	}
	poll := lc.PollInterval
	if poll <= 0 {
		poll = m.cfg.PollInterval
	}
	if m.cfg.Disabled {
		m.logger.Debug("distributed mutex disabled", "lock", name)
		return nil, nil
	}

	maxAttempts := int(math.Ceil(float64(lc.WaitTime) / float64(poll)))
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	record := repo.LockRecord{
		Name:        name,
		LockID:      m.newToken(),
		MachineName: m.cfg.MachineName,
		Description: lc.Description,
	}

	var holder *repo.LockRecord
	attempts := 0
	for {
		record.CreatedAt = m.clock.Now().UTC()
		current, err := m.store.TryInsertLock(ctx, record)
		if err == nil {
			return m.newLock(ctx, record), nil
		}
		if !errors.Is(err, repo.ErrLockConflict) {
			return nil, &IrrecoverableError{Name: name, Err: err}
		}
		if current != nil {
			holder = current
		}

		attempts++
		if attempts >= maxAttempts {
			break
		}

		if lc.Waiting != nil {
			lc.Waiting(waitingMessage(name, current, poll, attempts, maxAttempts))
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock '%s': %w", name, ctx.Err())
		case <-m.clock.After(poll):
		}
	}

	return nil, &TimeoutError{
		Name:         name,
		WaitTime:     lc.WaitTime,
		PollInterval: poll,
		Attempts:     attempts,
		Holder:       holder,
	}
}

func waitingMessage(name string, holder *repo.LockRecord, poll time.Duration, attempt, maxAttempts int) string {
	current := fmt.Sprintf("Lock '%s' is held", name)
	if holder != nil {
		current = holder.String()
	}
	return fmt.Sprintf("%s. Waiting for %s (attempt %d of %d).", current, poll, attempt, maxAttempts)
}

func (m *Mutex) newLock(ctx context.Context, record repo.LockRecord) *Lock {
	l := &Lock{
		record:  record,
		store:   m.store,
		timeout: m.cfg.ReleaseTimeout,
		logger:  m.logger,
	}
	l.stop = context.AfterFunc(ctx, func() {
		if err := l.release(context.Background()); err != nil {
			l.logger.Error("release lock on cancellation", "lock", record.Name, "error", err)
		}
	})
	return l
}

// HeldLocks lists every lock row currently in the store.
func (m *Mutex) HeldLocks(ctx context.Context) ([]repo.LockRecord, error) {
	if m == nil || m.store == nil {
		return nil, errors.New("mutex not initialized")
	}
	return m.store.ListLocks(ctx)
}
