package sqlrepo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-tasks/internal/repo"
)

type LockStore struct {
	db DB
}

const (
	insertLockQuery = `INSERT INTO distributed_mutex (name, lock_id, created_at, machine_name, description)
	 VALUES ($1,$2,$3,$4,$5)`

	selectLockQuery = `SELECT name, lock_id, created_at, machine_name, description
	 FROM distributed_mutex
	 WHERE name = $1`

	deleteLockQuery = `DELETE FROM distributed_mutex WHERE name = $1 AND lock_id = $2`

	listLocksQuery = `SELECT name, lock_id, created_at, machine_name, description
	 FROM distributed_mutex
	 ORDER BY created_at ASC, name ASC`
)

func NewLockStore(db DB) *LockStore {
	if db == nil {
		return nil
	}
	return &LockStore{db: db}
}

func (s *LockStore) TryInsertLock(ctx context.Context, record repo.LockRecord) (*repo.LockRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("lock store not initialized")
	}
	name := strings.TrimSpace(record.Name)
	lockID := strings.TrimSpace(record.LockID)
	if name == "" {
		return nil, fmt.Errorf("lock name is required")
	}
	if lockID == "" {
		return nil, fmt.Errorf("lock id is required")
	}

	_, err := s.db.ExecContext(
		ctx,
		insertLockQuery,
		name,
		lockID,
		normalizeTime(record.CreatedAt),
		strings.TrimSpace(record.MachineName),
		record.Description,
	)
	if err == nil {
		return nil, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("insert lock: %w", err)
	}

	holder, err := s.getLock(ctx, name)
	if errors.Is(err, repo.ErrNotFound) {
		// released between the insert and the read
		return nil, repo.ErrLockConflict
	}
	if err != nil {
		return nil, fmt.Errorf("read lock holder: %w", err)
	}
	return &holder, repo.ErrLockConflict
}

func (s *LockStore) DeleteLock(ctx context.Context, name, lockID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("lock store not initialized")
	}
	res, err := s.db.ExecContext(ctx, deleteLockQuery, strings.TrimSpace(name), strings.TrimSpace(lockID))
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	return n > 0, nil
}

func (s *LockStore) ListLocks(ctx context.Context) ([]repo.LockRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("lock store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listLocksQuery)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	records := make([]repo.LockRecord, 0)
	for rows.Next() {
		record, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	return records, nil
}

func (s *LockStore) getLock(ctx context.Context, name string) (repo.LockRecord, error) {
	return scanLock(s.db.QueryRowContext(ctx, selectLockQuery, name))
}

func scanLock(row scanner) (repo.LockRecord, error) {
	var record repo.LockRecord
	if err := row.Scan(
		&record.Name,
		&record.LockID,
		&record.CreatedAt,
		&record.MachineName,
		&record.Description,
	); err != nil {
		return repo.LockRecord{}, handleNotFound(err)
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}
