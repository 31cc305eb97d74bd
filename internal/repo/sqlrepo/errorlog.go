package sqlrepo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-tasks/internal/repo"
)

type ErrorStore struct {
	db DB
}

const (
	insertErrorQuery = `INSERT INTO error_log (
		machine_name,
		identity_name,
		command_line,
		severity,
		message,
		formatted_message,
		occurred_at,
		target
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	RETURNING id`

	selectErrorQuery = `SELECT id, machine_name, identity_name, command_line, severity, message, formatted_message, occurred_at, target
	 FROM error_log
	 WHERE id = $1`

	detachExpiredErrorsQuery = `UPDATE task_log SET error_log_id = NULL
	 WHERE error_log_id IN (SELECT id FROM error_log WHERE occurred_at < $1)`

	deleteExpiredErrorsQuery = `DELETE FROM error_log WHERE occurred_at < $1`
)

func NewErrorStore(db DB) *ErrorStore {
	if db == nil {
		return nil
	}
	return &ErrorStore{db: db}
}

func (s *ErrorStore) InsertError(ctx context.Context, record repo.ErrorRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("error store not initialized")
	}
	if strings.TrimSpace(record.Message) == "" {
		return 0, fmt.Errorf("error message is required")
	}
	severity := record.Severity
	if severity == "" {
		severity = repo.SeverityError
	}
	target := strings.TrimSpace(record.Target)
	if target == "" {
		target = "Service"
	}

	var id int64
	err := s.db.QueryRowContext(
		ctx,
		insertErrorQuery,
		record.MachineName,
		record.IdentityName,
		record.CommandLine,
		string(severity),
		record.Message,
		record.FormattedMessage,
		normalizeTime(record.OccurredAt),
		target,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert error log: %w", err)
	}
	return id, nil
}

func getErrorRecord(ctx context.Context, db DB, id int64) (repo.ErrorRecord, error) {
	var record repo.ErrorRecord
	var severity string
	err := db.QueryRowContext(ctx, selectErrorQuery, id).Scan(
		&record.ID,
		&record.MachineName,
		&record.IdentityName,
		&record.CommandLine,
		&severity,
		&record.Message,
		&record.FormattedMessage,
		&record.OccurredAt,
		&record.Target,
	)
	if err != nil {
		return repo.ErrorRecord{}, handleNotFound(err)
	}
	record.Severity = repo.Severity(severity)
	record.OccurredAt = record.OccurredAt.UTC()
	return record, nil
}

func (s *ErrorStore) DeleteErrorLogBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("error store not initialized")
	}
	cutoff = cutoff.UTC()
	if _, err := s.db.ExecContext(ctx, detachExpiredErrorsQuery, cutoff); err != nil {
		return 0, fmt.Errorf("detach expired errors: %w", err)
	}
	res, err := s.db.ExecContext(ctx, deleteExpiredErrorsQuery, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired errors: %w", err)
	}
	return res.RowsAffected()
}
