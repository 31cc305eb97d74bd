package sqlrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-tasks/internal/repo"
)

type RunLogStore struct {
	db DB
}

const (
	insertTaskRunQuery = `INSERT INTO task_log (kind, task_name, machine_name, identity_name, execution_time_seconds, occurred_at, error_log_id)
	 VALUES ('T',$1,$2,$3,$4,$5,$6)
	 RETURNING id`

	insertStepRunQuery = `INSERT INTO task_log (kind, task_name, step_name, execution_time_seconds, occurred_at, task_log_id, error_log_id)
	 VALUES ('S',$1,$2,$3,$4,$5,$6)
	 RETURNING id`

	insertMessageQuery = `INSERT INTO task_log (kind, task_name, step_name, message, occurred_at, task_log_id, step_log_id)
	 VALUES ('M',$1,$2,$3,$4,$5,$6)
	 RETURNING id`

	updateRunQuery = `UPDATE task_log SET execution_time_seconds = $1, error_log_id = $2 WHERE id = $3 AND kind = $4`

	listTaskRunsQuery = `SELECT id, task_name, machine_name, identity_name, execution_time_seconds, occurred_at, error_log_id
	 FROM task_log
	 WHERE kind = 'T'
	 ORDER BY id DESC
	 LIMIT $1`

	listTaskRunsByNameQuery = `SELECT id, task_name, machine_name, identity_name, execution_time_seconds, occurred_at, error_log_id
	 FROM task_log
	 WHERE kind = 'T' AND task_name = $1
	 ORDER BY id DESC
	 LIMIT $2`

	selectTaskRunQuery = `SELECT id, task_name, machine_name, identity_name, execution_time_seconds, occurred_at, error_log_id
	 FROM task_log
	 WHERE kind = 'T' AND id = $1`

	listStepRunsQuery = `SELECT id, task_log_id, task_name, step_name, execution_time_seconds, occurred_at, error_log_id
	 FROM task_log
	 WHERE kind = 'S' AND task_log_id = $1
	 ORDER BY id ASC`

	listMessagesQuery = `SELECT id, task_log_id, step_log_id, task_name, step_name, message, occurred_at
	 FROM task_log
	 WHERE kind = 'M' AND task_log_id = $1
	 ORDER BY id ASC`

	deleteExpiredChildrenQuery = `DELETE FROM task_log
	 WHERE task_log_id IN (SELECT id FROM task_log WHERE kind = 'T' AND occurred_at < $1)`

	deleteExpiredTaskRunsQuery = `DELETE FROM task_log WHERE kind = 'T' AND occurred_at < $1`

	defaultListLimit = 50
	maxListLimit     = 500
)

func NewRunLogStore(db DB) *RunLogStore {
	if db == nil {
		return nil
	}
	return &RunLogStore{db: db}
}

func (s *RunLogStore) InsertTaskRun(ctx context.Context, record repo.TaskRunRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run log store not initialized")
	}
	if strings.TrimSpace(record.TaskName) == "" {
		return 0, fmt.Errorf("task name is required")
	}
	var id int64
	err := s.db.QueryRowContext(
		ctx,
		insertTaskRunQuery,
		record.TaskName,
		nullIfEmpty(record.MachineName),
		nullIfEmpty(record.IdentityName),
		record.ElapsedSeconds,
		normalizeTime(record.StartedAt),
		nullID(record.ErrorID),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert task run: %w", err)
	}
	return id, nil
}

func (s *RunLogStore) UpdateTaskRun(ctx context.Context, record repo.TaskRunRecord) error {
	return s.updateRun(ctx, repo.RunKindTask, record.ID, record.ElapsedSeconds, record.ErrorID)
}

func (s *RunLogStore) InsertStepRun(ctx context.Context, record repo.StepRunRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run log store not initialized")
	}
	if record.TaskRunID == 0 {
		return 0, fmt.Errorf("task run id is required")
	}
	if strings.TrimSpace(record.StepName) == "" {
		return 0, fmt.Errorf("step name is required")
	}
	var id int64
	err := s.db.QueryRowContext(
		ctx,
		insertStepRunQuery,
		record.TaskName,
		record.StepName,
		record.ElapsedSeconds,
		normalizeTime(record.StartedAt),
		record.TaskRunID,
		nullID(record.ErrorID),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert step run: %w", err)
	}
	return id, nil
}

func (s *RunLogStore) UpdateStepRun(ctx context.Context, record repo.StepRunRecord) error {
	return s.updateRun(ctx, repo.RunKindStep, record.ID, record.ElapsedSeconds, record.ErrorID)
}

func (s *RunLogStore) InsertMessage(ctx context.Context, record repo.MessageRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run log store not initialized")
	}
	if record.TaskRunID == 0 {
		return 0, fmt.Errorf("task run id is required")
	}
	var id int64
	err := s.db.QueryRowContext(
		ctx,
		insertMessageQuery,
		record.TaskName,
		nullIfEmpty(record.StepName),
		record.Message,
		normalizeTime(record.LoggedAt),
		record.TaskRunID,
		nullID(record.StepRunID),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

func (s *RunLogStore) updateRun(ctx context.Context, kind repo.RunKind, id int64, elapsed float64, errorID *int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run log store not initialized")
	}
	if id == 0 {
		return fmt.Errorf("run id is required")
	}
	res, err := s.db.ExecContext(ctx, updateRunQuery, elapsed, nullID(errorID), id, string(kind))
	if err != nil {
		return fmt.Errorf("update run %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run %d: %w", id, err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunLogStore) ListTaskRuns(ctx context.Context, filter repo.TaskRunFilter) ([]repo.TaskRunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run log store not initialized")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if name := strings.TrimSpace(filter.TaskName); name != "" {
		rows, err = s.db.QueryContext(ctx, listTaskRunsByNameQuery, name, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, listTaskRunsQuery, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	records := make([]repo.TaskRunRecord, 0)
	for rows.Next() {
		record, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	return records, nil
}

func (s *RunLogStore) GetTaskRun(ctx context.Context, id int64) (repo.TaskRunDetail, error) {
	if s == nil || s.db == nil {
		return repo.TaskRunDetail{}, fmt.Errorf("run log store not initialized")
	}
	run, err := scanTaskRun(s.db.QueryRowContext(ctx, selectTaskRunQuery, id))
	if err != nil {
		return repo.TaskRunDetail{}, err
	}
	detail := repo.TaskRunDetail{Run: run}

	steps, err := s.listSteps(ctx, id)
	if err != nil {
		return repo.TaskRunDetail{}, err
	}
	detail.Steps = steps

	messages, err := s.listMessages(ctx, id)
	if err != nil {
		return repo.TaskRunDetail{}, err
	}
	detail.Messages = messages

	if run.ErrorID != nil {
		record, err := getErrorRecord(ctx, s.db, *run.ErrorID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return repo.TaskRunDetail{}, err
		}
		if err == nil {
			detail.Error = &record
		}
	}
	return detail, nil
}

func (s *RunLogStore) DeleteTaskLogBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run log store not initialized")
	}
	cutoff = cutoff.UTC()
	// Children first so the delete does not depend on foreign key enforcement.
	if _, err := s.db.ExecContext(ctx, deleteExpiredChildrenQuery, cutoff); err != nil {
		return 0, fmt.Errorf("delete expired steps and messages: %w", err)
	}
	res, err := s.db.ExecContext(ctx, deleteExpiredTaskRunsQuery, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired task runs: %w", err)
	}
	return res.RowsAffected()
}

func (s *RunLogStore) listSteps(ctx context.Context, taskRunID int64) ([]repo.StepRunRecord, error) {
	rows, err := s.db.QueryContext(ctx, listStepRunsQuery, taskRunID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	steps := make([]repo.StepRunRecord, 0)
	for rows.Next() {
		var (
			record  repo.StepRunRecord
			elapsed sql.NullFloat64
			errorID sql.NullInt64
		)
		if err := rows.Scan(&record.ID, &record.TaskRunID, &record.TaskName, &record.StepName, &elapsed, &record.StartedAt, &errorID); err != nil {
			return nil, fmt.Errorf("scan step run: %w", err)
		}
		record.ElapsedSeconds = elapsed.Float64
		record.StartedAt = record.StartedAt.UTC()
		record.ErrorID = idPtr(errorID)
		steps = append(steps, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	return steps, nil
}

func (s *RunLogStore) listMessages(ctx context.Context, taskRunID int64) ([]repo.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, listMessagesQuery, taskRunID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]repo.MessageRecord, 0)
	for rows.Next() {
		var (
			record    repo.MessageRecord
			stepRunID sql.NullInt64
			stepName  sql.NullString
			message   sql.NullString
		)
		if err := rows.Scan(&record.ID, &record.TaskRunID, &stepRunID, &record.TaskName, &stepName, &message, &record.LoggedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		record.StepRunID = idPtr(stepRunID)
		record.StepName = stepName.String
		record.Message = message.String
		record.LoggedAt = record.LoggedAt.UTC()
		messages = append(messages, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

func scanTaskRun(row scanner) (repo.TaskRunRecord, error) {
	var (
		record   repo.TaskRunRecord
		machine  sql.NullString
		identity sql.NullString
		elapsed  sql.NullFloat64
		errorID  sql.NullInt64
	)
	if err := row.Scan(&record.ID, &record.TaskName, &machine, &identity, &elapsed, &record.StartedAt, &errorID); err != nil {
		return repo.TaskRunRecord{}, handleNotFound(err)
	}
	record.MachineName = machine.String
	record.IdentityName = identity.String
	record.ElapsedSeconds = elapsed.Float64
	record.StartedAt = record.StartedAt.UTC()
	record.ErrorID = idPtr(errorID)
	return record, nil
}
