// Package migrate provides the task that creates the lock, task log and error
// log tables.
package migrate

import (
	"context"
	"errors"

	"github.com/animus-labs/animus-tasks/internal/repo/sqlrepo"
	"github.com/animus-labs/animus-tasks/internal/task"
)

const TaskName = "MigrateDB"

// New returns the migration task. Run it with run logging disabled when the
// tables may not exist yet.
func New(db sqlrepo.DB, dialect sqlrepo.Dialect) (task.Task, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	stmts, err := sqlrepo.Schema(dialect)
	if err != nil {
		return nil, err
	}
	return task.Simple(TaskName, "Creates the task runtime tables when missing.", func(ctx context.Context, c *task.Context) error {
		if err := sqlrepo.EnsureSchema(ctx, db, dialect); err != nil {
			return err
		}
		c.Logf("Applied %d %s schema statements.", len(stmts), dialect)
		return nil
	})
}
