package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

const taskColumns = `id, parent_task_id, assignee_id, delegator_id, prompt, context, priority,
	status, result, cost_usd, duration_ms, num_turns, created_at, updated_at, started_at, completed_at`

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t                    models.Task
		parent, delegator    sql.NullString
		status               string
		result               sql.NullString
		createdAt, updatedAt int64
		startedAt, doneAt    sql.NullInt64
	)
	err := row.Scan(&t.ID, &parent, &t.AssigneeID, &delegator, &t.Prompt, &t.Context, &t.Priority,
		&status, &result, &t.CostUSD, &t.DurationMs, &t.NumTurns, &createdAt, &updatedAt, &startedAt, &doneAt)
	if err != nil {
		return nil, err
	}
	if t.Status, err = models.ParseTaskStatus(status); err != nil {
		return nil, fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.ParentTaskID = stringPtr(parent)
	t.DelegatorID = stringPtr(delegator)
	t.Result = stringPtr(result)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(doneAt)
	return &t, nil
}

// GetTask returns a task by id.
func (d *Database) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := d.db.QueryRowContext(ctx, d.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// CreateTask inserts a new pending task. The caller supplies the id.
func (d *Database) CreateTask(ctx context.Context, task *models.Task) error {
	_, err := d.insertTask(ctx, task, "")
	return err
}

// CreateNudgeTask inserts a nudge task unless the assignee already has an
// unclaimed one. The partial unique index idx_tasks_pending_nudge makes the
// check and the insert one atomic statement.
func (d *Database) CreateNudgeTask(ctx context.Context, task *models.Task) (bool, error) {
	if !task.IsNudge() {
		return false, fmt.Errorf("task %s is not a nudge", task.ID)
	}
	if task.Status != "" && task.Status != models.TaskStatusPending {
		return false, fmt.Errorf("nudge task %s must be pending", task.ID)
	}
	return d.insertTask(ctx, task, " ON CONFLICT DO NOTHING")
}

func (d *Database) insertTask(ctx context.Context, task *models.Task, onConflict string) (bool, error) {
	if task.ID == "" || task.AssigneeID == "" {
		return false, errors.New("task id and assignee are required")
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	if !task.Status.Valid() {
		return false, fmt.Errorf("invalid task status %q", task.Status)
	}
	task.Priority = models.ClampPriority(task.Priority)
	now := d.now()
	task.CreatedAt = now
	task.UpdatedAt = now

	query := `
		INSERT INTO tasks (id, parent_task_id, assignee_id, delegator_id, prompt, context, priority,
			status, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)` + onConflict
	res, err := d.db.ExecContext(ctx, d.q(query),
		task.ID, nullString(task.ParentTaskID), task.AssigneeID, nullString(task.DelegatorID),
		task.Prompt, task.Context, task.Priority, string(task.Status), nullString(task.Result),
		toMillis(now), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to create task: %w", err)
	}
	return affected(res)
}

// ListTasks returns tasks matching filter, in dispatch order.
func (d *Database) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	var (
		conds []string
		args  []any
	)
	if filter.AssigneeID != "" {
		conds = append(conds, "assignee_id = ?")
		args = append(args, filter.AssigneeID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY priority ASC, created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := d.db.QueryContext(ctx, d.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountTasks counts the assignee's tasks in status.
func (d *Database) CountTasks(ctx context.Context, assigneeID string, status models.TaskStatus) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, d.q(`SELECT COUNT(*) FROM tasks WHERE assignee_id = ? AND status = ?`),
		assigneeID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// HasPendingNudge reports whether an unclaimed nudge exists for the assignee.
func (d *Database) HasPendingNudge(ctx context.Context, assigneeID string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, d.q(`
		SELECT COUNT(*) FROM tasks
		WHERE assignee_id = ? AND status = ? AND started_at IS NULL AND context LIKE ?`),
		assigneeID, string(models.TaskStatusPending), models.NudgeSentinel+"%").Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up nudge: %w", err)
	}
	return n > 0, nil
}

// UpdateTaskMetrics records the cost, duration and turn count of a run.
func (d *Database) UpdateTaskMetrics(ctx context.Context, taskID string, m TaskMetrics) error {
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE tasks SET cost_usd = ?, duration_ms = ?, num_turns = ?, updated_at = ?
		WHERE id = ?`),
		m.CostUSD, m.DurationMs, m.NumTurns, toMillis(d.now()), taskID)
	if err != nil {
		return fmt.Errorf("failed to update task metrics: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
