package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

// Every task and agent status write lives in this file. Each one is
// conditional on the status it transitions from, so concurrent writers
// (worker finishing vs watchdog resetting) resolve to whichever commits first.

func (d *Database) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ClaimTask moves taskID pending->running and makes it agentID's current
// task. It fails with ErrTaskNotPending or ErrAgentBusy without writing
// anything when either precondition does not hold.
func (d *Database) ClaimTask(ctx context.Context, taskID, agentID string) error {
	now := toMillis(d.now())
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, d.q(`
			UPDATE tasks SET status = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND assignee_id = ? AND status = ?`),
			string(models.TaskStatusRunning), now, now,
			taskID, agentID, string(models.TaskStatusPending))
		if err != nil {
			return fmt.Errorf("failed to claim task: %w", err)
		}
		if ok, err := affected(res); err != nil {
			return err
		} else if !ok {
			return ErrTaskNotPending
		}

		res, err = tx.ExecContext(ctx, d.q(`
			UPDATE agents SET status = ?, current_task_id = ?, updated_at = ?
			WHERE id = ? AND status NOT IN (?, ?) AND current_task_id IS NULL AND deleted_at IS NULL`),
			string(models.AgentStatusRunning), taskID, now,
			agentID, string(models.AgentStatusRunning), string(models.AgentStatusOffline))
		if err != nil {
			return fmt.Errorf("failed to mark agent running: %w", err)
		}
		if ok, err := affected(res); err != nil {
			return err
		} else if !ok {
			return ErrAgentBusy
		}
		return nil
	})
}

// FinishTask writes a run outcome. Only a running task can finish; the call
// reports false when the task already left running (for example because the
// watchdog failed it first).
func (d *Database) FinishTask(ctx context.Context, taskID string, status models.TaskStatus, result string) (bool, error) {
	switch status {
	case models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusBlocked:
	default:
		return false, fmt.Errorf("cannot finish task with status %q", status)
	}
	if status == models.TaskStatusFailed && result == "" {
		return false, fmt.Errorf("failed task %s needs a reason", taskID)
	}

	now := toMillis(d.now())
	var completedAt sql.NullInt64
	if status.IsTerminal() {
		completedAt = sql.NullInt64{Int64: now, Valid: true}
	}
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE tasks SET status = ?, result = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(status), result, completedAt, now,
		taskID, string(models.TaskStatusRunning))
	if err != nil {
		return false, fmt.Errorf("failed to finish task: %w", err)
	}
	return affected(res)
}

// ReleaseAgent sets the agent's status and clears its current task, only if
// it still holds taskID.
func (d *Database) ReleaseAgent(ctx context.Context, agentID, taskID string, status models.AgentStatus) (bool, error) {
	if status == models.AgentStatusRunning || !status.Valid() {
		return false, fmt.Errorf("cannot release agent into status %q", status)
	}
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE agents SET status = ?, current_task_id = NULL, updated_at = ?
		WHERE id = ? AND current_task_id = ?`),
		string(status), toMillis(d.now()), agentID, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to release agent: %w", err)
	}
	return affected(res)
}

// RecoverAgent moves an agent from error to idle.
func (d *Database) RecoverAgent(ctx context.Context, agentID string) (bool, error) {
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE agents SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND current_task_id IS NULL`),
		string(models.AgentStatusIdle), toMillis(d.now()), agentID, string(models.AgentStatusError))
	if err != nil {
		return false, fmt.Errorf("failed to recover agent: %w", err)
	}
	return affected(res)
}

// ResetStuckAgent idles agentID if it is still running taskID and was last
// updated before cutoff, and fails taskID with reason if it is still running.
// Both writes commit together. If the agent precondition no longer holds
// nothing is written.
func (d *Database) ResetStuckAgent(ctx context.Context, agentID, taskID string, cutoff time.Time, reason string) (StuckReset, error) {
	var out StuckReset
	now := toMillis(d.now())
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, d.q(`
			UPDATE agents SET status = ?, current_task_id = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND current_task_id = ? AND updated_at < ?`),
			string(models.AgentStatusIdle), now,
			agentID, string(models.AgentStatusRunning), taskID, toMillis(cutoff))
		if err != nil {
			return fmt.Errorf("failed to reset agent: %w", err)
		}
		if out.AgentReset, err = affected(res); err != nil || !out.AgentReset {
			return err
		}

		res, err = tx.ExecContext(ctx, d.q(`
			UPDATE tasks SET status = ?, result = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`),
			string(models.TaskStatusFailed), reason, now, now,
			taskID, string(models.TaskStatusRunning))
		if err != nil {
			return fmt.Errorf("failed to fail stuck task: %w", err)
		}
		out.TaskFailed, err = affected(res)
		return err
	})
	if err != nil {
		return StuckReset{}, err
	}
	return out, nil
}

// ReopenTask moves a blocked task back to pending so it can be dispatched.
func (d *Database) ReopenTask(ctx context.Context, taskID string) (bool, error) {
	now := toMillis(d.now())
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(models.TaskStatusPending), now, taskID, string(models.TaskStatusBlocked))
	if err != nil {
		return false, fmt.Errorf("failed to reopen task: %w", err)
	}
	return affected(res)
}

// AbandonTask fails a task that never left pending, recording reason. It is
// used when a freshly created task could not be dispatched.
func (d *Database) AbandonTask(ctx context.Context, taskID, reason string) (bool, error) {
	if reason == "" {
		return false, fmt.Errorf("abandoning task %s requires a reason", taskID)
	}
	now := toMillis(d.now())
	res, err := d.db.ExecContext(ctx, d.q(`
		UPDATE tasks SET status = ?, result = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`),
		string(models.TaskStatusFailed), reason, now, now, taskID, string(models.TaskStatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to abandon task: %w", err)
	}
	return affected(res)
}
