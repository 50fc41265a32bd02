package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

const agentColumns = `id, name, display_name, role, system_prompt, model, status,
	current_task_id, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		a                    models.Agent
		status               string
		currentTask          sql.NullString
		createdAt, updatedAt int64
		deletedAt            sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.Name, &a.DisplayName, &a.Role, &a.SystemPrompt, &a.Model,
		&status, &currentTask, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if a.Status, err = models.ParseAgentStatus(status); err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.ID, err)
	}
	a.CurrentTaskID = stringPtr(currentTask)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	a.DeletedAt = timePtr(deletedAt)
	return &a, nil
}

func (d *Database) getAgent(ctx context.Context, where string, arg any) (*models.Agent, error) {
	row := d.db.QueryRowContext(ctx, d.q(`SELECT `+agentColumns+` FROM agents WHERE `+where+` AND deleted_at IS NULL`), arg)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// GetAgent returns a live (not soft-deleted) agent by id.
func (d *Database) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	return d.getAgent(ctx, "id = ?", id)
}

// GetAgentByName returns a live agent by its unique name.
func (d *Database) GetAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	return d.getAgent(ctx, "name = ?", name)
}

// ListAgents returns every live agent ordered by name.
func (d *Database) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	return d.listAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE deleted_at IS NULL ORDER BY name`)
}

// ListAgentsByStatus returns live agents currently in status.
func (d *Database) ListAgentsByStatus(ctx context.Context, status models.AgentStatus) ([]*models.Agent, error) {
	return d.listAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE status = ? AND deleted_at IS NULL ORDER BY name`, string(status))
}

func (d *Database) listAgents(ctx context.Context, query string, args ...any) ([]*models.Agent, error) {
	rows, err := d.db.QueryContext(ctx, d.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpsertAgent inserts or updates roster fields of an agent. Status and
// current task are only written on insert; afterwards the engine owns them.
func (d *Database) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" || agent.Name == "" {
		return errors.New("agent id and name are required")
	}
	now := d.now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = models.AgentStatusIdle
	}
	if !agent.Status.Valid() {
		return fmt.Errorf("invalid agent status %q", agent.Status)
	}

	query := `
		INSERT INTO agents (id, name, display_name, role, system_prompt, model, status,
			current_task_id, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			display_name = excluded.display_name,
			role = excluded.role,
			system_prompt = excluded.system_prompt,
			model = excluded.model,
			deleted_at = excluded.deleted_at
	`
	_, err := d.db.ExecContext(ctx, d.q(query),
		agent.ID, agent.Name, agent.DisplayName, agent.Role, agent.SystemPrompt, agent.Model,
		string(agent.Status), nullString(agent.CurrentTaskID),
		toMillis(agent.CreatedAt), toMillis(agent.UpdatedAt), nullMillis(agent.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}
