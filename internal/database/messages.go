package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

// CreateMessage stores a direct message.
func (d *Database) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" || msg.ToAgentID == "" {
		return errors.New("message id and recipient are required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = d.now()
	}
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO messages (id, from_agent_id, to_agent_id, body, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		msg.ID, nullString(msg.FromAgentID), msg.ToAgentID, msg.Body,
		toMillis(msg.CreatedAt), nullMillis(msg.ReadAt))
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// CountUnreadMessages counts messages addressed to agentID with no read time.
func (d *Database) CountUnreadMessages(ctx context.Context, agentID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, d.q(`SELECT COUNT(*) FROM messages WHERE to_agent_id = ? AND read_at IS NULL`),
		agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

// MarkMessageRead stamps the read time once.
func (d *Database) MarkMessageRead(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, d.q(`UPDATE messages SET read_at = ? WHERE id = ? AND read_at IS NULL`),
		toMillis(d.now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := d.db.QueryRowContext(ctx, d.q(`SELECT COUNT(*) FROM messages WHERE id = ?`), id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to look up message: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// ListUnreadMessages returns the oldest unread messages for agentID.
func (d *Database) ListUnreadMessages(ctx context.Context, agentID string, limit int) ([]*models.Message, error) {
	query := `SELECT id, from_agent_id, to_agent_id, body, created_at, read_at FROM messages
		WHERE to_agent_id = ? AND read_at IS NULL ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := d.db.QueryContext(ctx, d.q(query), agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unread messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var (
			m         models.Message
			from      sql.NullString
			createdAt int64
			readAt    sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &from, &m.ToAgentID, &m.Body, &createdAt, &readAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.FromAgentID = stringPtr(from)
		m.CreatedAt = fromMillis(createdAt)
		m.ReadAt = timePtr(readAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}
