package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
)

// Database is the SQL implementation of Store for a single tenant.
type Database struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

var _ Store = (*Database)(nil)

// NewSQLite opens (creating if needed) the sqlite database at path.
func NewSQLite(path string) (*Database, error) {
	dsn := path
	if !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one writer keeps sqlite transactions serialized
	db.SetMaxOpenConns(1)

	d := &Database{db: db, dialect: dialectSQLite, now: time.Now}
	if err := d.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

// NewPostgres connects to PostgreSQL with schema as the search path,
// creating the schema and tables if they are missing.
func NewPostgres(dsn, schema string) (*Database, error) {
	if schema != "" {
		var err error
		dsn, err = withSearchPath(dsn, schema)
		if err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	d := &Database{db: db, dialect: dialectPostgres, now: time.Now}
	if schema != "" {
		if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema %s: %w", schema, err)
		}
	}
	if err := d.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

// withSearchPath adds a search_path runtime parameter to a URL or
// key=value style DSN.
func withSearchPath(dsn, schema string) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("invalid postgres dsn: %w", err)
		}
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return strings.TrimSpace(dsn) + " search_path=" + schema, nil
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// SetClock replaces the time source used for row timestamps.
func (d *Database) SetClock(now func() time.Time) {
	d.now = now
}

// DB exposes the connection pool for health checks.
func (d *Database) DB() *sql.DB {
	return d.db
}

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

func (d *Database) q(query string) string {
	if d.dialect == dialectPostgres {
		return rebind(query)
	}
	return query
}

// Timestamps are stored as unix milliseconds so cutoff comparisons behave
// the same on both drivers.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func (d *Database) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'idle',
			current_task_id TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			deleted_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			parent_task_id TEXT,
			assignee_id TEXT NOT NULL,
			delegator_id TEXT,
			prompt TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			result TEXT,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			num_turns INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			from_agent_id TEXT,
			to_agent_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			read_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assignee_status ON tasks(assignee_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_to_unread ON messages(to_agent_id, read_at)`,
		// at most one unclaimed nudge per agent; a reopened nudge was already claimed
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_pending_nudge ON tasks(assignee_id)
			WHERE status = 'pending' AND started_at IS NULL AND context LIKE '` + models.NudgeSentinel + `%'`,
	}
	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
