// Package dbtest provides sqlite-backed stores and a settable clock for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/neill-k/generic-corp-sub004/internal/database"
	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// NewStore opens a fresh sqlite store in a temp dir, closed at test end.
func NewStore(t testing.TB) *database.Database {
	t.Helper()
	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "tenant.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// SeedAgent inserts an idle agent whose id equals its name.
func SeedAgent(t testing.TB, s database.Store, name string) *models.Agent {
	t.Helper()
	a := &models.Agent{ID: name, Name: name, Status: models.AgentStatusIdle}
	if err := s.UpsertAgent(context.Background(), a); err != nil {
		t.Fatalf("seed agent %s: %v", name, err)
	}
	return a
}

// SeedTask inserts a pending task.
func SeedTask(t testing.TB, s database.Store, task *models.Task) *models.Task {
	t.Helper()
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("seed task %s: %v", task.ID, err)
	}
	return task
}

// StartTask seeds a pending task for agent and claims it, leaving the agent
// running with the task as current.
func StartTask(t testing.TB, s database.Store, agentID, taskID string) *models.Task {
	t.Helper()
	task := SeedTask(t, s, &models.Task{ID: taskID, AssigneeID: agentID, Prompt: "work on " + taskID})
	if err := s.ClaimTask(context.Background(), taskID, agentID); err != nil {
		t.Fatalf("claim task %s: %v", taskID, err)
	}
	return task
}

// Resolver serves fixed stores keyed by tenant id.
type Resolver map[string]database.Store

func (r Resolver) Store(_ context.Context, tenantID string) (database.Store, error) {
	s, ok := r[tenantID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return s, nil
}

func (r Resolver) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

