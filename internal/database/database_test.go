package database_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neill-k/generic-corp-sub004/internal/database"
	"github.com/neill-k/generic-corp-sub004/internal/database/dbtest"
	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

func TestAgentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)

	require.NoError(t, s.UpsertAgent(ctx, &models.Agent{ID: "a1", Name: "marcus", Role: "ceo"}))

	byID, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "marcus", byID.Name)
	assert.Equal(t, models.AgentStatusIdle, byID.Status)
	assert.Nil(t, byID.CurrentTaskID)

	byName, err := s.GetAgentByName(ctx, "marcus")
	require.NoError(t, err)
	assert.Equal(t, "a1", byName.ID)

	_, err = s.GetAgent(ctx, "missing")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestSoftDeletedAgentHidden(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)

	deleted := time.Now()
	require.NoError(t, s.UpsertAgent(ctx, &models.Agent{ID: "gone", Name: "gone", DeletedAt: &deleted}))
	dbtest.SeedAgent(t, s, "here")

	_, err := s.GetAgent(ctx, "gone")
	assert.ErrorIs(t, err, database.ErrNotFound)

	idle, err := s.ListAgentsByStatus(ctx, models.AgentStatusIdle)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "here", idle[0].ID)
}

func TestUpsertDoesNotTouchStatus(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	dbtest.SeedAgent(t, s, "sable")
	dbtest.StartTask(t, s, "sable", "t1")

	require.NoError(t, s.UpsertAgent(ctx, &models.Agent{ID: "sable", Name: "sable", Role: "analyst"}))

	a, err := s.GetAgent(ctx, "sable")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusRunning, a.Status)
	assert.Equal(t, "analyst", a.Role)
}

func TestCreateAndListTasksInDispatchOrder(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	clock := dbtest.NewClock(time.Now())
	s.SetClock(clock.Now)

	for _, tc := range []struct {
		id       string
		priority int
	}{{"low", 5}, {"first-high", 1}, {"second-high", 1}} {
		dbtest.SeedTask(t, s, &models.Task{ID: tc.id, AssigneeID: "marcus", Prompt: "p", Priority: tc.priority})
		clock.Advance(time.Millisecond)
	}

	tasks, err := s.ListTasks(ctx, database.TaskFilter{AssigneeID: "marcus"})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "first-high", tasks[0].ID)
	assert.Equal(t, "second-high", tasks[1].ID)
	assert.Equal(t, "low", tasks[2].ID)
	assert.Equal(t, models.TaskStatusPending, tasks[0].Status)

	n, err := s.CountTasks(ctx, "marcus", models.TaskStatusPending)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCreateTaskClampsPriority(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	dbtest.SeedTask(t, s, &models.Task{ID: "t", AssigneeID: "a", Prompt: "p", Priority: 1 << 40})

	got, err := s.GetTask(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, models.MaxPriority, got.Priority)
}

func TestParentAndDelegatorPersisted(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	dbtest.SeedTask(t, s, &models.Task{
		ID:           "child-1",
		ParentTaskID: models.StringPtr("parent-1"),
		AssigneeID:   "agent-child",
		DelegatorID:  models.StringPtr("marcus"),
		Prompt:       "analyse revenue",
	})

	got, err := s.GetTask(ctx, "child-1")
	require.NoError(t, err)
	require.NotNil(t, got.ParentTaskID)
	assert.Equal(t, "parent-1", *got.ParentTaskID)
	require.NotNil(t, got.DelegatorID)
	assert.Equal(t, "marcus", *got.DelegatorID)
	assert.Nil(t, got.Result)
}

func TestHasPendingNudge(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	dbtest.SeedAgent(t, s, "sable")

	has, err := s.HasPendingNudge(ctx, "sable")
	require.NoError(t, err)
	assert.False(t, has)

	dbtest.SeedTask(t, s, &models.Task{ID: "n1", AssigneeID: "sable", Prompt: "p", Context: models.NudgeSentinel + " 1 pending"})
	has, err = s.HasPendingNudge(ctx, "sable")
	require.NoError(t, err)
	assert.True(t, has)

	// once claimed the nudge no longer blocks a new one
	require.NoError(t, s.ClaimTask(ctx, "n1", "sable"))
	has, err = s.HasPendingNudge(ctx, "sable")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCreateNudgeTaskKeepsOnePending(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	dbtest.SeedAgent(t, s, "sable")
	nudge := func(id string) *models.Task {
		return &models.Task{ID: id, AssigneeID: "sable", Prompt: "p", Context: models.NudgeSentinel + " idle"}
	}

	created, err := s.CreateNudgeTask(ctx, nudge("n1"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateNudgeTask(ctx, nudge("n2"))
	require.NoError(t, err)
	assert.False(t, created)
	_, err = s.GetTask(ctx, "n2")
	assert.ErrorIs(t, err, database.ErrNotFound)

	// a plain insert of a second pending nudge is rejected too
	assert.Error(t, s.CreateTask(ctx, nudge("n3")))

	_, err = s.CreateNudgeTask(ctx, &models.Task{ID: "x", AssigneeID: "sable", Prompt: "p"})
	assert.Error(t, err)

	// claimed and then reopened, the first nudge no longer blocks a new one
	require.NoError(t, s.ClaimTask(ctx, "n1", "sable"))
	ok, err := s.FinishTask(ctx, "n1", models.TaskStatusBlocked, "waiting on marcus")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = s.ReleaseAgent(ctx, "sable", "n1", models.AgentStatusIdle)
	require.NoError(t, err)

	created, err = s.CreateNudgeTask(ctx, nudge("n4"))
	require.NoError(t, err)
	assert.True(t, created)
	ok, err = s.ReopenTask(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnreadMessages(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)

	require.NoError(t, s.CreateMessage(ctx, &models.Message{ID: "m1", ToAgentID: "sable", Body: "hi"}))
	require.NoError(t, s.CreateMessage(ctx, &models.Message{ID: "m2", ToAgentID: "sable", Body: "again"}))
	require.NoError(t, s.CreateMessage(ctx, &models.Message{ID: "m3", ToAgentID: "marcus", Body: "other"}))

	n, err := s.CountUnreadMessages(ctx, "sable")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.MarkMessageRead(ctx, "m1"))
	require.NoError(t, s.MarkMessageRead(ctx, "m1"))
	n, err = s.CountUnreadMessages(ctx, "sable")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	unread, err := s.ListUnreadMessages(ctx, "sable", 10)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "m2", unread[0].ID)
	assert.Equal(t, "again", unread[0].Body)
	assert.Nil(t, unread[0].ReadAt)

	assert.ErrorIs(t, s.MarkMessageRead(ctx, "nope"), database.ErrNotFound)
}

func TestClaimTask(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	dbtest.SeedAgent(t, s, "sable")
	dbtest.SeedTask(t, s, &models.Task{ID: "t1", AssigneeID: "sable", Prompt: "p"})
	dbtest.SeedTask(t, s, &models.Task{ID: "t2", AssigneeID: "sable", Prompt: "p"})

	require.NoError(t, s.ClaimTask(ctx, "t1", "sable"))

	a, err := s.GetAgent(ctx, "sable")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusRunning, a.Status)
	require.NotNil(t, a.CurrentTaskID)
	assert.Equal(t, "t1", *a.CurrentTaskID)

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, task.Status)
	assert.NotNil(t, task.StartedAt)

	// second claim of the same task
	assert.ErrorIs(t, s.ClaimTask(ctx, "t1", "sable"), database.ErrTaskNotPending)

	// agent busy: t2 must stay pending
	assert.ErrorIs(t, s.ClaimTask(ctx, "t2", "sable"), database.ErrAgentBusy)
	t2, err := s.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, t2.Status)
}

func TestClaimTaskConcurrent(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	dbtest.SeedAgent(t, s, "sable")
	dbtest.SeedTask(t, s, &models.Task{ID: "t1", AssigneeID: "sable", Prompt: "p"})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ClaimTask(ctx, "t1", "sable"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestFinishTaskOnlyFromRunning(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	dbtest.SeedAgent(t, s, "sable")
	dbtest.StartTask(t, s, "sable", "t1")

	ok, err := s.FinishTask(ctx, "t1", models.TaskStatusCompleted, "done")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.FinishTask(ctx, "t1", models.TaskStatusFailed, "late failure")
	require.NoError(t, err)
	assert.False(t, ok, "terminal task must not be overwritten")

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, "done", task.ResultText())
	assert.NotNil(t, task.CompletedAt)
}

func TestFinishTaskValidation(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)

	_, err := s.FinishTask(ctx, "t1", models.TaskStatusPending, "x")
	assert.Error(t, err)

	_, err = s.FinishTask(ctx, "t1", models.TaskStatusFailed, "")
	assert.Error(t, err, "failed needs a reason")
}

func TestReleaseAgentRequiresCurrentTask(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	dbtest.SeedAgent(t, s, "sable")
	dbtest.StartTask(t, s, "sable", "t1")

	ok, err := s.ReleaseAgent(ctx, "sable", "other", models.AgentStatusIdle)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ReleaseAgent(ctx, "sable", "t1", models.AgentStatusError)
	require.NoError(t, err)
	assert.True(t, ok)

	a, err := s.GetAgent(ctx, "sable")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusError, a.Status)
	assert.Nil(t, a.CurrentTaskID)

	ok, err = s.RecoverAgent(ctx, "sable")
	require.NoError(t, err)
	assert.True(t, ok)
	a, err = s.GetAgent(ctx, "sable")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusIdle, a.Status)

	_, err = s.ReleaseAgent(ctx, "sable", "t1", models.AgentStatusRunning)
	assert.Error(t, err)
}

func TestResetStuckAgent(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	clock := dbtest.NewClock(time.Now().Add(-35 * time.Minute))
	s.SetClock(clock.Now)

	dbtest.SeedAgent(t, s, "sable")
	dbtest.StartTask(t, s, "sable", "t1")
	clock.Set(time.Now())

	// cutoff before the agent's last update: nothing happens
	res, err := s.ResetStuckAgent(ctx, "sable", "t1", time.Now().Add(-40*time.Minute), "stuck")
	require.NoError(t, err)
	assert.False(t, res.AgentReset)

	res, err = s.ResetStuckAgent(ctx, "sable", "t1", time.Now().Add(-30*time.Minute), "Task failed: agent was stuck for more than 30 minutes")
	require.NoError(t, err)
	assert.True(t, res.AgentReset)
	assert.True(t, res.TaskFailed)

	a, err := s.GetAgent(ctx, "sable")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusIdle, a.Status)
	assert.Nil(t, a.CurrentTaskID)

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Contains(t, task.ResultText(), "stuck")

	// a late completion from the wedged worker is a no-op
	ok, err := s.FinishTask(ctx, "t1", models.TaskStatusCompleted, "finally")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResetStuckAgentAfterCompletionRace(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	clock := dbtest.NewClock(time.Now().Add(-time.Hour))
	s.SetClock(clock.Now)
	dbtest.SeedAgent(t, s, "sable")
	dbtest.StartTask(t, s, "sable", "t1")

	// completion commits first, agent still marked running
	ok, err := s.FinishTask(ctx, "t1", models.TaskStatusCompleted, "done")
	require.NoError(t, err)
	require.True(t, ok)

	res, err := s.ResetStuckAgent(ctx, "sable", "t1", time.Now(), "stuck")
	require.NoError(t, err)
	assert.True(t, res.AgentReset)
	assert.False(t, res.TaskFailed)

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, "done", task.ResultText())
}

func TestReopenTask(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	dbtest.SeedAgent(t, s, "marcus")
	dbtest.StartTask(t, s, "marcus", "parent-1")

	ok, err := s.FinishTask(ctx, "parent-1", models.TaskStatusBlocked, "waiting on child-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ReopenTask(ctx, "parent-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReopenTask(ctx, "parent-1")
	require.NoError(t, err)
	assert.False(t, ok)

	task, err := s.GetTask(ctx, "parent-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
}

func TestAbandonTaskOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	dbtest.SeedAgent(t, s, "marcus")
	dbtest.SeedTask(t, s, &models.Task{ID: "n1", AssigneeID: "marcus", Prompt: "nudge"})
	dbtest.StartTask(t, s, "marcus", "busy")

	_, err := s.AbandonTask(ctx, "n1", "")
	assert.Error(t, err)

	ok, err := s.AbandonTask(ctx, "n1", "queue unavailable")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AbandonTask(ctx, "busy", "queue unavailable")
	require.NoError(t, err)
	assert.False(t, ok)

	task, err := s.GetTask(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, "queue unavailable", task.ResultText())
	assert.NotNil(t, task.CompletedAt)
}

func TestUpdateTaskMetrics(t *testing.T) {
	ctx := context.Background()
	s := dbtest.NewStore(t)
	dbtest.SeedTask(t, s, &models.Task{ID: "t1", AssigneeID: "a", Prompt: "p"})

	require.NoError(t, s.UpdateTaskMetrics(ctx, "t1", database.TaskMetrics{CostUSD: 0.42, DurationMs: 1200, NumTurns: 3}))
	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.InDelta(t, 0.42, task.CostUSD, 1e-9)
	assert.Equal(t, int64(1200), task.DurationMs)
	assert.Equal(t, 3, task.NumTurns)

	assert.ErrorIs(t, s.UpdateTaskMetrics(ctx, "missing", database.TaskMetrics{}), database.ErrNotFound)
}

func TestTenantsOpenOnce(t *testing.T) {
	var opens atomic.Int32
	dir := t.TempDir()
	tenants := database.NewTenants(func(ctx context.Context, id string) (database.Store, error) {
		opens.Add(1)
		time.Sleep(10 * time.Millisecond)
		return database.NewSQLite(dir + "/" + id + ".db")
	}, []string{"globex", "acme"})
	defer tenants.Close()

	var wg sync.WaitGroup
	stores := make([]database.Store, 16)
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := tenants.Store(context.Background(), "acme")
			if err == nil {
				stores[i] = s
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), opens.Load())
	for _, s := range stores {
		assert.Same(t, stores[0], s)
	}
	assert.Equal(t, []string{"acme", "globex"}, tenants.IDs())
}

func TestTenantsRejectInvalidID(t *testing.T) {
	tenants := database.NewTenants(func(context.Context, string) (database.Store, error) {
		return nil, errors.New("should not open")
	}, nil)
	_, err := tenants.Store(context.Background(), "../etc")
	assert.Error(t, err)
}

// TestPostgresStore runs against a live server when GC_TEST_POSTGRES_DSN is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("GC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	schema := "gc_test_" + time.Now().Format("150405")
	s, err := database.NewPostgres(dsn, schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.DB().Exec(`DROP SCHEMA IF EXISTS "` + schema + `" CASCADE`)
		s.Close()
	})

	dbtest.SeedAgent(t, s, "sable")
	dbtest.StartTask(t, s, "sable", "t1")
	ok, err := s.FinishTask(ctx, "t1", models.TaskStatusCompleted, "done")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ReleaseAgent(ctx, "sable", "t1", models.AgentStatusIdle)
	require.NoError(t, err)
	assert.True(t, ok)
}
