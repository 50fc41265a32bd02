package database

import (
	"context"
	"errors"
	"time"

	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTaskNotPending is returned by ClaimTask when the task left pending.
	ErrTaskNotPending = errors.New("task is not pending")
	// ErrAgentBusy is returned by ClaimTask when the agent holds another task.
	ErrAgentBusy = errors.New("agent is busy")
)

// TaskMetrics are the runtime figures recorded for a finished run.
type TaskMetrics struct {
	CostUSD    float64
	DurationMs int64
	NumTurns   int
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	AssigneeID string
	Status     models.TaskStatus
	Limit      int
}

// Store is the per-tenant task/agent repository. All status transitions are
// conditional on the current status; a transition that lost a race reports
// false (or a sentinel error) instead of overwriting.
type Store interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	ListAgentsByStatus(ctx context.Context, status models.AgentStatus) ([]*models.Agent, error)
	UpsertAgent(ctx context.Context, agent *models.Agent) error

	GetTask(ctx context.Context, id string) (*models.Task, error)
	CreateTask(ctx context.Context, task *models.Task) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
	CountTasks(ctx context.Context, assigneeID string, status models.TaskStatus) (int, error)
	HasPendingNudge(ctx context.Context, assigneeID string) (bool, error)
	// CreateNudgeTask inserts a nudge task unless the assignee already has a
	// pending one, reporting whether it was inserted.
	CreateNudgeTask(ctx context.Context, task *models.Task) (bool, error)

	CreateMessage(ctx context.Context, msg *models.Message) error
	CountUnreadMessages(ctx context.Context, agentID string) (int, error)
	ListUnreadMessages(ctx context.Context, agentID string, limit int) ([]*models.Message, error)
	MarkMessageRead(ctx context.Context, id string) error

	// ClaimTask moves the task pending->running and the agent to running
	// with the task as current, atomically.
	ClaimTask(ctx context.Context, taskID, agentID string) error
	// FinishTask moves a running task to completed, failed or blocked.
	FinishTask(ctx context.Context, taskID string, status models.TaskStatus, result string) (bool, error)
	// ReleaseAgent clears the agent's current task and sets status, only if
	// the agent still holds taskID.
	ReleaseAgent(ctx context.Context, agentID, taskID string, status models.AgentStatus) (bool, error)
	// RecoverAgent moves an agent from error back to idle.
	RecoverAgent(ctx context.Context, agentID string) (bool, error)
	// ResetStuckAgent idles a running agent whose last update is before
	// cutoff and fails its task with reason, atomically.
	ResetStuckAgent(ctx context.Context, agentID, taskID string, cutoff time.Time, reason string) (StuckReset, error)
	// ReopenTask moves a blocked task back to pending.
	ReopenTask(ctx context.Context, taskID string) (bool, error)
	// AbandonTask moves a pending task straight to failed with reason.
	AbandonTask(ctx context.Context, taskID, reason string) (bool, error)
	UpdateTaskMetrics(ctx context.Context, taskID string, m TaskMetrics) error

	Close() error
}

// StuckReset reports which halves of a stuck reset took effect.
type StuckReset struct {
	AgentReset bool
	TaskFailed bool
}
