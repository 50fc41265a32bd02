package models

import (
	"fmt"
	"time"
)

// AgentStatus is the lifecycle state of an agent. The engine is the only
// writer; API handlers read it.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusRunning AgentStatus = "running"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

// Valid reports whether s is one of the known agent states.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusRunning, AgentStatusError, AgentStatusOffline:
		return true
	}
	return false
}

// ParseAgentStatus converts a stored string into an AgentStatus.
func ParseAgentStatus(s string) (AgentStatus, error) {
	st := AgentStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown agent status %q", s)
	}
	return st, nil
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusBlocked   TaskStatus = "blocked"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is permitted from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// ParseTaskStatus converts a stored string into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return st, nil
}

const (
	// MainAgentName is the router agent. It is never nudged.
	MainAgentName = "main"

	// NudgeSentinel prefixes the context of synthetic nudge tasks.
	NudgeSentinel = "SYSTEM NUDGE:"

	// MaxPriority and MinPriority bound task priorities. Lower sorts first,
	// so MaxPriority is the lowest precedence a task can have.
	MaxPriority = 1 << 20
	MinPriority = -(1 << 20)

	// NudgePriority sorts a nudge behind all normal work.
	NudgePriority = MaxPriority
)

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Agent is a named worker on the roster.
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	DisplayName   string      `json:"display_name,omitempty"`
	Role          string      `json:"role,omitempty"`
	SystemPrompt  string      `json:"system_prompt,omitempty"`
	Model         string      `json:"model,omitempty"`
	Status        AgentStatus `json:"status"`
	CurrentTaskID *string     `json:"current_task_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	DeletedAt     *time.Time  `json:"deleted_at,omitempty"`
}

// Busy reports whether the agent is executing a task.
func (a *Agent) Busy() bool {
	return a.Status == AgentStatusRunning && a.CurrentTaskID != nil
}

// Task is one unit of delegated work.
type Task struct {
	ID           string     `json:"id"`
	ParentTaskID *string    `json:"parent_task_id,omitempty"`
	AssigneeID   string     `json:"assignee_id"`
	DelegatorID  *string    `json:"delegator_id,omitempty"`
	Prompt       string     `json:"prompt"`
	Context      string     `json:"context,omitempty"`
	Priority     int        `json:"priority"`
	Status       TaskStatus `json:"status"`
	Result       *string    `json:"result,omitempty"`
	CostUSD      float64    `json:"cost_usd"`
	DurationMs   int64      `json:"duration_ms"`
	NumTurns     int        `json:"num_turns"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// IsNudge reports whether the task is a synthetic nudge marker.
func (t *Task) IsNudge() bool {
	return len(t.Context) >= len(NudgeSentinel) && t.Context[:len(NudgeSentinel)] == NudgeSentinel
}

// ResultText returns the result or "" when none was recorded.
func (t *Task) ResultText() string {
	if t.Result == nil {
		return ""
	}
	return *t.Result
}

// Message is a direct message between agents (or from a human).
type Message struct {
	ID          string     `json:"id"`
	FromAgentID *string    `json:"from_agent_id,omitempty"`
	ToAgentID   string     `json:"to_agent_id"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
