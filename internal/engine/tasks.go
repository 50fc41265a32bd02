package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/neill-k/generic-corp-sub004/internal/database"
	"github.com/neill-k/generic-corp-sub004/internal/dispatch"
	"github.com/neill-k/generic-corp-sub004/internal/eventbus"
	"github.com/neill-k/generic-corp-sub004/pkg/messages"
	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

var (
	// ErrInvalidRequest marks caller mistakes: missing fields, bad status.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrParentNotRunning is returned when delegating from a task that is
	// not currently being worked on.
	ErrParentNotRunning = errors.New("parent task is not running")
	// ErrSelfDelegation is returned when an agent delegates to itself.
	ErrSelfDelegation = errors.New("an agent cannot delegate to itself")
	// ErrNotAssignee is returned when an agent acts on a task it does not hold.
	ErrNotAssignee = errors.New("task is not assigned to this agent")
)

// Stores resolves a tenant's store.
type Stores interface {
	Store(ctx context.Context, tenantID string) (database.Store, error)
}

// TaskServiceConfig holds the collaborators of a TaskService.
type TaskServiceConfig struct {
	Stores   Stores
	Enqueuer dispatch.Enqueuer
	Bus      *eventbus.EventBus
	Logger   *slog.Logger
	NewID    func() string
}

// TaskService creates, delegates and finishes tasks on behalf of humans and
// agents. It is the write path behind the HTTP API and the agent tools.
type TaskService struct {
	stores   Stores
	enqueuer dispatch.Enqueuer
	bus      *eventbus.EventBus
	logger   *slog.Logger
	newID    func() string
}

// NewTaskService creates a task service.
func NewTaskService(cfg TaskServiceConfig) *TaskService {
	s := &TaskService{
		stores:   cfg.Stores,
		enqueuer: cfg.Enqueuer,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		newID:    cfg.NewID,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// CreateTaskRequest asks for a new top-level task.
type CreateTaskRequest struct {
	TenantID string `json:"-"`
	Assignee string `json:"assignee"`
	Prompt   string `json:"prompt"`
	Context  string `json:"context,omitempty"`
	Priority int    `json:"priority"`
}

func (r CreateTaskRequest) validate() error {
	var missing []string
	if r.TenantID == "" {
		missing = append(missing, "tenant")
	}
	if strings.TrimSpace(r.Assignee) == "" {
		missing = append(missing, "assignee")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		missing = append(missing, "prompt")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// CreateTask inserts a task with no parent or delegator and enqueues it.
// Enqueue failures are returned unchanged so callers can check
// dispatch.IsRetryable; the undispatched task is failed rather than left
// pending.
func (s *TaskService) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	store, err := s.stores.Store(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve store for tenant %s: %w", req.TenantID, err)
	}
	assignee, err := store.GetAgentByName(ctx, req.Assignee)
	if err != nil {
		return nil, fmt.Errorf("assignee %q: %w", req.Assignee, err)
	}

	task := &models.Task{
		ID:         s.newID(),
		AssigneeID: assignee.ID,
		Prompt:     req.Prompt,
		Context:    req.Context,
		Priority:   models.ClampPriority(req.Priority),
		Status:     models.TaskStatusPending,
	}
	if err := s.submit(ctx, store, req.TenantID, assignee, task, nil); err != nil {
		return nil, err
	}
	return task, nil
}

// DelegateRequest asks for a child task of the delegating agent's current
// task. A nil Priority inherits the parent's.
type DelegateRequest struct {
	TenantID     string
	From         *models.Agent
	ParentTaskID string
	Assignee     string
	Prompt       string
	Context      string
	Priority     *int
}

// DelegateTask creates a child task assigned to another agent. The parent
// must be running and held by the delegator.
func (s *TaskService) DelegateTask(ctx context.Context, req DelegateRequest) (*models.Task, error) {
	if req.From == nil || req.ParentTaskID == "" || strings.TrimSpace(req.Assignee) == "" || strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: delegation needs a delegator, parent task, assignee and prompt", ErrInvalidRequest)
	}
	store, err := s.stores.Store(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve store for tenant %s: %w", req.TenantID, err)
	}

	parent, err := store.GetTask(ctx, req.ParentTaskID)
	if err != nil {
		return nil, fmt.Errorf("parent task %s: %w", req.ParentTaskID, err)
	}
	if parent.AssigneeID != req.From.ID {
		return nil, fmt.Errorf("parent task %s: %w", parent.ID, ErrNotAssignee)
	}
	if parent.Status != models.TaskStatusRunning {
		return nil, fmt.Errorf("parent task %s is %s: %w", parent.ID, parent.Status, ErrParentNotRunning)
	}

	assignee, err := store.GetAgentByName(ctx, req.Assignee)
	if err != nil {
		return nil, fmt.Errorf("assignee %q: %w", req.Assignee, err)
	}
	if assignee.ID == req.From.ID {
		return nil, ErrSelfDelegation
	}

	priority := parent.Priority
	if req.Priority != nil {
		priority = models.ClampPriority(*req.Priority)
	}
	task := &models.Task{
		ID:           s.newID(),
		ParentTaskID: models.StringPtr(parent.ID),
		AssigneeID:   assignee.ID,
		DelegatorID:  models.StringPtr(req.From.ID),
		Prompt:       req.Prompt,
		Context:      req.Context,
		Priority:     priority,
		Status:       models.TaskStatusPending,
	}
	if err := s.submit(ctx, store, req.TenantID, assignee, task, models.StringPtr(req.From.Name)); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *TaskService) submit(ctx context.Context, store database.Store, tenantID string, assignee *models.Agent, task *models.Task, delegator *string) error {
	if err := store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	err := s.enqueuer.EnqueueAgentTask(ctx, dispatch.EnqueueRequest{
		TenantID:  tenantID,
		AgentName: assignee.Name,
		TaskID:    task.ID,
		Priority:  task.Priority,
	})
	if err != nil {
		if _, abandonErr := store.AbandonTask(ctx, task.ID, "Task could not be enqueued: "+err.Error()); abandonErr != nil {
			s.logger.Error("failed to abandon undispatched task", "tenant", tenantID, "task_id", task.ID, "error", abandonErr)
		}
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}

	attrs := []any{"tenant", tenantID, "task_id", task.ID, "assignee", assignee.Name}
	if delegator != nil {
		attrs = append(attrs, "delegator", *delegator, "parent_task_id", *task.ParentTaskID)
	}
	s.logger.Info("task created", attrs...)
	s.emit(messages.TaskCreated{TaskID: task.ID, Assignee: assignee.Name, Delegator: delegator, TenantID: tenantID})
	return nil
}

// FinishTask records the agent's verdict on its running task. It reports
// false when the task had already left running, e.g. because the watchdog
// reset it.
func (s *TaskService) FinishTask(ctx context.Context, tenantID string, agent *models.Agent, taskID string, status models.TaskStatus, result string) (bool, error) {
	switch status {
	case models.TaskStatusCompleted, models.TaskStatusBlocked:
	case models.TaskStatusFailed:
		if strings.TrimSpace(result) == "" {
			return false, fmt.Errorf("%w: a failed task needs a reason", ErrInvalidRequest)
		}
	default:
		return false, fmt.Errorf("%w: cannot finish a task as %q", ErrInvalidRequest, status)
	}

	store, err := s.stores.Store(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("resolve store for tenant %s: %w", tenantID, err)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("task %s: %w", taskID, err)
	}
	if task.AssigneeID != agent.ID {
		return false, fmt.Errorf("task %s: %w", taskID, ErrNotAssignee)
	}

	ok, err := store.FinishTask(ctx, taskID, status, result)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Warn("task already left running", "tenant", tenantID, "task_id", taskID, "requested", status)
		return false, nil
	}
	s.logger.Info("task finished by agent", "tenant", tenantID, "task_id", taskID, "agent", agent.Name, "status", status)
	s.emit(messages.TaskStatusChanged{TaskID: taskID, Status: string(status), TenantID: tenantID})
	return true, nil
}

// SendMessage delivers a direct message to the named agent. from is nil for
// messages sent by a human.
func (s *TaskService) SendMessage(ctx context.Context, tenantID string, from *models.Agent, to, body string) (*models.Message, error) {
	if strings.TrimSpace(to) == "" || strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: a message needs a recipient and a body", ErrInvalidRequest)
	}
	store, err := s.stores.Store(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve store for tenant %s: %w", tenantID, err)
	}
	recipient, err := store.GetAgentByName(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("recipient %q: %w", to, err)
	}
	msg := &models.Message{ID: s.newID(), ToAgentID: recipient.ID, Body: body}
	if from != nil {
		msg.FromAgentID = models.StringPtr(from.ID)
	}
	if err := store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *TaskService) emit(ev messages.Event) {
	if s.bus != nil {
		s.bus.Emit(ev)
	}
}
