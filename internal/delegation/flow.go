// Package delegation delivers a finished child task's result to the agent
// that delegated it and wakes the parent task.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neill-k/generic-corp-sub004/internal/database"
	"github.com/neill-k/generic-corp-sub004/internal/dispatch"
	"github.com/neill-k/generic-corp-sub004/internal/eventbus"
	"github.com/neill-k/generic-corp-sub004/internal/metrics"
	"github.com/neill-k/generic-corp-sub004/internal/workspace"
	"github.com/neill-k/generic-corp-sub004/pkg/messages"
	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

// Stores resolves the store for a tenant.
type Stores interface {
	Store(ctx context.Context, tenantID string) (database.Store, error)
}

// ArtifactWriter persists a child result into an agent's workspace.
type ArtifactWriter interface {
	WriteResult(agentName string, r workspace.ChildResult) (string, error)
}

// Flow runs when a child task finishes.
type Flow struct {
	stores    Stores
	artifacts ArtifactWriter
	enqueuer  dispatch.Enqueuer
	bus       *eventbus.EventBus
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Config holds the collaborators of a Flow.
type Config struct {
	Stores    Stores
	Artifacts ArtifactWriter
	Enqueuer  dispatch.Enqueuer
	Bus       *eventbus.EventBus
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// New creates a delegation flow.
func New(cfg Config) *Flow {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		stores:    cfg.Stores,
		artifacts: cfg.Artifacts,
		enqueuer:  cfg.Enqueuer,
		bus:       cfg.Bus,
		logger:    logger,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// OnChildTaskCompleted writes child's result into the parent assignee's
// results directory and then re-enqueues the parent at its own priority.
//
// A child without a parent is a no-op. A parent task or agent that no longer
// exists is logged and ignored so the child's own completion never fails
// because of it. The artifact is always written before the enqueue, so a
// failed enqueue still leaves the result on disk.
func (f *Flow) OnChildTaskCompleted(ctx context.Context, tenantID string, child *models.Task) error {
	if child == nil || child.ParentTaskID == nil {
		return nil
	}
	parentID := *child.ParentTaskID
	log := f.logger.With("tenant", tenantID, "child_task_id", child.ID, "parent_task_id", parentID)

	store, err := f.stores.Store(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("delegation: resolve store: %w", err)
	}

	parent, err := store.GetTask(ctx, parentID)
	if errors.Is(err, database.ErrNotFound) {
		log.Warn("parent task not found, dropping child result")
		return nil
	}
	if err != nil {
		return fmt.Errorf("delegation: load parent task: %w", err)
	}

	agent, err := store.GetAgent(ctx, parent.AssigneeID)
	if errors.Is(err, database.ErrNotFound) {
		log.Warn("parent assignee not found, dropping child result", "agent_id", parent.AssigneeID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("delegation: load parent assignee: %w", err)
	}

	completedAt := f.now()
	if child.CompletedAt != nil {
		completedAt = *child.CompletedAt
	}
	path, err := f.artifacts.WriteResult(agent.Name, workspace.ChildResult{
		TaskID:      child.ID,
		Status:      string(child.Status),
		CompletedAt: completedAt,
		Result:      child.ResultText(),
	})
	if err != nil {
		return fmt.Errorf("delegation: write result for %s: %w", agent.Name, err)
	}
	log.Info("delivered child result", "agent", agent.Name, "path", path)

	if parent.Status.IsTerminal() {
		// the parent already finished; the artifact stays for the record
		log.Info("parent task already terminal, not re-enqueuing", "status", string(parent.Status))
		f.metrics.RecordDelegation(tenantID, false)
		return nil
	}

	if parent.Status == models.TaskStatusBlocked {
		reopened, err := store.ReopenTask(ctx, parent.ID)
		if err != nil {
			return fmt.Errorf("delegation: reopen parent: %w", err)
		}
		if reopened {
			f.emit(messages.TaskStatusChanged{TaskID: parent.ID, Status: string(models.TaskStatusPending), TenantID: tenantID})
		}
	}

	err = f.enqueuer.EnqueueAgentTask(ctx, dispatch.EnqueueRequest{
		TenantID:  tenantID,
		AgentName: agent.Name,
		TaskID:    parent.ID,
		Priority:  parent.Priority,
	})
	if err != nil {
		return fmt.Errorf("delegation: re-enqueue parent: %w", err)
	}
	f.metrics.RecordDelegation(tenantID, true)
	return nil
}

func (f *Flow) emit(ev messages.Event) {
	if f.bus != nil {
		f.bus.Emit(ev)
	}
}
