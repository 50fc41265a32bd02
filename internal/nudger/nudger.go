// Package nudger wakes idle agents that have pending work by enqueueing a
// low-priority nudge task for them.
package nudger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/neill-k/generic-corp-sub004/internal/database"
	"github.com/neill-k/generic-corp-sub004/internal/dispatch"
	"github.com/neill-k/generic-corp-sub004/internal/eventbus"
	"github.com/neill-k/generic-corp-sub004/internal/metrics"
	"github.com/neill-k/generic-corp-sub004/pkg/messages"
	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

// NudgeContext is stored on every nudge task; it starts with the sentinel.
const NudgeContext = models.NudgeSentinel + " Auto-generated nudge for idle agent with pending work."

// Stores resolves tenant stores and lists the known tenants.
type Stores interface {
	Store(ctx context.Context, tenantID string) (database.Store, error)
	IDs() []string
}

// Config holds the collaborators of a Nudger.
type Config struct {
	Stores   Stores
	Enqueuer dispatch.Enqueuer
	Bus      *eventbus.EventBus
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	// Parallelism bounds concurrent tenant sweeps. Zero means 4.
	Parallelism int
	NewID       func() string
}

// Nudger sweeps idle agents.
type Nudger struct {
	stores      Stores
	enqueuer    dispatch.Enqueuer
	bus         *eventbus.EventBus
	logger      *slog.Logger
	metrics     *metrics.Metrics
	parallelism int
	newID       func() string
}

// Report summarises one sweep.
type Report struct {
	Checked int `json:"checked"`
	Nudged  int `json:"nudged"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

func (r *Report) add(o Report) {
	r.Checked += o.Checked
	r.Nudged += o.Nudged
	r.Skipped += o.Skipped
	r.Errors += o.Errors
}

// New creates a nudger.
func New(cfg Config) *Nudger {
	n := &Nudger{
		stores:      cfg.Stores,
		enqueuer:    cfg.Enqueuer,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		parallelism: cfg.Parallelism,
		newID:       cfg.NewID,
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	if n.parallelism <= 0 {
		n.parallelism = 4
	}
	if n.newID == nil {
		n.newID = uuid.NewString
	}
	return n
}

// Prompt is the instruction given to a nudged agent.
func Prompt(pendingTasks, unreadMessages int) string {
	return fmt.Sprintf("You have %d pending task(s) and %d unread message(s) waiting for your attention. "+
		"Review your task board and inbox, then act on the most important item.", pendingTasks, unreadMessages)
}

// Sweep nudges idle agents across all tenants.
func (n *Nudger) Sweep(ctx context.Context) (Report, error) {
	var (
		mu    sync.Mutex
		total Report
		errs  []error
	)
	g := new(errgroup.Group)
	g.SetLimit(n.parallelism)
	for _, tenantID := range n.stores.IDs() {
		g.Go(func() error {
			r, err := n.SweepTenant(ctx, tenantID)
			mu.Lock()
			defer mu.Unlock()
			total.add(r)
			if err != nil {
				errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return total, errors.Join(errs...)
}

// SweepTenant nudges the idle agents of one tenant. The main agent is never
// nudged, agents with nothing waiting are skipped, and an agent that still has
// an unconsumed nudge gets no second one.
func (n *Nudger) SweepTenant(ctx context.Context, tenantID string) (Report, error) {
	var report Report
	log := n.logger.With("tenant", tenantID)

	store, err := n.stores.Store(ctx, tenantID)
	if err != nil {
		return report, fmt.Errorf("resolve store: %w", err)
	}
	agents, err := store.ListAgentsByStatus(ctx, models.AgentStatusIdle)
	if err != nil {
		return report, fmt.Errorf("list idle agents: %w", err)
	}

	for _, agent := range agents {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if agent.Name == models.MainAgentName {
			continue
		}
		report.Checked++
		nudged, err := n.nudgeAgent(ctx, store, tenantID, agent)
		if err != nil {
			report.Errors++
			log.Error("failed to nudge agent", "agent", agent.Name, "error", err)
			continue
		}
		if nudged {
			report.Nudged++
		} else {
			report.Skipped++
		}
	}
	return report, nil
}

func (n *Nudger) nudgeAgent(ctx context.Context, store database.Store, tenantID string, agent *models.Agent) (bool, error) {
	pending, err := store.CountTasks(ctx, agent.ID, models.TaskStatusPending)
	if err != nil {
		return false, fmt.Errorf("count pending tasks: %w", err)
	}
	unread, err := store.CountUnreadMessages(ctx, agent.ID)
	if err != nil {
		return false, fmt.Errorf("count unread messages: %w", err)
	}
	if pending == 0 && unread == 0 {
		return false, nil
	}

	exists, err := store.HasPendingNudge(ctx, agent.ID)
	if err != nil {
		return false, fmt.Errorf("check existing nudge: %w", err)
	}
	if exists {
		return false, nil
	}

	task := &models.Task{
		ID:         n.newID(),
		AssigneeID: agent.ID,
		Prompt:     Prompt(pending, unread),
		Context:    NudgeContext,
		Priority:   models.NudgePriority,
		Status:     models.TaskStatusPending,
	}
	created, err := store.CreateNudgeTask(ctx, task)
	if err != nil {
		return false, fmt.Errorf("create nudge task: %w", err)
	}
	if !created {
		// a concurrent sweep nudged first
		return false, nil
	}

	err = n.enqueuer.EnqueueAgentTask(ctx, dispatch.EnqueueRequest{
		TenantID:  tenantID,
		AgentName: agent.Name,
		TaskID:    task.ID,
		Priority:  task.Priority,
	})
	if err != nil {
		// a pending nudge blocks the next one, so an undispatched nudge must not stay pending
		if _, abandonErr := store.AbandonTask(ctx, task.ID, "Nudge could not be enqueued: "+err.Error()); abandonErr != nil {
			n.logger.Error("failed to abandon undispatched nudge", "task_id", task.ID, "error", abandonErr)
		}
		return false, fmt.Errorf("enqueue nudge %s: %w", task.ID, err)
	}

	n.logger.Info("nudged idle agent", "tenant", tenantID, "agent", agent.Name, "task_id", task.ID,
		"pending_tasks", pending, "unread_messages", unread)
	n.metrics.RecordNudge(tenantID)
	if n.bus != nil {
		n.bus.Emit(messages.TaskCreated{TaskID: task.ID, Assignee: agent.Name, TenantID: tenantID})
	}
	return true, nil
}
