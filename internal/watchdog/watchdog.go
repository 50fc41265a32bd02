// Package watchdog resets agents that have been running one task for longer
// than the stuck timeout. It is the only path that recovers a wedged agent.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neill-k/generic-corp-sub004/internal/database"
	"github.com/neill-k/generic-corp-sub004/internal/eventbus"
	"github.com/neill-k/generic-corp-sub004/internal/metrics"
	"github.com/neill-k/generic-corp-sub004/pkg/messages"
	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

// DefaultTimeout is how long an agent may hold a task without an update.
const DefaultTimeout = 30 * time.Minute

// Stores resolves tenant stores and lists the known tenants.
type Stores interface {
	Store(ctx context.Context, tenantID string) (database.Store, error)
	IDs() []string
}

// ChildCompletion is notified when the watchdog fails a delegated task so the
// parent is not left waiting.
type ChildCompletion interface {
	OnChildTaskCompleted(ctx context.Context, tenantID string, child *models.Task) error
}

// Config holds the collaborators of a Watchdog.
type Config struct {
	Stores     Stores
	Bus        *eventbus.EventBus
	Delegation ChildCompletion
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Timeout    time.Duration
	// Parallelism bounds concurrent tenant sweeps. Zero means 4.
	Parallelism int
	Now         func() time.Time
}

// Watchdog sweeps running agents.
type Watchdog struct {
	stores      Stores
	bus         *eventbus.EventBus
	delegation  ChildCompletion
	logger      *slog.Logger
	metrics     *metrics.Metrics
	timeout     atomic.Int64
	parallelism int
	now         func() time.Time
}

// Report summarises one sweep.
type Report struct {
	Checked int `json:"checked"`
	Reset   int `json:"reset"`
	Errors  int `json:"errors"`
}

func (r *Report) add(o Report) {
	r.Checked += o.Checked
	r.Reset += o.Reset
	r.Errors += o.Errors
}

// New creates a watchdog.
func New(cfg Config) *Watchdog {
	w := &Watchdog{
		stores:      cfg.Stores,
		bus:         cfg.Bus,
		delegation:  cfg.Delegation,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		parallelism: cfg.Parallelism,
		now:         cfg.Now,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.parallelism <= 0 {
		w.parallelism = 4
	}
	if w.now == nil {
		w.now = time.Now
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	w.timeout.Store(int64(timeout))
	return w
}

// Timeout reports the current stuck timeout.
func (w *Watchdog) Timeout() time.Duration {
	return time.Duration(w.timeout.Load())
}

// SetTimeout changes the stuck timeout for subsequent sweeps.
func (w *Watchdog) SetTimeout(d time.Duration) {
	if d > 0 {
		w.timeout.Store(int64(d))
	}
}

// FailureReason is the result recorded on a task failed by the watchdog.
func FailureReason(timeout time.Duration) string {
	return fmt.Sprintf("Task failed: agent was stuck for more than %d minutes", int(timeout.Round(time.Minute)/time.Minute))
}

// Sweep checks every tenant. Tenants are swept in parallel; a failing tenant
// does not stop the others and its error is joined into the result.
func (w *Watchdog) Sweep(ctx context.Context) (Report, error) {
	var (
		mu    sync.Mutex
		total Report
		errs  []error
	)
	g := new(errgroup.Group)
	g.SetLimit(w.parallelism)
	for _, tenantID := range w.stores.IDs() {
		g.Go(func() error {
			r, err := w.SweepTenant(ctx, tenantID)
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

// SweepTenant resets the stuck agents of one tenant. Only the initial agent
// query can fail the sweep; per-agent failures are logged and counted, and
// the agent is picked up again by the next sweep.
func (w *Watchdog) SweepTenant(ctx context.Context, tenantID string) (Report, error) {
	var report Report
	log := w.logger.With("tenant", tenantID)

	store, err := w.stores.Store(ctx, tenantID)
	if err != nil {
		return report, fmt.Errorf("resolve store: %w", err)
	}
	agents, err := store.ListAgentsByStatus(ctx, models.AgentStatusRunning)
	if err != nil {
		return report, fmt.Errorf("list running agents: %w", err)
	}

	timeout := w.Timeout()
	now := w.now()
	cutoff := now.Add(-timeout)
	reason := FailureReason(timeout)

	for _, agent := range agents {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		if agent.CurrentTaskID == nil {
			continue
		}
		if !agent.UpdatedAt.Before(cutoff) {
			continue
		}
		taskID := *agent.CurrentTaskID
		stuckFor := now.Sub(agent.UpdatedAt).Round(time.Second)

		res, err := store.ResetStuckAgent(ctx, agent.ID, taskID, cutoff, reason)
		if err != nil {
			report.Errors++
			log.Error("failed to reset stuck agent", "agent", agent.Name, "task_id", taskID, "error", err)
			continue
		}
		if !res.AgentReset {
			// the agent finished or moved on since the query
			continue
		}
		report.Reset++
		log.Warn("reset stuck agent", "agent", agent.Name, "task_id", taskID,
			"stuck_for", stuckFor.String(), "task_failed", res.TaskFailed)
		w.metrics.RecordWatchdogReset(tenantID)

		w.emit(messages.AgentStatusChanged{AgentID: agent.Name, Status: string(models.AgentStatusIdle), TenantID: tenantID})
		if !res.TaskFailed {
			continue
		}
		w.emit(messages.TaskStatusChanged{TaskID: taskID, Status: string(models.TaskStatusFailed), TenantID: tenantID})
		w.notifyParent(ctx, store, tenantID, taskID, log)
	}
	return report, nil
}

func (w *Watchdog) notifyParent(ctx context.Context, store database.Store, tenantID, taskID string, log *slog.Logger) {
	if w.delegation == nil {
		return
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		log.Warn("could not reload failed task", "task_id", taskID, "error", err)
		return
	}
	if task.ParentTaskID == nil {
		return
	}
	if err := w.delegation.OnChildTaskCompleted(ctx, tenantID, task); err != nil {
		log.Error("failed to notify parent of stuck child", "task_id", taskID, "error", err)
	}
}

func (w *Watchdog) emit(ev messages.Event) {
	if w.bus != nil {
		w.bus.Emit(ev)
	}
}
