// Package worker pulls agent task jobs from tenant queues and runs them
// through the agent runtime.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/neill-k/generic-corp-sub004/internal/database"
	"github.com/neill-k/generic-corp-sub004/internal/dispatch"
	"github.com/neill-k/generic-corp-sub004/internal/eventbus"
	"github.com/neill-k/generic-corp-sub004/internal/metrics"
	"github.com/neill-k/generic-corp-sub004/internal/runtime"
	"github.com/neill-k/generic-corp-sub004/internal/telemetry"
	"github.com/neill-k/generic-corp-sub004/internal/workspace"
	"github.com/neill-k/generic-corp-sub004/pkg/messages"
	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

// DefaultBusyDelay is how long a job for a busy agent waits before it is
// offered again.
const DefaultBusyDelay = 2 * time.Second

// Stores resolves tenant stores.
type Stores interface {
	Store(ctx context.Context, tenantID string) (database.Store, error)
}

// ChildCompletion runs when a delegated task reaches a terminal status.
type ChildCompletion interface {
	OnChildTaskCompleted(ctx context.Context, tenantID string, child *models.Task) error
}

// ToolFactory returns the tools available to agent while it runs task.
type ToolFactory func(tenantID string, agent *models.Agent, task *models.Task) runtime.ToolPipeline

// Outcome says what Process did with a job.
type Outcome string

const (
	OutcomeRan      Outcome = "ran"
	OutcomeRequeued Outcome = "requeued"
	OutcomeSkipped  Outcome = "skipped"
)

// ProcessorConfig holds the collaborators of a Processor.
type ProcessorConfig struct {
	Stores     Stores
	Enqueuer   dispatch.Enqueuer
	Runtime    runtime.Runtime
	Delegation ChildCompletion
	Workspace  *workspace.Manager
	Tools      ToolFactory
	Bus        *eventbus.EventBus
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	BusyDelay  time.Duration
	Model      string
	MaxTurns   int
}

// Processor runs one agent task job end to end. It is shared by the Redis
// worker pool and the Temporal activity.
type Processor struct {
	cfg    ProcessorConfig
	logger *slog.Logger
}

// NewProcessor creates a processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BusyDelay <= 0 {
		cfg.BusyDelay = DefaultBusyDelay
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("gcorp/worker")
	}
	return &Processor{cfg: cfg, logger: cfg.Logger}
}

// Process handles one job. attempt counts earlier failed attempts of the same
// job. A returned error means the job should be retried; missing tasks,
// finished tasks and busy agents are handled without error.
func (p *Processor) Process(ctx context.Context, job messages.AgentTaskJob, attempt int) (outcome Outcome, err error) {
	ctx, span := p.cfg.Tracer.Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("gc.tenant", job.TenantID),
		attribute.String("gc.agent", job.AgentName),
		attribute.String("gc.task_id", job.TaskID),
		attribute.Int("gc.attempt", attempt),
	))
	defer func() {
		span.SetAttributes(attribute.String("gc.outcome", string(outcome)))
		telemetry.EndSpan(span, err)
	}()
	return p.process(ctx, job, attempt)
}

func (p *Processor) process(ctx context.Context, job messages.AgentTaskJob, attempt int) (Outcome, error) {
	log := p.logger.With("tenant", job.TenantID, "agent", job.AgentName, "task_id", job.TaskID)

	store, err := p.cfg.Stores.Store(ctx, job.TenantID)
	if err != nil {
		return "", fmt.Errorf("resolve store for tenant %s: %w", job.TenantID, err)
	}

	task, err := store.GetTask(ctx, job.TaskID)
	if errors.Is(err, database.ErrNotFound) {
		log.Warn("task not found, dropping job")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("load task: %w", err)
	}

	agent, err := store.GetAgent(ctx, task.AssigneeID)
	if errors.Is(err, database.ErrNotFound) {
		log.Warn("assignee not found, dropping job", "assignee_id", task.AssigneeID)
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("load assignee: %w", err)
	}
	if agent.Name != job.AgentName {
		log.Warn("job agent differs from task assignee, using assignee", "assignee", agent.Name)
	}

	switch task.Status {
	case models.TaskStatusCompleted, models.TaskStatusFailed:
		if attempt > 0 && task.ParentTaskID != nil {
			// an earlier attempt finished the task but could not deliver it
			return OutcomeRan, p.deliver(ctx, job.TenantID, task)
		}
		log.Debug("task already finished, dropping job", "status", string(task.Status))
		return OutcomeSkipped, nil
	case models.TaskStatusRunning:
		// another job for the same task is in flight
		return p.requeue(ctx, job.TenantID, agent, task, log)
	case models.TaskStatusBlocked:
		reopened, err := store.ReopenTask(ctx, task.ID)
		if err != nil {
			return "", fmt.Errorf("reopen blocked task: %w", err)
		}
		if reopened {
			p.emit(messages.TaskStatusChanged{TaskID: task.ID, Status: string(models.TaskStatusPending), TenantID: job.TenantID})
		}
		task.Status = models.TaskStatusPending
	}

	if agent.Busy() {
		return p.requeue(ctx, job.TenantID, agent, task, log)
	}

	err = store.ClaimTask(ctx, task.ID, agent.ID)
	switch {
	case errors.Is(err, database.ErrAgentBusy):
		return p.requeue(ctx, job.TenantID, agent, task, log)
	case errors.Is(err, database.ErrTaskNotPending):
		log.Debug("task claimed elsewhere, dropping job")
		return OutcomeSkipped, nil
	case err != nil:
		return "", fmt.Errorf("claim task: %w", err)
	}

	p.cfg.Metrics.RecordClaim(job.TenantID)
	p.emit(messages.AgentStatusChanged{AgentID: agent.Name, Status: string(models.AgentStatusRunning), TenantID: job.TenantID})
	p.emit(messages.TaskStatusChanged{TaskID: task.ID, Status: string(models.TaskStatusRunning), TenantID: job.TenantID})
	log.Info("task started")

	p.run(ctx, store, job.TenantID, agent, task, log)

	final, err := store.GetTask(ctx, task.ID)
	if err != nil {
		log.Error("failed to reload task after run", "error", err)
		return OutcomeRan, nil
	}
	if final.Status.IsTerminal() && final.ParentTaskID != nil {
		return OutcomeRan, p.deliver(ctx, job.TenantID, final)
	}
	return OutcomeRan, nil
}

func (p *Processor) requeue(ctx context.Context, tenantID string, agent *models.Agent, task *models.Task, log *slog.Logger) (Outcome, error) {
	err := p.cfg.Enqueuer.EnqueueAgentTask(ctx, dispatch.EnqueueRequest{
		TenantID:  tenantID,
		AgentName: agent.Name,
		TaskID:    task.ID,
		Priority:  task.Priority,
		Delay:     p.cfg.BusyDelay,
	})
	if err != nil {
		return "", fmt.Errorf("re-enqueue for busy agent: %w", err)
	}
	p.cfg.Metrics.RecordBusyRequeue(tenantID)
	log.Info("agent busy, re-queued task", "delay", p.cfg.BusyDelay.String())
	return OutcomeRequeued, nil
}

// run executes the runtime and settles the task and agent. It never returns
// an error: every failure ends up recorded on the task.
func (p *Processor) run(ctx context.Context, store database.Store, tenantID string, agent *models.Agent, task *models.Task, log *slog.Logger) {
	var (
		result *runtime.Result
		runErr error
	)
	tracker := NewProgressTracker(p.cfg.MaxTurns)

	req, err := p.request(tenantID, agent, task)
	if err != nil {
		runErr = err
	} else {
		result, runErr = p.invoke(ctx, tenantID, agent, task, req, tracker)
	}

	if result != nil {
		if err := store.UpdateTaskMetrics(ctx, task.ID, database.TaskMetrics{
			CostUSD:    result.CostUSD,
			DurationMs: result.DurationMs,
			NumTurns:   result.NumTurns,
		}); err != nil {
			log.Error("failed to record task metrics", "error", err)
		}
		log.Info("agent run finished", "status", string(result.Status), "progress", tracker.Summary(result.NumTurns),
			"cost_usd", result.CostUSD, "duration_ms", result.DurationMs)
	}

	// a failed write here is left for the watchdog
	if runErr != nil {
		log.Error("agent run failed", "error", runErr)
		p.finish(ctx, store, tenantID, task, models.TaskStatusFailed, runErr.Error(), result, log)
		released, err := store.ReleaseAgent(ctx, agent.ID, task.ID, models.AgentStatusError)
		if err != nil {
			log.Error("failed to release agent after error", "error", err)
			return
		}
		if !released {
			return
		}
		p.emit(messages.AgentStatusChanged{AgentID: agent.Name, Status: string(models.AgentStatusError), TenantID: tenantID})
		recovered, err := store.RecoverAgent(ctx, agent.ID)
		if err != nil {
			log.Error("failed to recover agent", "error", err)
			return
		}
		if recovered {
			p.emit(messages.AgentStatusChanged{AgentID: agent.Name, Status: string(models.AgentStatusIdle), TenantID: tenantID})
		}
		return
	}

	// only finish_task completes a task; a run that ends with the task
	// still running fails it
	reason := failureReason(result, tracker)
	if result.Status == runtime.StatusSuccess {
		reason = unfinishedReason(result, tracker)
	}
	p.finish(ctx, store, tenantID, task, models.TaskStatusFailed, reason, result, log)

	released, err := store.ReleaseAgent(ctx, agent.ID, task.ID, models.AgentStatusIdle)
	if err != nil {
		log.Error("failed to release agent", "error", err)
		return
	}
	if released {
		p.emit(messages.AgentStatusChanged{AgentID: agent.Name, Status: string(models.AgentStatusIdle), TenantID: tenantID})
	}
}

// finish settles a task that is still running after the run. If the agent
// already finished it through the finish tool, or the watchdog failed it,
// the conditional update is a no-op.
func (p *Processor) finish(ctx context.Context, store database.Store, tenantID string, task *models.Task, status models.TaskStatus, text string, result *runtime.Result, log *slog.Logger) {
	if status == models.TaskStatusFailed && text == "" {
		text = "Agent run failed without a reason"
	}
	ok, err := store.FinishTask(ctx, task.ID, status, text)
	if err != nil {
		log.Error("failed to finish task", "status", string(status), "error", err)
		return
	}
	if !ok {
		current, err := store.GetTask(ctx, task.ID)
		if err == nil {
			status = current.Status
		}
		p.recordFinished(tenantID, status, result)
		return
	}
	p.recordFinished(tenantID, status, result)
	p.emit(messages.TaskStatusChanged{TaskID: task.ID, Status: string(status), TenantID: tenantID})
}

func (p *Processor) recordFinished(tenantID string, status models.TaskStatus, result *runtime.Result) {
	var (
		durationMs int64
		cost       float64
	)
	if result != nil {
		durationMs, cost = result.DurationMs, result.CostUSD
	}
	p.cfg.Metrics.RecordTaskFinished(tenantID, string(status), durationMs, cost)
}

func (p *Processor) request(tenantID string, agent *models.Agent, task *models.Task) (runtime.RunRequest, error) {
	req := runtime.RunRequest{
		AgentID:  agent.Name,
		TaskID:   task.ID,
		Prompt:   task.Prompt,
		Model:    agent.Model,
		MaxTurns: p.cfg.MaxTurns,
	}
	if req.Model == "" {
		req.Model = p.cfg.Model
	}

	var results []PendingResult
	if ws := p.cfg.Workspace; ws != nil {
		cwd, err := ws.Ensure(agent.Name)
		if err != nil {
			return req, fmt.Errorf("prepare workspace: %w", err)
		}
		req.Cwd = cwd
		results = p.pendingResults(agent.Name)
	}
	req.SystemPrompt = BuildSystemPrompt(agent, task, results)
	if p.cfg.Tools != nil {
		req.Tools = p.cfg.Tools(tenantID, agent, task)
	}
	return req, nil
}

// pendingResults loads the newest artifacts, best effort.
func (p *Processor) pendingResults(agentName string) []PendingResult {
	names, err := p.cfg.Workspace.ListResults(agentName)
	if err != nil {
		p.logger.Warn("failed to list results", "agent", agentName, "error", err)
		return nil
	}
	if len(names) > maxPendingResults {
		names = names[len(names)-maxPendingResults:]
	}
	out := make([]PendingResult, 0, len(names))
	for _, name := range names {
		content, err := p.cfg.Workspace.ReadResult(agentName, name, pendingResultBytes)
		if err != nil {
			continue
		}
		out = append(out, PendingResult{File: name, Content: content})
	}
	return out
}

// invoke runs the runtime, relaying every non-result event. A runtime that
// cannot start or whose stream ends without a result is an error.
func (p *Processor) invoke(ctx context.Context, tenantID string, agent *models.Agent, task *models.Task, req runtime.RunRequest, tracker *ProgressTracker) (*runtime.Result, error) {
	if p.cfg.Runtime == nil {
		return nil, errors.New("no agent runtime configured")
	}
	events, err := p.cfg.Runtime.Run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}
	var result *runtime.Result
	for ev := range events {
		if ev.Kind == runtime.EventResult {
			result = ev.Result
			continue
		}
		tracker.Update(ev)
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		p.emit(messages.AgentEvent{
			AgentID:  agent.Name,
			TaskID:   task.ID,
			Kind:     string(ev.Kind),
			Data:     data,
			TenantID: tenantID,
		})
	}
	if result == nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("run interrupted: %w", ctx.Err())
		}
		return nil, errors.New("runtime stream ended without a result")
	}
	return result, nil
}

func (p *Processor) deliver(ctx context.Context, tenantID string, child *models.Task) error {
	if p.cfg.Delegation == nil {
		return nil
	}
	if err := p.cfg.Delegation.OnChildTaskCompleted(ctx, tenantID, child); err != nil {
		return fmt.Errorf("deliver result to parent: %w", err)
	}
	return nil
}

func (p *Processor) emit(ev messages.Event) {
	if p.cfg.Bus != nil {
		p.cfg.Bus.Emit(ev)
	}
}

func failureReason(r *runtime.Result, tracker *ProgressTracker) string {
	out := r.Output
	if out == "" {
		out = tracker.LastMessage()
	}
	out = truncate(out, 500)
	if out == "" {
		return fmt.Sprintf("Agent run ended with status %s", r.Status)
	}
	return fmt.Sprintf("Agent run ended with status %s. Last output: %s", r.Status, out)
}

func unfinishedReason(r *runtime.Result, tracker *ProgressTracker) string {
	out := r.Output
	if out == "" {
		out = tracker.LastMessage()
	}
	return "Agent did not call finish_task. Last output: " + truncate(out, 500)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
