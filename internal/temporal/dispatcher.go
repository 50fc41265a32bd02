package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/neill-k/generic-corp-sub004/internal/dispatch"
	"github.com/neill-k/generic-corp-sub004/internal/metrics"
	"github.com/neill-k/generic-corp-sub004/internal/temporal/activities"
	"github.com/neill-k/generic-corp-sub004/internal/temporal/workflows"
)

// DefaultTaskQueue is the Temporal task queue agent task workflows run on.
const DefaultTaskQueue = "gc-agent-tasks"

// WorkflowID is the deterministic workflow id for a task. One task has at
// most one running workflow.
func WorkflowID(taskID string) string {
	return "agent-task-" + taskID
}

// WorkflowStarter is the part of client.Client the dispatcher uses.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg interface{}) error
}

// Dispatcher enqueues agent tasks by starting AgentTaskWorkflow executions.
type Dispatcher struct {
	client    WorkflowStarter
	taskQueue string
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// executionTimeout caps a whole workflow, busy waits included. Zero
	// means no limit.
	executionTimeout time.Duration
}

// NewDispatcher creates a Temporal-backed dispatcher.
func NewDispatcher(c WorkflowStarter, taskQueue string, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{client: c, taskQueue: taskQueue, logger: logger, metrics: m}
}

// EnqueueAgentTask starts the task's workflow. If it is already running
// the enqueue succeeds and the workflow is asked to process the task again
// once its current run ends.
func (d *Dispatcher) EnqueueAgentTask(ctx context.Context, req dispatch.EnqueueRequest) (err error) {
	defer func() { d.metrics.RecordEnqueue(req.TenantID, "temporal", err) }()

	in := activities.AgentTaskInput{
		TenantID:  req.TenantID,
		AgentName: req.AgentName,
		TaskID:    req.TaskID,
		Priority:  req.Priority,
	}
	if err := in.Job().Validate(); err != nil {
		return fmt.Errorf("invalid enqueue request: %w", err)
	}

	id := WorkflowID(req.TaskID)
	opts := client.StartWorkflowOptions{
		ID:                    id,
		TaskQueue:             d.taskQueue,
		StartDelay:               req.Delay,
		WorkflowExecutionTimeout: d.executionTimeout,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		// surface the conflict instead of silently returning the running execution
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}

	_, err = d.client.ExecuteWorkflow(ctx, opts, workflows.AgentTaskWorkflow, in)
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	switch {
	case err == nil:
		d.logger.Debug("started agent task workflow", "tenant", req.TenantID, "task_id", req.TaskID, "workflow_id", id)
		return nil
	case errors.As(err, &started):
		return d.redeliver(ctx, req, id)
	default:
		return &dispatch.InfraError{Op: "start agent task workflow", TenantID: req.TenantID, Err: err}
	}
}

func (d *Dispatcher) redeliver(ctx context.Context, req dispatch.EnqueueRequest, id string) error {
	err := d.client.SignalWorkflow(ctx, id, "", workflows.RedeliverSignal, nil)
	if err == nil {
		d.logger.Debug("agent task workflow already running, redelivery signalled", "task_id", req.TaskID, "workflow_id", id)
		return nil
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		// finished between start and signal; the task state decides what
		// the next run does, so a fresh start is safe
		retry := req
		retry.Delay = 0
		return d.startOnce(ctx, retry, id)
	}
	return &dispatch.InfraError{Op: "signal agent task workflow", TenantID: req.TenantID, Err: err}
}

func (d *Dispatcher) startOnce(ctx context.Context, req dispatch.EnqueueRequest, id string) error {
	in := activities.AgentTaskInput{TenantID: req.TenantID, AgentName: req.AgentName, TaskID: req.TaskID, Priority: req.Priority}
	_, err := d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       id,
		TaskQueue:                d.taskQueue,
		WorkflowExecutionTimeout: d.executionTimeout,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}, workflows.AgentTaskWorkflow, in)
	if err != nil {
		return &dispatch.InfraError{Op: "restart agent task workflow", TenantID: req.TenantID, Err: err}
	}
	return nil
}

var _ dispatch.Enqueuer = (*Dispatcher)(nil)
