package workflows

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/neill-k/generic-corp-sub004/internal/temporal/activities"
	"github.com/neill-k/generic-corp-sub004/internal/worker"
)

const (
	// RedeliverSignal asks a running AgentTaskWorkflow to process its task
	// once more after the current run, e.g. because a delegated child
	// finished while the parent was still running.
	RedeliverSignal = "redeliver"

	// maxBusyWaits bounds how long a workflow waits for a busy agent before
	// failing; the watchdog frees stuck agents well within this.
	maxBusyWaits = 1800
)

// ErrAgentBusyTooLong is returned when the agent never became free.
var ErrAgentBusyTooLong = errors.New("agent stayed busy")

// AgentTaskOutput summarises a workflow run.
type AgentTaskOutput struct {
	Runs     int            `json:"runs"`
	Outcome  worker.Outcome `json:"outcome"`
	Requeues int            `json:"requeues"`
}

// AgentTaskWorkflow runs the task activity until it has run (or been
// skipped), waiting while the agent is busy. Redeliveries signalled during
// a run cause one more pass.
func AgentTaskWorkflow(ctx workflow.Context, in activities.AgentTaskInput) (AgentTaskOutput, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("agent task workflow started", "tenant", in.TenantID, "taskID", in.TaskID, "agent", in.AgentName)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 45 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	})

	redeliver := workflow.GetSignalChannel(ctx, RedeliverSignal)
	var out AgentTaskOutput

	for {
		var res activities.ProcessResult
		if err := workflow.ExecuteActivity(ctx, activities.ProcessAgentTaskName, in).Get(ctx, &res); err != nil {
			return out, err
		}
		out.Outcome = res.Outcome

		if res.Outcome == worker.OutcomeRequeued {
			out.Requeues++
			if out.Requeues >= maxBusyWaits {
				return out, fmt.Errorf("task %s: %w", in.TaskID, ErrAgentBusyTooLong)
			}
			if err := workflow.Sleep(ctx, res.RetryAfter); err != nil {
				return out, err
			}
			drain(redeliver)
			continue
		}

		out.Runs++
		if !drain(redeliver) {
			break
		}
		logger.Info("redelivery requested, processing again", "taskID", in.TaskID)
	}

	logger.Info("agent task workflow finished", "taskID", in.TaskID, "outcome", out.Outcome, "runs", out.Runs)
	return out, nil
}

// drain consumes every buffered signal and reports whether there was any.
func drain(ch workflow.ReceiveChannel) bool {
	got := false
	for ch.ReceiveAsync(nil) {
		got = true
	}
	return got
}
