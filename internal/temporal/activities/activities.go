package activities

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/neill-k/generic-corp-sub004/internal/worker"
	"github.com/neill-k/generic-corp-sub004/pkg/messages"
)

// ProcessAgentTaskName is the registered name of the task activity.
const ProcessAgentTaskName = "ProcessAgentTask"

// AgentTaskInput identifies one agent task run.
type AgentTaskInput struct {
	TenantID  string `json:"tenantId"`
	AgentName string `json:"agentName"`
	TaskID    string `json:"taskId"`
	Priority  int    `json:"priority"`
}

// Job converts the input into the queue job shape the processor expects.
func (in AgentTaskInput) Job() messages.AgentTaskJob {
	return messages.AgentTaskJob{TenantID: in.TenantID, AgentName: in.AgentName, TaskID: in.TaskID}
}

// ProcessResult reports what the activity did.
type ProcessResult struct {
	Outcome worker.Outcome `json:"outcome"`
	// RetryAfter is set when the agent was busy and the run should be tried
	// again later.
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// Processor runs one agent task job.
type Processor interface {
	Process(ctx context.Context, job messages.AgentTaskJob, attempt int) (worker.Outcome, error)
}

// Activities exposes the worker task flow to Temporal.
type Activities struct {
	processor Processor
	busyDelay time.Duration
}

// NewActivities creates the activities.
func NewActivities(p Processor, busyDelay time.Duration) *Activities {
	if busyDelay <= 0 {
		busyDelay = worker.DefaultBusyDelay
	}
	return &Activities{processor: p, busyDelay: busyDelay}
}

// ProcessAgentTask runs the same flow as a Redis queue worker.
func (a *Activities) ProcessAgentTask(ctx context.Context, in AgentTaskInput) (ProcessResult, error) {
	if err := in.Job().Validate(); err != nil {
		return ProcessResult{}, temporal.NewNonRetryableApplicationError(err.Error(), "InvalidInput", err)
	}

	info := activity.GetInfo(ctx)
	outcome, err := a.processor.Process(ctx, in.Job(), int(info.Attempt)-1)
	if err != nil {
		return ProcessResult{}, err
	}
	res := ProcessResult{Outcome: outcome}
	if outcome == worker.OutcomeRequeued {
		res.RetryAfter = a.busyDelay
	}
	return res, nil
}
