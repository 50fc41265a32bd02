package workflows

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	"github.com/neill-k/generic-corp-sub004/internal/temporal/activities"
	"github.com/neill-k/generic-corp-sub004/internal/worker"
)

type scriptedActivity struct {
	mu      sync.Mutex
	results []activities.ProcessResult
	errs    []error
	calls   int
}

func (s *scriptedActivity) run(_ context.Context, in activities.AgentTaskInput) (activities.ProcessResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return activities.ProcessResult{}, s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], nil
	}
	return activities.ProcessResult{Outcome: worker.OutcomeRan}, nil
}

func newEnv(t *testing.T, act *scriptedActivity) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(AgentTaskWorkflow)
	env.RegisterActivityWithOptions(act.run, activity.RegisterOptions{Name: activities.ProcessAgentTaskName})
	return env
}

var input = activities.AgentTaskInput{TenantID: "acme", AgentName: "sable", TaskID: "t1", Priority: 2}

func TestAgentTaskWorkflowRunsOnce(t *testing.T) {
	act := &scriptedActivity{}
	env := newEnv(t, act)

	env.ExecuteWorkflow(AgentTaskWorkflow, input)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out AgentTaskOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, AgentTaskOutput{Runs: 1, Outcome: worker.OutcomeRan}, out)
	assert.Equal(t, 1, act.calls)
}

func TestAgentTaskWorkflowWaitsForBusyAgent(t *testing.T) {
	act := &scriptedActivity{results: []activities.ProcessResult{
		{Outcome: worker.OutcomeRequeued, RetryAfter: 2 * time.Second},
		{Outcome: worker.OutcomeRequeued, RetryAfter: 2 * time.Second},
		{Outcome: worker.OutcomeRan},
	}}
	env := newEnv(t, act)

	env.ExecuteWorkflow(AgentTaskWorkflow, input)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out AgentTaskOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, 1, out.Runs)
	assert.Equal(t, 2, out.Requeues)
	assert.Equal(t, 3, act.calls)
}

func TestAgentTaskWorkflowRetriesActivityErrors(t *testing.T) {
	act := &scriptedActivity{errs: []error{errors.New("redis down"), nil}}
	env := newEnv(t, act)

	env.ExecuteWorkflow(AgentTaskWorkflow, input)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 2, act.calls)
}

func TestAgentTaskWorkflowGivesUpAfterThreeAttempts(t *testing.T) {
	boom := errors.New("store unavailable")
	act := &scriptedActivity{errs: []error{boom, boom, boom, boom}}
	env := newEnv(t, act)

	env.ExecuteWorkflow(AgentTaskWorkflow, input)
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	assert.Equal(t, 3, act.calls)
}

func TestAgentTaskWorkflowProcessesRedelivery(t *testing.T) {
	act := &scriptedActivity{results: []activities.ProcessResult{
		{Outcome: worker.OutcomeRequeued, RetryAfter: time.Minute},
		{Outcome: worker.OutcomeRan},
		{Outcome: worker.OutcomeRan},
	}}
	env := newEnv(t, act)
	// arrives while the workflow waits out the busy agent
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(RedeliverSignal, nil)
	}, 30*time.Second)

	env.ExecuteWorkflow(AgentTaskWorkflow, input)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out AgentTaskOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	// the signal landed before the real run, so it is consumed by the drain
	// after the busy wait and does not cause an extra pass
	assert.Equal(t, 1, out.Runs)
	assert.Equal(t, 2, act.calls)
}
