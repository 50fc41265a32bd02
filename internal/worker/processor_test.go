package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neill-k/generic-corp-sub004/internal/database"
	"github.com/neill-k/generic-corp-sub004/internal/database/dbtest"
	"github.com/neill-k/generic-corp-sub004/internal/delegation"
	"github.com/neill-k/generic-corp-sub004/internal/dispatch"
	"github.com/neill-k/generic-corp-sub004/internal/dispatch/dispatchtest"
	"github.com/neill-k/generic-corp-sub004/internal/eventbus"
	"github.com/neill-k/generic-corp-sub004/internal/runtime"
	"github.com/neill-k/generic-corp-sub004/internal/workspace"
	"github.com/neill-k/generic-corp-sub004/pkg/messages"
	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

type eventLog struct {
	mu     sync.Mutex
	events []messages.Event
}

func (l *eventLog) add(e eventbus.Event) {
	l.mu.Lock()
	l.events = append(l.events, e.Payload)
	l.mu.Unlock()
}

func (l *eventLog) all() []messages.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]messages.Event(nil), l.events...)
}

type recordingDelegation struct {
	mu       sync.Mutex
	children []*models.Task
	err      error
}

func (r *recordingDelegation) OnChildTaskCompleted(_ context.Context, _ string, child *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children = append(r.children, child)
	return r.err
}

type harness struct {
	store    *database.Database
	enqueuer *dispatchtest.Recorder
	ws       *workspace.Manager
	bus      *eventbus.EventBus
	events   *eventLog
	deleg    *recordingDelegation
	cfg      ProcessorConfig
}

func newHarness(t *testing.T, rt runtime.Runtime) *harness {
	t.Helper()
	h := &harness{
		store:    dbtest.NewStore(t),
		enqueuer: &dispatchtest.Recorder{},
		ws:       workspace.New(t.TempDir()),
		bus:      eventbus.New(nil, 100),
		events:   &eventLog{},
		deleg:    &recordingDelegation{},
	}
	h.bus.OnAll(h.events.add)
	h.cfg = ProcessorConfig{
		Stores:     dbtest.Resolver{"acme": h.store},
		Enqueuer:   h.enqueuer,
		Runtime:    rt,
		Delegation: h.deleg,
		Workspace:  h.ws,
		Bus:        h.bus,
		MaxTurns:   10,
	}
	h.cfg.Tools = h.finishTools
	return h
}

// finishTools offers finish_task the way the agent toolset does: a
// conditional finish followed by a status event.
func (h *harness) finishTools(tenantID string, _ *models.Agent, task *models.Task) runtime.ToolPipeline {
	ts := runtime.NewToolset()
	ts.Register(runtime.ToolDefinition{Name: "finish_task"}, func(ctx context.Context, input json.RawMessage) (string, error) {
		var args struct{ Status, Result string }
		if err := json.Unmarshal(input, &args); err != nil {
			return "", err
		}
		ok, err := h.store.FinishTask(ctx, task.ID, models.TaskStatus(args.Status), args.Result)
		if err != nil {
			return "", err
		}
		if ok {
			h.bus.Emit(messages.TaskStatusChanged{TaskID: task.ID, Status: args.Status, TenantID: tenantID})
		}
		return "ok", nil
	})
	return ts
}

func (h *harness) processor() *Processor {
	return NewProcessor(h.cfg)
}

func job(taskID, agent string) messages.AgentTaskJob {
	return messages.AgentTaskJob{TenantID: "acme", AgentName: agent, TaskID: taskID}
}

// succeed answers with output and completes the task through finish_task.
func succeed(output string) runtime.Runtime {
	return runtime.Func(func(ctx context.Context, req runtime.RunRequest, emit func(runtime.Event)) (runtime.Result, error) {
		emit(runtime.Event{Kind: runtime.EventThinking, Content: "considering"})
		emit(runtime.Event{Kind: runtime.EventMessage, Content: output})
		input, err := json.Marshal(map[string]string{"status": "completed", "result": output})
		if err != nil {
			return runtime.Result{}, err
		}
		if _, err := req.Tools.Execute(ctx, "finish_task", input); err != nil {
			return runtime.Result{}, err
		}
		return runtime.Result{Output: output, CostUSD: 0.25, DurationMs: 1200, NumTurns: 2, Status: runtime.StatusSuccess}, nil
	})
}

// answerOnly answers with output but never calls finish_task.
func answerOnly(output string) runtime.Runtime {
	return runtime.Func(func(_ context.Context, _ runtime.RunRequest, emit func(runtime.Event)) (runtime.Result, error) {
		emit(runtime.Event{Kind: runtime.EventMessage, Content: output})
		return runtime.Result{Output: output, NumTurns: 1, Status: runtime.StatusSuccess}, nil
	})
}

func TestProcessRunsTaskToCompletion(t *testing.T) {
	var seen runtime.RunRequest
	rt := runtime.Func(func(ctx context.Context, req runtime.RunRequest, emit func(runtime.Event)) (runtime.Result, error) {
		seen = req
		return succeed("Revenue is up 15%").(runtime.Func)(ctx, req, emit)
	})
	h := newHarness(t, rt)
	ctx := context.Background()
	dbtest.SeedAgent(t, h.store, "sable")
	dbtest.SeedTask(t, h.store, &models.Task{ID: "t1", AssigneeID: "sable", Prompt: "Analyse revenue"})

	outcome, err := h.processor().Process(ctx, job("t1", "sable"), 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRan, outcome)

	task, err := h.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, "Revenue is up 15%", task.ResultText())
	assert.InDelta(t, 0.25, task.CostUSD, 1e-9)
	assert.Equal(t, int64(1200), task.DurationMs)
	assert.Equal(t, 2, task.NumTurns)

	agent, err := h.store.GetAgent(ctx, "sable")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusIdle, agent.Status)
	assert.Nil(t, agent.CurrentTaskID)

	assert.Equal(t, "Analyse revenue", seen.Prompt)
	assert.Equal(t, "sable", seen.AgentID)
	assert.NotEmpty(t, seen.Cwd)
	assert.Contains(t, seen.SystemPrompt, "Task ID: t1")

	events := h.events.all()
	require.Len(t, events, 6)
	assert.Equal(t, messages.AgentStatusChanged{AgentID: "sable", Status: "running", TenantID: "acme"}, events[0])
	assert.Equal(t, messages.TaskStatusChanged{TaskID: "t1", Status: "running", TenantID: "acme"}, events[1])
	assert.Equal(t, messages.AgentStatusChanged{AgentID: "sable", Status: "idle", TenantID: "acme"}, events[5])

	// relayed runtime output and the tool's completion may interleave
	var kinds []string
	for _, ev := range events[2:5] {
		if relay, ok := ev.(messages.AgentEvent); ok {
			assert.Equal(t, "t1", relay.TaskID)
			kinds = append(kinds, relay.Kind)
		}
	}
	assert.Equal(t, []string{"thinking", "message"}, kinds)
	assert.Contains(t, events[2:5], messages.Event(messages.TaskStatusChanged{TaskID: "t1", Status: "completed", TenantID: "acme"}))

	assert.Empty(t, h.deleg.children)
}

func TestProcessRunWithoutFinishToolFailsTask(t *testing.T) {
	h := newHarness(t, answerOnly("Here is the plan you asked for."))
	ctx := context.Background()
	dbtest.SeedAgent(t, h.store, "sable")
	dbtest.SeedTask(t, h.store, &models.Task{ID: "t1", AssigneeID: "sable", Prompt: "plan"})

	outcome, err := h.processor().Process(ctx, job("t1", "sable"), 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRan, outcome)

	task, err := h.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, "Agent did not call finish_task. Last output: Here is the plan you asked for.", task.ResultText())

	agent, err := h.store.GetAgent(ctx, "sable")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusIdle, agent.Status)
	assert.Nil(t, agent.CurrentTaskID)

	events := h.events.all()
	assert.Contains(t, events, messages.Event(messages.TaskStatusChanged{TaskID: "t1", Status: "failed", TenantID: "acme"}))
}

func TestUnfinishedReasonTruncatesOutput(t *testing.T) {
	long := strings.Repeat("é", 600)
	reason := unfinishedReason(&runtime.Result{Output: long}, NewProgressTracker(10))
	assert.Equal(t, "Agent did not call finish_task. Last output: "+strings.Repeat("é", 500), reason)
}

func TestProcessUnsuccessfulRunFailsTask(t *testing.T) {
	rt := runtime.Func(func(_ context.Context, _ runtime.RunRequest, emit func(runtime.Event)) (runtime.Result, error) {
		emit(runtime.Event{Kind: runtime.EventMessage, Content: "still thinking about it"})
		return runtime.Result{NumTurns: 10, Status: runtime.StatusMaxTurns}, nil
	})
	h := newHarness(t, rt)
	ctx := context.Background()
	dbtest.SeedAgent(t, h.store, "sable")
	dbtest.SeedTask(t, h.store, &models.Task{ID: "t1", AssigneeID: "sable", Prompt: "p"})

	_, err := h.processor().Process(ctx, job("t1", "sable"), 0)
	require.NoError(t, err)

	task, err := h.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Contains(t, task.ResultText(), "max_turns")
	assert.Contains(t, task.ResultText(), "still thinking about it")

	agent, err := h.store.GetAgent(ctx, "sable")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusIdle, agent.Status)
}

type brokenRuntime struct{}

func (brokenRuntime) Run(context.Context, runtime.RunRequest) (<-chan runtime.Event, error) {
	return nil, errors.New("sandbox unavailable")
}

func TestProcessRuntimeErrorPutsAgentThroughErrorState(t *testing.T) {
	h := newHarness(t, brokenRuntime{})
	ctx := context.Background()
	dbtest.SeedAgent(t, h.store, "sable")
	dbtest.SeedTask(t, h.store, &models.Task{ID: "t1", AssigneeID: "sable", Prompt: "p"})

	outcome, err := h.processor().Process(ctx, job("t1", "sable"), 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRan, outcome)

	task, err := h.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Contains(t, task.ResultText(), "sandbox unavailable")

	agent, err := h.store.GetAgent(ctx, "sable")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusIdle, agent.Status)
	assert.Nil(t, agent.CurrentTaskID)

	var statuses []string
	for _, ev := range h.events.all() {
		if a, ok := ev.(messages.AgentStatusChanged); ok {
			statuses = append(statuses, a.Status)
		}
	}
	assert.Equal(t, []string{"running", "error", "idle"}, statuses)
}

func TestProcessBusyAgentRequeuesWithDelay(t *testing.T) {
	h := newHarness(t, succeed("x"))
	ctx := context.Background()
	dbtest.SeedAgent(t, h.store, "sable")
	dbtest.StartTask(t, h.store, "sable", "current")
	dbtest.SeedTask(t, h.store, &models.Task{ID: "next", AssigneeID: "sable", Prompt: "p", Priority: 4})

	outcome, err := h.processor().Process(ctx, job("next", "sable"), 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequeued, outcome)

	calls := h.enqueuer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, dispatch.EnqueueRequest{
		TenantID: "acme", AgentName: "sable", TaskID: "next", Priority: 4, Delay: DefaultBusyDelay,
	}, calls[0])

	task, err := h.store.GetTask(ctx, "next")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
}

func TestProcessRequeueFailureIsRetryable(t *testing.T) {
	h := newHarness(t, succeed("x"))
	h.enqueuer.Err = &dispatch.InfraError{Op: "enqueue", TenantID: "acme", Err: errors.New("redis down")}
	dbtest.SeedAgent(t, h.store, "sable")
	dbtest.StartTask(t, h.store, "sable", "current")
	dbtest.SeedTask(t, h.store, &models.Task{ID: "next", AssigneeID: "sable", Prompt: "p"})

	_, err := h.processor().Process(context.Background(), job("next", "sable"), 0)
	require.Error(t, err)
	assert.True(t, dispatch.IsRetryable(err))
}

func TestProcessSkipsMissingAndFinishedTasks(t *testing.T) {
	h := newHarness(t, succeed("x"))
	ctx := context.Background()
	dbtest.SeedAgent(t, h.store, "sable")

	outcome, err := h.processor().Process(ctx, job("ghost", "sable"), 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	dbtest.StartTask(t, h.store, "sable", "done")
	ok, err := h.store.FinishTask(ctx, "done", models.TaskStatusCompleted, "ok")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = h.store.ReleaseAgent(ctx, "sable", "done", models.AgentStatusIdle)
	require.NoError(t, err)

	outcome, err = h.processor().Process(ctx, job("done", "sable"), 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, h.enqueuer.Calls())
	assert.Empty(t, h.events.all())
}

func TestProcessReopensBlockedTask(t *testing.T) {
	h := newHarness(t, succeed("resumed and finished"))
	ctx := context.Background()
	dbtest.SeedAgent(t, h.store, "marcus")
	dbtest.StartTask(t, h.store, "marcus", "parent-1")
	ok, err := h.store.FinishTask(ctx, "parent-1", models.TaskStatusBlocked, "waiting on child-1")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = h.store.ReleaseAgent(ctx, "marcus", "parent-1", models.AgentStatusIdle)
	require.NoError(t, err)

	outcome, err := h.processor().Process(ctx, job("parent-1", "marcus"), 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRan, outcome)

	task, err := h.store.GetTask(ctx, "parent-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	first := h.events.all()[0]
	assert.Equal(t, messages.TaskStatusChanged{TaskID: "parent-1", Status: "pending", TenantID: "acme"}, first)
}

func TestProcessRespectsFinishTool(t *testing.T) {
	rt := runtime.Func(func(ctx context.Context, req runtime.RunRequest, emit func(runtime.Event)) (runtime.Result, error) {
		out, err := req.Tools.Execute(ctx, "finish_task", json.RawMessage(`{"status":"blocked","result":"waiting on child-1"}`))
		if err != nil {
			return runtime.Result{}, err
		}
		emit(runtime.Event{Kind: runtime.EventToolResult, Tool: "finish_task", Output: out})
		return runtime.Result{Output: "I delegated the work.", Status: runtime.StatusSuccess}, nil
	})
	h := newHarness(t, rt)
	ctx := context.Background()
	dbtest.SeedAgent(t, h.store, "marcus")
	dbtest.SeedTask(t, h.store, &models.Task{ID: "parent-1", AssigneeID: "marcus", Prompt: "plan"})

	_, err := h.processor().Process(ctx, job("parent-1", "marcus"), 0)
	require.NoError(t, err)

	task, err := h.store.GetTask(ctx, "parent-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusBlocked, task.Status)
	assert.Equal(t, "waiting on child-1", task.ResultText())

	agent, err := h.store.GetAgent(ctx, "marcus")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusIdle, agent.Status)
}

func TestProcessWatchdogWinsRace(t *testing.T) {
	var h *harness
	rt := runtime.Func(func(ctx context.Context, req runtime.RunRequest, _ func(runtime.Event)) (runtime.Result, error) {
		// the watchdog fires while the agent is still working
		_, err := h.store.ResetStuckAgent(ctx, "sable", req.TaskID, time.Now().Add(time.Hour),
			"Task failed: agent was stuck for more than 30 minutes")
		if err != nil {
			return runtime.Result{}, err
		}
		return runtime.Result{Output: "late answer", Status: runtime.StatusSuccess}, nil
	})
	h = newHarness(t, rt)
	ctx := context.Background()
	dbtest.SeedAgent(t, h.store, "sable")
	dbtest.SeedTask(t, h.store, &models.Task{ID: "t1", AssigneeID: "sable", Prompt: "p"})

	_, err := h.processor().Process(ctx, job("t1", "sable"), 0)
	require.NoError(t, err)

	task, err := h.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Contains(t, task.ResultText(), "stuck")

	agent, err := h.store.GetAgent(ctx, "sable")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusIdle, agent.Status)
	assert.Nil(t, agent.CurrentTaskID)
}

func TestProcessDeliversChildResult(t *testing.T) {
	h := newHarness(t, succeed("Analysis complete: revenue is up 15%"))
	ctx := context.Background()
	dbtest.SeedAgent(t, h.store, "marcus")
	dbtest.SeedAgent(t, h.store, "agent-child")
	dbtest.SeedTask(t, h.store, &models.Task{ID: "parent-1", AssigneeID: "marcus", Prompt: "plan"})
	dbtest.SeedTask(t, h.store, &models.Task{
		ID: "child-1", ParentTaskID: models.StringPtr("parent-1"), AssigneeID: "agent-child",
		DelegatorID: models.StringPtr("marcus"), Prompt: "analyse",
	})

	_, err := h.processor().Process(ctx, job("child-1", "agent-child"), 0)
	require.NoError(t, err)

	require.Len(t, h.deleg.children, 1)
	assert.Equal(t, "child-1", h.deleg.children[0].ID)
	assert.Equal(t, models.TaskStatusCompleted, h.deleg.children[0].Status)
}

func TestProcessRetriesFailedDelivery(t *testing.T) {
	h := newHarness(t, succeed("done"))
	h.deleg.err = errors.New("disk full")
	ctx := context.Background()
	dbtest.SeedAgent(t, h.store, "marcus")
	dbtest.SeedAgent(t, h.store, "agent-child")
	dbtest.SeedTask(t, h.store, &models.Task{ID: "parent-1", AssigneeID: "marcus", Prompt: "plan"})
	dbtest.SeedTask(t, h.store, &models.Task{ID: "child-1", ParentTaskID: models.StringPtr("parent-1"), AssigneeID: "agent-child", Prompt: "c"})

	_, err := h.processor().Process(ctx, job("child-1", "agent-child"), 0)
	require.Error(t, err)

	// the queue retries the job; the task is finished so only delivery reruns
	h.deleg.err = nil
	outcome, err := h.processor().Process(ctx, job("child-1", "agent-child"), 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRan, outcome)
	assert.Len(t, h.deleg.children, 2)
}

func TestProcessWithDelegationFlow(t *testing.T) {
	h := newHarness(t, succeed("Analysis complete: revenue is up 15%"))
	h.cfg.Delegation = delegation.New(delegation.Config{
		Stores:    dbtest.Resolver{"acme": h.store},
		Artifacts: h.ws,
		Enqueuer:  h.enqueuer,
		Bus:       h.bus,
	})
	ctx := context.Background()
	dbtest.SeedAgent(t, h.store, "marcus")
	dbtest.SeedAgent(t, h.store, "agent-child")
	dbtest.SeedTask(t, h.store, &models.Task{ID: "parent-1", AssigneeID: "marcus", Prompt: "plan", Priority: 2})
	dbtest.SeedTask(t, h.store, &models.Task{ID: "child-1", ParentTaskID: models.StringPtr("parent-1"), AssigneeID: "agent-child", Prompt: "c"})

	_, err := h.processor().Process(ctx, job("child-1", "agent-child"), 0)
	require.NoError(t, err)

	names, err := h.ws.ListResults("marcus")
	require.NoError(t, err)
	require.Len(t, names, 1)
	calls := h.enqueuer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "parent-1", calls[0].TaskID)
	assert.Equal(t, 2, calls[0].Priority)

	// the next run of marcus sees the delivered result in its prompt
	var prompt string
	h.cfg.Runtime = runtime.Func(func(_ context.Context, req runtime.RunRequest, _ func(runtime.Event)) (runtime.Result, error) {
		prompt = req.SystemPrompt
		return runtime.Result{Output: "merged", Status: runtime.StatusSuccess}, nil
	})
	_, err = h.processor().Process(ctx, job("parent-1", "marcus"), 0)
	require.NoError(t, err)
	assert.Contains(t, prompt, "revenue is up 15%")
}
