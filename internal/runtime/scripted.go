package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Func adapts a function to Runtime. The function reports intermediate
// events through emit and returns the result; Func delivers it as the
// terminal event.
type Func func(ctx context.Context, req RunRequest, emit func(Event)) (Result, error)

func (f Func) Run(ctx context.Context, req RunRequest) (<-chan Event, error) {
	out := make(chan Event, 32)
	go func() {
		defer close(out)
		em := emitter{ctx: ctx, out: out}
		start := time.Now()
		res, err := f(ctx, req, func(ev Event) { em.send(ev) })
		if err != nil {
			em.finish(Result{Output: err.Error(), Status: StatusError, DurationMs: time.Since(start).Milliseconds()})
			return
		}
		if res.DurationMs == 0 {
			res.DurationMs = time.Since(start).Milliseconds()
		}
		em.finish(res)
	}()
	return out, nil
}

// NewEcho returns a runtime that answers every prompt with an acknowledgement
// and, when the pipeline offers finish_task, completes the task with it. It
// backs the "mock" runtime kind for local runs.
func NewEcho() Runtime {
	return Func(func(ctx context.Context, req RunRequest, emit func(Event)) (Result, error) {
		reply := fmt.Sprintf("Acknowledged task %s for %s.", req.TaskID, req.AgentID)
		emit(Event{Kind: EventMessage, Content: reply})
		if !hasTool(req.Tools, finishTaskTool) {
			return Result{Output: reply, NumTurns: 1, Status: StatusSuccess}, nil
		}
		input, err := json.Marshal(map[string]string{"status": "completed", "result": reply})
		if err != nil {
			return Result{}, err
		}
		emit(Event{Kind: EventToolUse, Tool: finishTaskTool, Input: input})
		out, err := req.Tools.Execute(ctx, finishTaskTool, input)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", finishTaskTool, err)
		}
		emit(Event{Kind: EventToolResult, Tool: finishTaskTool, Output: out})
		return Result{Output: reply, NumTurns: 2, Status: StatusSuccess}, nil
	})
}

const finishTaskTool = "finish_task"

func hasTool(tools ToolPipeline, name string) bool {
	if tools == nil {
		return false
	}
	for _, d := range tools.Definitions() {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Collect drains a run and returns its events and final result. A stream
// that closes without a result reports an error.
func Collect(events <-chan Event) ([]Event, *Result, error) {
	var all []Event
	var res *Result
	for ev := range events {
		all = append(all, ev)
		if ev.Kind == EventResult {
			res = ev.Result
		}
	}
	if res == nil {
		return all, nil, fmt.Errorf("runtime stream ended without a result")
	}
	return all, res, nil
}
