package worker

import (
	"testing"

	"github.com/neill-k/generic-corp-sub004/internal/runtime"
)

func TestProgressTracker_Summary(t *testing.T) {
	pt := NewProgressTracker(10)
	pt.Update(runtime.Event{Kind: runtime.EventThinking, Content: "planning"})
	pt.Update(runtime.Event{Kind: runtime.EventMessage, Content: "Looking at the numbers."})
	pt.Update(runtime.Event{Kind: runtime.EventToolUse, Tool: "delegate_task"})
	pt.Update(runtime.Event{Kind: runtime.EventToolResult, Tool: "delegate_task", Output: "error: assignee not found"})
	pt.Update(runtime.Event{Kind: runtime.EventToolUse, Tool: "delegate_task"})
	pt.Update(runtime.Event{Kind: runtime.EventToolUse, Tool: "finish_task"})

	got := pt.Summary(3)
	want := "turns 3/10 | 1 messages, tools: delegate_task x2, finish_task x1, 1 tool errors"
	if got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
	if !pt.Called("finish_task") {
		t.Error("expected finish_task to be recorded")
	}
	if pt.Called("send_message") {
		t.Error("send_message was never called")
	}
	if pt.LastMessage() != "Looking at the numbers." {
		t.Errorf("LastMessage() = %q", pt.LastMessage())
	}
}

func TestProgressTracker_Empty(t *testing.T) {
	pt := NewProgressTracker(0)
	if got := pt.Summary(0); got != "turns 0" {
		t.Errorf("Summary() = %q, want %q", got, "turns 0")
	}
	pt.Update(runtime.Event{Kind: runtime.EventMessage})
	if pt.LastMessage() != "" {
		t.Error("empty message content should not replace last message")
	}
}
