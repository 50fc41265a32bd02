package worker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/neill-k/generic-corp-sub004/internal/runtime"
)

// ProgressTracker accumulates what happened during one agent run so the
// worker can log a compact summary and explain a run that ended without the
// agent finishing its task.
type ProgressTracker struct {
	maxTurns    int
	toolCalls   map[string]int
	toolErrors  int
	messages    int
	thinking    int
	lastMessage string
}

// NewProgressTracker creates a tracker for a run limited to maxTurns.
func NewProgressTracker(maxTurns int) *ProgressTracker {
	return &ProgressTracker{
		maxTurns:  maxTurns,
		toolCalls: make(map[string]int),
	}
}

// Update records one runtime event.
func (pt *ProgressTracker) Update(ev runtime.Event) {
	switch ev.Kind {
	case runtime.EventToolUse:
		pt.toolCalls[ev.Tool]++
	case runtime.EventToolResult:
		if strings.HasPrefix(ev.Output, "error:") {
			pt.toolErrors++
		}
	case runtime.EventMessage:
		pt.messages++
		if ev.Content != "" {
			pt.lastMessage = ev.Content
		}
	case runtime.EventThinking:
		pt.thinking++
	}
}

// Called reports whether the agent invoked tool during the run.
func (pt *ProgressTracker) Called(tool string) bool {
	return pt.toolCalls[tool] > 0
}

// LastMessage is the most recent non-empty assistant message.
func (pt *ProgressTracker) LastMessage() string {
	return pt.lastMessage
}

// Summary returns a one-line description of the run.
func (pt *ProgressTracker) Summary(turns int) string {
	var sb strings.Builder
	if pt.maxTurns > 0 {
		fmt.Fprintf(&sb, "turns %d/%d", turns, pt.maxTurns)
	} else {
		fmt.Fprintf(&sb, "turns %d", turns)
	}

	var items []string
	if pt.messages > 0 {
		items = append(items, fmt.Sprintf("%d messages", pt.messages))
	}
	if len(pt.toolCalls) > 0 {
		names := make([]string, 0, len(pt.toolCalls))
		for name := range pt.toolCalls {
			names = append(names, name)
		}
		sort.Strings(names)
		calls := make([]string, len(names))
		for i, name := range names {
			calls[i] = fmt.Sprintf("%s x%d", name, pt.toolCalls[name])
		}
		items = append(items, "tools: "+strings.Join(calls, ", "))
	}
	if pt.toolErrors > 0 {
		items = append(items, fmt.Sprintf("%d tool errors", pt.toolErrors))
	}
	if len(items) > 0 {
		sb.WriteString(" | ")
		sb.WriteString(strings.Join(items, ", "))
	}
	return sb.String()
}
