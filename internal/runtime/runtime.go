// Package runtime defines the agent runtime contract and its adapters. A
// runtime executes one task prompt for one agent and reports what happened as
// a stream of events that ends with exactly one result.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/neill-k/generic-corp-sub004/pkg/config"
)

// EventKind classifies runtime events.
type EventKind string

const (
	EventThinking   EventKind = "thinking"
	EventToolUse    EventKind = "tool_use"
	EventToolResult EventKind = "tool_result"
	EventMessage    EventKind = "message"
	EventResult     EventKind = "result"
)

// ResultStatus is how a run ended.
type ResultStatus string

const (
	StatusSuccess  ResultStatus = "success"
	StatusMaxTurns ResultStatus = "max_turns"
	StatusError    ResultStatus = "error"
)

// Result is the terminal outcome of a run.
type Result struct {
	Output     string       `json:"output"`
	CostUSD    float64      `json:"costUsd"`
	DurationMs int64        `json:"durationMs"`
	NumTurns   int          `json:"numTurns"`
	Status     ResultStatus `json:"status"`
}

// Event is one item of a run's stream. Only Kind and the fields relevant to
// it are set.
type Event struct {
	Kind    EventKind       `json:"type"`
	Content string          `json:"content,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output,omitempty"`
	Result  *Result         `json:"result,omitempty"`
}

// RunRequest describes one invocation.
type RunRequest struct {
	AgentID      string
	TaskID       string
	Prompt       string
	SystemPrompt string
	Cwd          string
	Tools        ToolPipeline
	Model        string
	MaxTurns     int
}

// Runtime executes agent tasks. The returned channel is closed after the
// result event; a run that cannot start returns an error instead.
type Runtime interface {
	Run(ctx context.Context, req RunRequest) (<-chan Event, error)
}

// New builds the runtime selected by cfg.Kind.
func New(cfg config.RuntimeConfig) (Runtime, error) {
	switch strings.ToLower(cfg.Kind) {
	case "anthropic", "sdk", "":
		return NewAnthropic(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	case "mock":
		return NewEcho(), nil
	default:
		return nil, fmt.Errorf("unknown runtime %q", cfg.Kind)
	}
}

// emitter sends events on out unless ctx is done.
type emitter struct {
	ctx context.Context
	out chan<- Event
}

func (e emitter) send(ev Event) bool {
	select {
	case e.out <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// finish sends the terminal result. It is delivered even after cancellation
// so consumers always see exactly one result.
func (e emitter) finish(r Result) {
	e.out <- Event{Kind: EventResult, Result: &r}
}

func maxTurns(n int) int {
	if n <= 0 {
		return 10
	}
	return n
}
