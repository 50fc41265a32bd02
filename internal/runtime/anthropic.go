package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/neill-k/generic-corp-sub004/pkg/config"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic runs agents against the Anthropic Messages API, looping over
// tool calls until the model stops asking for tools or the turn limit is hit.
type Anthropic struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	maxTurns  int
}

// NewAnthropic creates a runtime with its own client. An empty API key
// falls back to ANTHROPIC_API_KEY.
func NewAnthropic(cfg config.RuntimeConfig) *Anthropic {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	client := anthropic.NewClient(opts...)
	return NewAnthropicFromClient(&client, cfg)
}

// NewAnthropicFromClient wraps an existing client.
func NewAnthropicFromClient(client *anthropic.Client, cfg config.RuntimeConfig) *Anthropic {
	a := &Anthropic{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		maxTurns:  cfg.MaxTurns,
	}
	if a.model == "" {
		a.model = defaultAnthropicModel
	}
	if a.maxTokens <= 0 {
		a.maxTokens = 4096
	}
	return a
}

func (a *Anthropic) Run(ctx context.Context, req RunRequest) (<-chan Event, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("anthropic runtime: empty prompt for task %s", req.TaskID)
	}
	out := make(chan Event, 32)
	go a.run(ctx, req, out)
	return out, nil
}

func (a *Anthropic) run(ctx context.Context, req RunRequest, out chan<- Event) {
	defer close(out)
	em := emitter{ctx: ctx, out: out}
	start := time.Now()

	model := a.model
	if req.Model != "" {
		model = req.Model
	}
	limit := maxTurns(req.MaxTurns)
	if req.MaxTurns <= 0 && a.maxTurns > 0 {
		limit = a.maxTurns
	}

	tools := anthropicTools(definitions(req.Tools))
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
	}

	var (
		cost     float64
		lastText string
		turns    int
	)
	result := func(status ResultStatus, output string) Result {
		return Result{
			Output:     output,
			CostUSD:    cost,
			DurationMs: time.Since(start).Milliseconds(),
			NumTurns:   turns,
			Status:     status,
		}
	}

	for turns < limit {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			Messages:  messages,
			MaxTokens: a.maxTokens,
		}
		if req.SystemPrompt != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
		}
		if len(tools) > 0 {
			params.Tools = tools
		}

		resp, err := a.client.Messages.New(ctx, params)
		if err != nil {
			em.finish(result(StatusError, fmt.Sprintf("anthropic api error: %v", err)))
			return
		}
		turns++
		cost += tokenCost(model, resp.Usage.InputTokens, resp.Usage.OutputTokens)

		var assistant, toolResults []anthropic.ContentBlockParamUnion
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				text := block.AsText().Text
				if text == "" {
					continue
				}
				lastText = text
				assistant = append(assistant, anthropic.NewTextBlock(text))
				em.send(Event{Kind: EventMessage, Content: text})
			case "thinking":
				em.send(Event{Kind: EventThinking, Content: block.AsThinking().Thinking})
			case "tool_use":
				call := block.AsToolUse()
				input := json.RawMessage(call.Input)
				assistant = append(assistant, anthropic.NewToolUseBlock(call.ID, input, call.Name))
				em.send(Event{Kind: EventToolUse, Tool: call.Name, Input: input})

				output, isErr := runTool(ctx, req.Tools, call.Name, input)
				em.send(Event{Kind: EventToolResult, Tool: call.Name, Output: output})
				toolResults = append(toolResults, anthropic.NewToolResultBlock(call.ID, output, isErr))
			}
		}

		if ctx.Err() != nil {
			em.finish(result(StatusError, "run cancelled: "+ctx.Err().Error()))
			return
		}
		if len(toolResults) == 0 {
			em.finish(result(StatusSuccess, lastText))
			return
		}
		messages = append(messages,
			anthropic.NewAssistantMessage(assistant...),
			anthropic.NewUserMessage(toolResults...),
		)
	}
	em.finish(result(StatusMaxTurns, lastText))
}

func anthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]anthropic.ToolUnionParam, len(defs))
	for i, def := range defs {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := def.Parameters["properties"]; ok {
			schema.Properties = props
		}
		if req, ok := def.Parameters["required"].([]string); ok {
			schema.Required = req
		}
		tools[i] = anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tools[i].OfTool != nil && def.Description != "" {
			tools[i].OfTool.Description = anthropic.String(def.Description)
		}
	}
	return tools
}

// USD per million tokens. Unknown models cost zero.
var anthropicPricing = []struct {
	prefix      string
	input, outp float64
}{
	{"claude-opus", 15, 75},
	{"claude-sonnet", 3, 15},
	{"claude-haiku", 0.8, 4},
	{"claude-3-5-haiku", 0.8, 4},
	{"claude-3-5-sonnet", 3, 15},
}

func tokenCost(model string, in, out int64) float64 {
	for _, p := range anthropicPricing {
		if strings.HasPrefix(model, p.prefix) {
			return (float64(in)*p.input + float64(out)*p.outp) / 1e6
		}
	}
	return 0
}
