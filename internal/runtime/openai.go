package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/neill-k/generic-corp-sub004/pkg/config"
)

// OpenAI runs agents against the Chat Completions API with function calling.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int64
	maxTurns  int
}

// NewOpenAI creates a runtime with its own client. An empty API key falls
// back to OPENAI_API_KEY.
func NewOpenAI(cfg config.RuntimeConfig) *OpenAI {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	client := openai.NewClient(opts...)
	return NewOpenAIFromClient(&client, cfg)
}

// NewOpenAIFromClient wraps an existing client.
func NewOpenAIFromClient(client *openai.Client, cfg config.RuntimeConfig) *OpenAI {
	o := &OpenAI{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		maxTurns:  cfg.MaxTurns,
	}
	if o.model == "" {
		o.model = openai.ChatModelGPT4oMini
	}
	if o.maxTokens <= 0 {
		o.maxTokens = 4096
	}
	return o
}

func (o *OpenAI) Run(ctx context.Context, req RunRequest) (<-chan Event, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("openai runtime: empty prompt for task %s", req.TaskID)
	}
	out := make(chan Event, 32)
	go o.run(ctx, req, out)
	return out, nil
}

func (o *OpenAI) run(ctx context.Context, req RunRequest, out chan<- Event) {
	defer close(out)
	em := emitter{ctx: ctx, out: out}
	start := time.Now()

	model := o.model
	if req.Model != "" {
		model = req.Model
	}
	limit := maxTurns(req.MaxTurns)
	if req.MaxTurns <= 0 && o.maxTurns > 0 {
		limit = o.maxTurns
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))
	tools := openaiTools(definitions(req.Tools))

	var (
		lastText string
		turns    int
	)
	result := func(status ResultStatus, output string) Result {
		return Result{
			Output:     output,
			DurationMs: time.Since(start).Milliseconds(),
			NumTurns:   turns,
			Status:     status,
		}
	}

	for turns < limit {
		params := openai.ChatCompletionNewParams{
			Messages:            messages,
			Model:               model,
			MaxCompletionTokens: openai.Int(o.maxTokens),
		}
		if len(tools) > 0 {
			params.Tools = tools
		}

		resp, err := o.client.Chat.Completions.New(ctx, params)
		if err != nil {
			em.finish(result(StatusError, fmt.Sprintf("openai api error: %v", err)))
			return
		}
		turns++
		if len(resp.Choices) == 0 {
			em.finish(result(StatusError, "openai api returned no choices"))
			return
		}
		msg := resp.Choices[0].Message
		if msg.Content != "" {
			lastText = msg.Content
			em.send(Event{Kind: EventMessage, Content: msg.Content})
		}
		if len(msg.ToolCalls) == 0 {
			em.finish(result(StatusSuccess, lastText))
			return
		}

		calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
		var replies []openai.ChatCompletionMessageParamUnion
		for _, tc := range msg.ToolCalls {
			input := json.RawMessage(tc.Function.Arguments)
			calls = append(calls, openai.ChatCompletionMessageToolCallParam{
				ID:   tc.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
			em.send(Event{Kind: EventToolUse, Tool: tc.Function.Name, Input: input})
			output, _ := runTool(ctx, req.Tools, tc.Function.Name, input)
			em.send(Event{Kind: EventToolResult, Tool: tc.Function.Name, Output: output})
			replies = append(replies, openai.ToolMessage(output, tc.ID))
		}
		if ctx.Err() != nil {
			em.finish(result(StatusError, "run cancelled: "+ctx.Err().Error()))
			return
		}
		messages = append(messages, openai.ChatCompletionMessageParamUnion{
			OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: calls,
			},
		})
		messages = append(messages, replies...)
	}
	em.finish(result(StatusMaxTurns, lastText))
}

func openaiTools(defs []ToolDefinition) []openai.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.ChatCompletionToolParam, len(defs))
	for i, def := range defs {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  def.Parameters,
			},
		}
	}
	return tools
}
