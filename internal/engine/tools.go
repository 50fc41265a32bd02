package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/neill-k/generic-corp-sub004/internal/runtime"
	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

// Tool names offered to every agent run.
const (
	ToolFinishTask   = "finish_task"
	ToolDelegateTask = "delegate_task"
	ToolSendMessage  = "send_message"
	ToolReadMessages = "read_messages"
	ToolListAgents   = "list_agents"
)

const inboxLimit = 20

type finishInput struct {
	Status string `json:"status"`
	Result string `json:"result"`
}

type delegateInput struct {
	Assignee string `json:"assignee"`
	Prompt   string `json:"prompt"`
	Context  string `json:"context"`
	Priority *int   `json:"priority"`
}

type messageInput struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func decodeInput(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// AgentTools builds the tool pipeline for one run of task by agent. Its
// signature matches worker.ToolFactory.
func (s *TaskService) AgentTools(tenantID string, agent *models.Agent, task *models.Task) runtime.ToolPipeline {
	ts := runtime.NewToolset()

	ts.Register(runtime.ToolDefinition{
		Name:        ToolFinishTask,
		Description: "Record the outcome of your current task. Use blocked while waiting on delegated work.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": map[string]any{
					"type": "string",
					"enum": []string{"completed", "blocked", "failed"},
				},
				"result": map[string]any{
					"type":        "string",
					"description": "Short summary of the outcome, or the reason for failure.",
				},
			},
			"required": []string{"status", "result"},
		},
	}, func(ctx context.Context, raw json.RawMessage) (string, error) {
		var in finishInput
		if err := decodeInput(raw, &in); err != nil {
			return "", err
		}
		status := models.TaskStatus(strings.ToLower(strings.TrimSpace(in.Status)))
		ok, err := s.FinishTask(ctx, tenantID, agent, task.ID, status, in.Result)
		if err != nil {
			return "", err
		}
		if !ok {
			return fmt.Sprintf("Task %s was no longer running; nothing recorded.", task.ID), nil
		}
		return fmt.Sprintf("Task %s marked %s.", task.ID, status), nil
	})

	ts.Register(runtime.ToolDefinition{
		Name:        ToolDelegateTask,
		Description: "Hand a piece of your current task to another agent. Their result is delivered back to you.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"assignee": map[string]any{"type": "string", "description": "Name of the agent to delegate to."},
				"prompt":   map[string]any{"type": "string", "description": "What the agent should do."},
				"context":  map[string]any{"type": "string", "description": "Background the agent needs."},
				"priority": map[string]any{"type": "integer", "description": "Lower runs sooner. Defaults to your task's priority."},
			},
			"required": []string{"assignee", "prompt"},
		},
	}, func(ctx context.Context, raw json.RawMessage) (string, error) {
		var in delegateInput
		if err := decodeInput(raw, &in); err != nil {
			return "", err
		}
		child, err := s.DelegateTask(ctx, DelegateRequest{
			TenantID:     tenantID,
			From:         agent,
			ParentTaskID: task.ID,
			Assignee:     in.Assignee,
			Prompt:       in.Prompt,
			Context:      in.Context,
			Priority:     in.Priority,
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Delegated task %s to %s.", child.ID, in.Assignee), nil
	})

	ts.Register(runtime.ToolDefinition{
		Name:        ToolSendMessage,
		Description: "Send a direct message to another agent.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to":   map[string]any{"type": "string"},
				"body": map[string]any{"type": "string"},
			},
			"required": []string{"to", "body"},
		},
	}, func(ctx context.Context, raw json.RawMessage) (string, error) {
		var in messageInput
		if err := decodeInput(raw, &in); err != nil {
			return "", err
		}
		msg, err := s.SendMessage(ctx, tenantID, agent, in.To, in.Body)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Message %s sent to %s.", msg.ID, in.To), nil
	})

	ts.Register(runtime.ToolDefinition{
		Name:        ToolReadMessages,
		Description: "Read and acknowledge your unread messages, oldest first.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(ctx context.Context, _ json.RawMessage) (string, error) {
		return s.readInbox(ctx, tenantID, agent)
	})

	ts.Register(runtime.ToolDefinition{
		Name:        ToolListAgents,
		Description: "List the agents you can delegate to or message.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(ctx context.Context, _ json.RawMessage) (string, error) {
		return s.roster(ctx, tenantID, agent)
	})

	return ts
}

func (s *TaskService) readInbox(ctx context.Context, tenantID string, agent *models.Agent) (string, error) {
	store, err := s.stores.Store(ctx, tenantID)
	if err != nil {
		return "", err
	}
	msgs, err := store.ListUnreadMessages(ctx, agent.ID, inboxLimit)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "No unread messages.", nil
	}

	var sb strings.Builder
	for _, m := range msgs {
		from := "human"
		if m.FromAgentID != nil {
			from = *m.FromAgentID
			if sender, err := store.GetAgent(ctx, *m.FromAgentID); err == nil {
				from = sender.Name
			}
		}
		fmt.Fprintf(&sb, "[%s] from %s: %s\n", m.CreatedAt.UTC().Format("2006-01-02 15:04"), from, m.Body)
		if err := store.MarkMessageRead(ctx, m.ID); err != nil {
			s.logger.Warn("failed to mark message read", "tenant", tenantID, "message_id", m.ID, "error", err)
		}
	}
	return sb.String(), nil
}

func (s *TaskService) roster(ctx context.Context, tenantID string, self *models.Agent) (string, error) {
	store, err := s.stores.Store(ctx, tenantID)
	if err != nil {
		return "", err
	}
	agents, err := store.ListAgents(ctx)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, a := range agents {
		if a.ID == self.ID {
			continue
		}
		role := a.Role
		if role == "" {
			role = "no role"
		}
		fmt.Fprintf(&sb, "- %s (%s) %s\n", a.Name, role, a.Status)
	}
	if sb.Len() == 0 {
		return "You are the only agent.", nil
	}
	return sb.String(), nil
}
