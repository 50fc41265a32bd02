package worker

import (
	"fmt"
	"strings"

	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

// PendingResult is a delegated child's artifact waiting in the agent's
// results directory.
type PendingResult struct {
	File    string
	Content string
}

const (
	maxPendingResults  = 5
	pendingResultBytes = 500
)

// BuildSystemPrompt assembles the system prompt for one run of task by agent.
func BuildSystemPrompt(agent *models.Agent, task *models.Task, results []PendingResult) string {
	var sb strings.Builder

	if agent.SystemPrompt != "" {
		sb.WriteString(strings.TrimSpace(agent.SystemPrompt))
		sb.WriteString("\n\n")
	} else {
		name := agent.DisplayName
		if name == "" {
			name = agent.Name
		}
		fmt.Fprintf(&sb, "You are %s", name)
		if agent.Role != "" {
			fmt.Fprintf(&sb, ", %s", agent.Role)
		}
		sb.WriteString(".\n\n")
	}

	sb.WriteString("## Current task\n")
	fmt.Fprintf(&sb, "Task ID: %s\n", task.ID)
	if task.DelegatorID != nil {
		fmt.Fprintf(&sb, "Delegated by: %s\n", *task.DelegatorID)
	}
	if task.ParentTaskID != nil {
		fmt.Fprintf(&sb, "Parent task: %s\n", *task.ParentTaskID)
	}
	if task.Context != "" {
		fmt.Fprintf(&sb, "Context: %s\n", task.Context)
	}

	if len(results) > 0 {
		sb.WriteString("\n## Results from delegated tasks\n")
		for _, r := range results {
			fmt.Fprintf(&sb, "### %s\n%s\n", r.File, strings.TrimSpace(r.Content))
		}
	}

	sb.WriteString("\n## Finishing\n")
	sb.WriteString("When you are done call finish_task with status \"completed\" and a short result. ")
	sb.WriteString("If you handed work to someone else and must wait for it, use status \"blocked\". ")
	sb.WriteString("If the task cannot be done, use status \"failed\" and explain why.\n")
	return sb.String()
}
