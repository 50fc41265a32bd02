package messages

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a domain event. Payload shapes for each type are part of
// the relay contract: fields may be added, never renamed or removed.
type EventType string

const (
	EventAgentStatusChanged EventType = "agent_status_changed"
	EventTaskStatusChanged  EventType = "task_status_changed"
	EventTaskCreated        EventType = "task_created"
	EventAgentEvent         EventType = "agent_event"
)

// Event is implemented by every payload that can travel on the bus.
type Event interface {
	EventType() EventType
}

// AgentStatusChanged is emitted on every agent status transition.
type AgentStatusChanged struct {
	AgentID  string `json:"agentId"`
	Status   string `json:"status"`
	TenantID string `json:"tenantId,omitempty"`
}

func (AgentStatusChanged) EventType() EventType { return EventAgentStatusChanged }

// TaskStatusChanged is emitted on every task status transition.
type TaskStatusChanged struct {
	TaskID   string `json:"taskId"`
	Status   string `json:"status"`
	TenantID string `json:"tenantId,omitempty"`
}

func (TaskStatusChanged) EventType() EventType { return EventTaskStatusChanged }

// TaskCreated is emitted when a task row is inserted. Delegator is nil for
// tasks that originate from a human or from the nudger.
type TaskCreated struct {
	TaskID    string  `json:"taskId"`
	Assignee  string  `json:"assignee"`
	Delegator *string `json:"delegator"`
	TenantID  string  `json:"tenantId,omitempty"`
}

func (TaskCreated) EventType() EventType { return EventTaskCreated }

// AgentEvent relays informational runtime output (thinking, tool use, ...).
type AgentEvent struct {
	AgentID  string          `json:"agentId"`
	TaskID   string          `json:"taskId"`
	Kind     string          `json:"kind"`
	Data     json.RawMessage `json:"data,omitempty"`
	TenantID string          `json:"tenantId,omitempty"`
}

func (AgentEvent) EventType() EventType { return EventAgentEvent }

// EventMessage is the wire envelope used when events leave the process.
type EventMessage struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEventMessage wraps an event payload for the wire.
func NewEventMessage(id, source string, ev Event, ts time.Time) (*EventMessage, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.EventType(), err)
	}
	return &EventMessage{
		ID:        id,
		Type:      ev.EventType(),
		Source:    source,
		Timestamp: ts,
		Payload:   raw,
	}, nil
}

// Decode turns the envelope back into its typed payload. Unknown event
// types are rejected.
func (m *EventMessage) Decode() (Event, error) {
	var ev Event
	switch m.Type {
	case EventAgentStatusChanged:
		var p AgentStatusChanged
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, err
		}
		ev = p
	case EventTaskStatusChanged:
		var p TaskStatusChanged
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, err
		}
		ev = p
	case EventTaskCreated:
		var p TaskCreated
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, err
		}
		ev = p
	case EventAgentEvent:
		var p AgentEvent
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, err
		}
		ev = p
	default:
		return nil, fmt.Errorf("unknown event type %q", m.Type)
	}
	return ev, nil
}
