package messagebus

import (
	"testing"
	"time"

	"github.com/neill-k/generic-corp-sub004/pkg/messages"
)

func TestEventSubject(t *testing.T) {
	tests := []struct {
		typ  messages.EventType
		want string
	}{
		{messages.EventAgentStatusChanged, "gc.events.agent_status_changed"},
		{messages.EventTaskStatusChanged, "gc.events.task_status_changed"},
		{messages.EventTaskCreated, "gc.events.task_created"},
		{messages.EventAgentEvent, "gc.events.agent_event"},
	}

	for _, tc := range tests {
		if got := EventSubject(tc.typ); got != tc.want {
			t.Errorf("EventSubject(%q) = %q, want %q", tc.typ, got, tc.want)
		}
	}
}

func TestNewNatsMessageBus_BadURL(t *testing.T) {
	_, err := NewNatsMessageBus(Config{
		URL:     "nats://nonexistent-host:99999",
		Timeout: 500 * time.Millisecond,
	})
	if err == nil {
		t.Error("expected error connecting to nonexistent NATS")
	}
}
