package messagebus

import (
	"context"

	"github.com/neill-k/generic-corp-sub004/pkg/messages"
)

// EventPublisher abstracts event publishing for testability.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *messages.EventMessage) error
}

// EventSubscriber abstracts event subscription for testability.
type EventSubscriber interface {
	SubscribeEvents(eventType messages.EventType, handler func(*messages.EventMessage)) error
}

var (
	_ EventPublisher  = (*NatsMessageBus)(nil)
	_ EventSubscriber = (*NatsMessageBus)(nil)
)
