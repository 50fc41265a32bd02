package messagebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/neill-k/generic-corp-sub004/pkg/messages"
)

// SubjectPrefix roots every subject this process publishes on.
const SubjectPrefix = "gc"

// EventSubject is the subject an event type is published on.
func EventSubject(t messages.EventType) string {
	return fmt.Sprintf("%s.events.%s", SubjectPrefix, t)
}

// NatsMessageBus publishes engine events to NATS with JetStream
type NatsMessageBus struct {
	conn           *nats.Conn
	js             nats.JetStreamContext
	logger         *slog.Logger
	mu             sync.Mutex
	subscriptions  map[string]*nats.Subscription
	streamName     string
	url            string
	consumerPrefix string
}

// Config holds NATS configuration
type Config struct {
	URL            string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName     string        // JetStream stream name (default: "GC_EVENTS")
	Timeout        time.Duration // Connection timeout
	ConsumerPrefix string        // Prefix for durable consumer names
	Logger         *slog.Logger
}

// NewNatsMessageBus connects and makes sure the event stream exists.
func NewNatsMessageBus(cfg Config) (*NatsMessageBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "GC_EVENTS"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("gcorp"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	mb := &NatsMessageBus{
		conn:           nc,
		js:             js,
		logger:         logger,
		subscriptions:  make(map[string]*nats.Subscription),
		streamName:     cfg.StreamName,
		url:            cfg.URL,
		consumerPrefix: cfg.ConsumerPrefix,
	}

	if err := mb.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	logger.Info("connected to NATS", "url", cfg.URL, "stream", cfg.StreamName)
	return mb, nil
}

// ensureStream creates or updates the event stream. Limits retention lets
// several consumers read the same events.
func (mb *NatsMessageBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      mb.streamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	_, err := mb.js.StreamInfo(mb.streamName)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := mb.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		mb.logger.Info("created JetStream stream", "stream", mb.streamName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up stream: %w", err)
	}
	if _, err := mb.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// PublishEvent publishes an event envelope on its type's subject.
func (mb *NatsMessageBus) PublishEvent(ctx context.Context, event *messages.EventMessage) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := EventSubject(event.Type)
	msg := nats.NewMsg(subject)
	msg.Data = data
	// the event id doubles as the JetStream dedup key
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	if _, err := mb.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", subject, err)
	}
	return nil
}

// SubscribeEvents subscribes a durable consumer to one event type, or to all
// of them when eventType is empty.
func (mb *NatsMessageBus) SubscribeEvents(eventType messages.EventType, handler func(*messages.EventMessage)) error {
	subject := EventSubject(eventType)
	consumerName := "events-" + string(eventType)
	if eventType == "" {
		subject = SubjectPrefix + ".events.>"
		consumerName = "events-all"
	}

	return mb.subscribe(subject, consumerName, func(msg *nats.Msg) {
		var event messages.EventMessage
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			mb.logger.Warn("failed to unmarshal event message", "subject", msg.Subject, "error", err)
			// a malformed message will never decode, do not redeliver it
			_ = msg.Term()
			return
		}
		handler(&event)
		_ = msg.Ack()
	})
}

// Conn returns the underlying NATS connection for advanced use
func (mb *NatsMessageBus) Conn() *nats.Conn {
	return mb.conn
}

func (mb *NatsMessageBus) prefixConsumer(name string) string {
	if mb.consumerPrefix != "" {
		return mb.consumerPrefix + "-" + name
	}
	return name
}

func (mb *NatsMessageBus) subscribe(subject, consumerName string, handler nats.MsgHandler) error {
	prefixed := mb.prefixConsumer(consumerName)
	sub, err := mb.js.Subscribe(subject, handler,
		nats.Durable(prefixed),
		nats.AckExplicit(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	mb.track(subject, sub)
	mb.logger.Info("subscribed", "subject", subject, "consumer", prefixed)
	return nil
}

func (mb *NatsMessageBus) track(key string, sub *nats.Subscription) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if old, ok := mb.subscriptions[key]; ok {
		_ = old.Unsubscribe()
	}
	mb.subscriptions[key] = sub
}

// Unsubscribe removes a subscription
func (mb *NatsMessageBus) Unsubscribe(subject string) error {
	mb.mu.Lock()
	sub, ok := mb.subscriptions[subject]
	delete(mb.subscriptions, subject)
	mb.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscription found for %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", subject, err)
	}
	return nil
}

// Close drains subscriptions and closes the connection
func (mb *NatsMessageBus) Close() error {
	mb.mu.Lock()
	subjects := make([]string, 0, len(mb.subscriptions))
	for subject := range mb.subscriptions {
		subjects = append(subjects, subject)
	}
	mb.mu.Unlock()
	for _, subject := range subjects {
		_ = mb.Unsubscribe(subject)
	}

	mb.conn.Close()
	mb.logger.Info("closed NATS connection")
	return nil
}

// Health returns the health status of the NATS connection
func (mb *NatsMessageBus) Health() error {
	if mb.conn.IsClosed() {
		return errors.New("NATS connection is closed")
	}
	if !mb.conn.IsConnected() {
		return errors.New("NATS is not connected")
	}
	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", mb.streamName, err)
	}
	return nil
}

// Stats returns statistics about the message bus
func (mb *NatsMessageBus) Stats() map[string]interface{} {
	mb.mu.Lock()
	subs := len(mb.subscriptions)
	mb.mu.Unlock()

	stats := map[string]interface{}{
		"url":           mb.url,
		"stream":        mb.streamName,
		"connected":     mb.conn.IsConnected(),
		"subscriptions": subs,
	}
	if info, err := mb.js.StreamInfo(mb.streamName); err == nil {
		stats["stream_messages"] = info.State.Msgs
		stats["stream_bytes"] = info.State.Bytes
		stats["stream_consumers"] = info.State.Consumers
	}
	return stats
}
