package messagebus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/neill-k/generic-corp-sub004/internal/eventbus"
	"github.com/neill-k/generic-corp-sub004/pkg/messages"
)

const (
	defaultBuffer  = 1024
	publishTimeout = 5 * time.Second
)

// Bridge forwards every event emitted on the local bus to an EventPublisher.
// Bus handlers must not block, so events are buffered and published from a
// single goroutine; per-type order is kept. When the buffer is full the
// event is dropped and counted.
type Bridge struct {
	pub    EventPublisher
	bus    *eventbus.EventBus
	source string
	logger *slog.Logger
	newID  func() string

	mu          sync.Mutex
	started     bool
	buf         chan *messages.EventMessage
	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBridge creates a bridge tagging outgoing events with source.
func NewBridge(pub EventPublisher, bus *eventbus.EventBus, source string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		pub:    pub,
		bus:    bus,
		source: source,
		logger: logger,
		newID:  uuid.NewString,
	}
}

// Start subscribes to the bus and begins publishing.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.buf = make(chan *messages.EventMessage, defaultBuffer)
	b.done = make(chan struct{})
	b.unsubscribe = b.bus.OnAll(b.enqueue)
	go b.run(ctx, b.buf, b.done)
	b.logger.Info("event bridge started", "source", b.source)
}

func (b *Bridge) enqueue(ev eventbus.Event) {
	msg, err := messages.NewEventMessage(b.newID(), b.source, ev.Payload, ev.Timestamp)
	if err != nil {
		b.logger.Error("failed to wrap event", "type", ev.Type, "error", err)
		return
	}
	b.mu.Lock()
	buf := b.buf
	b.mu.Unlock()
	if buf == nil {
		return
	}
	select {
	case buf <- msg:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event bridge buffer full, dropping event", "type", ev.Type, "seq", ev.Seq)
	}
}

func (b *Bridge) run(ctx context.Context, buf <-chan *messages.EventMessage, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-buf:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := b.pub.PublishEvent(pctx, msg)
			cancel()
			if err != nil {
				b.logger.Error("failed to forward event", "type", msg.Type, "event_id", msg.ID, "error", err)
				continue
			}
			b.published.Add(1)
		}
	}
}

// Close unsubscribes from the bus and stops publishing. Buffered events
// that were not yet published are discarded.
func (b *Bridge) Close() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	b.unsubscribe()
	b.cancel()
	done := b.done
	b.buf = nil
	b.mu.Unlock()

	<-done
	b.logger.Info("event bridge closed", "published", b.published.Load(), "dropped", b.dropped.Load())
}

// Published is the number of events successfully forwarded.
func (b *Bridge) Published() int64 { return b.published.Load() }

// Dropped is the number of events lost to a full buffer.
func (b *Bridge) Dropped() int64 { return b.dropped.Load() }

// SubscribeRemote delivers events published by other processes to handler.
// Events carrying source are skipped so a process never sees its own
// events twice.
func SubscribeRemote(conn *nats.Conn, source string, logger *slog.Logger, handler func(*messages.EventMessage)) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return conn.Subscribe(SubjectPrefix+".events.>", func(msg *nats.Msg) {
		var ev messages.EventMessage
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn("failed to unmarshal remote event", "subject", msg.Subject, "error", err)
			return
		}
		if ev.Source == source {
			return
		}
		handler(&ev)
	})
}
