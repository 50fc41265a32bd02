// Package eventbus is the in-process typed publish/subscribe primitive every
// engine component publishes domain events through.
package eventbus

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/neill-k/generic-corp-sub004/pkg/messages"
)

// Event is the envelope delivered to handlers.
type Event struct {
	Seq       uint64
	Type      messages.EventType
	Timestamp time.Time
	Payload   messages.Event
}

// Handler receives events. Handlers run on the emitting goroutine and must
// hand long work off rather than block.
type Handler func(Event)

type subscription struct {
	id      uint64
	all     bool
	typ     messages.EventType
	handler Handler
}

// EventBus delivers events synchronously, in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	seq    uint64
	logger *slog.Logger
	now    func() time.Time

	// ring buffer of recent events, lost on restart
	recent      []Event
	recentIdx   int
	recentCount int
}

// New creates an event bus that keeps the last historySize events.
func New(logger *slog.Logger, historySize int) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	if historySize <= 0 {
		historySize = 1000
	}
	return &EventBus{
		logger: logger,
		now:    time.Now,
		recent: make([]Event, historySize),
	}
}

// On subscribes handler to one event type. The returned function removes the
// subscription; calling it more than once is harmless.
func (eb *EventBus) On(typ messages.EventType, handler Handler) (unsubscribe func()) {
	return eb.add(&subscription{typ: typ, handler: handler})
}

// OnAll subscribes handler to every event type.
func (eb *EventBus) OnAll(handler Handler) (unsubscribe func()) {
	return eb.add(&subscription{all: true, handler: handler})
}

// Subscribe is a typed On: the handler receives the concrete payload.
func Subscribe[T messages.Event](eb *EventBus, handler func(T)) (unsubscribe func()) {
	var zero T
	return eb.On(zero.EventType(), func(ev Event) {
		if p, ok := ev.Payload.(T); ok {
			handler(p)
		}
	})
}

func (eb *EventBus) add(sub *subscription) func() {
	eb.mu.Lock()
	eb.nextID++
	sub.id = eb.nextID
	eb.subs = append(eb.subs, sub)
	eb.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { eb.remove(sub.id) })
	}
}

func (eb *EventBus) remove(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == id {
			// copy so in-flight Emit snapshots stay valid
			next := make([]*subscription, 0, len(eb.subs)-1)
			next = append(next, eb.subs[:i]...)
			next = append(next, eb.subs[i+1:]...)
			eb.subs = next
			return
		}
	}
}

// Emit delivers payload to every current subscriber of its type. A handler
// that panics is logged and skipped; delivery continues with the rest.
func (eb *EventBus) Emit(payload messages.Event) {
	if payload == nil {
		return
	}

	eb.mu.Lock()
	eb.seq++
	ev := Event{
		Seq:       eb.seq,
		Type:      payload.EventType(),
		Timestamp: eb.now(),
		Payload:   payload,
	}
	eb.recent[eb.recentIdx] = ev
	eb.recentIdx = (eb.recentIdx + 1) % len(eb.recent)
	if eb.recentCount < len(eb.recent) {
		eb.recentCount++
	}
	subs := eb.subs
	eb.mu.Unlock()

	for _, s := range subs {
		if !s.all && s.typ != ev.Type {
			continue
		}
		eb.deliver(s, ev)
	}
}

func (eb *EventBus) deliver(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panicked",
				"event", string(ev.Type),
				"subscription", s.id,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	s.handler(ev)
}

// SubscriberCount returns the number of live subscriptions.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}

// Recent returns up to limit of the most recent events, oldest first.
func (eb *EventBus) Recent(limit int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	n := eb.recentCount
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	start := eb.recentIdx - n
	if start < 0 {
		start += len(eb.recent)
	}
	for i := 0; i < n; i++ {
		out = append(out, eb.recent[(start+i)%len(eb.recent)])
	}
	return out
}
