// Package relay streams engine events to websocket clients. Every event
// emitted on the bus is delivered once to each connected client whose
// filter matches; events relayed from other processes can be injected with
// Broadcast.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neill-k/generic-corp-sub004/internal/eventbus"
	"github.com/neill-k/generic-corp-sub004/pkg/messages"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	clientBuffer = 64
)

// Filter selects which events a client receives. Empty fields match all.
type Filter struct {
	TenantID string
	Type     messages.EventType
}

func (f Filter) match(typ messages.EventType, tenantID string) bool {
	if f.Type != "" && f.Type != typ {
		return false
	}
	if f.TenantID != "" && tenantID != "" && f.TenantID != tenantID {
		return false
	}
	return true
}

// TenantOf returns the tenant an event payload belongs to, or "".
func TenantOf(ev messages.Event) string {
	switch p := ev.(type) {
	case messages.AgentStatusChanged:
		return p.TenantID
	case messages.TaskStatusChanged:
		return p.TenantID
	case messages.TaskCreated:
		return p.TenantID
	case messages.AgentEvent:
		return p.TenantID
	}
	return ""
}

type client struct {
	conn   *websocket.Conn
	filter Filter
	send   chan []byte
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans events out to websocket clients.
type Hub struct {
	bus      *eventbus.EventBus
	source   string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	clients     map[*client]struct{}
	unsubscribe func()
	closed      bool
}

// NewHub creates a hub for the events of bus, tagging frames with source.
func NewHub(bus *eventbus.EventBus, source string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:    bus,
		source: source,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// authentication is handled in front of the engine
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Start subscribes to the bus. It is safe to call once.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unsubscribe != nil || h.closed {
		return
	}
	h.unsubscribe = h.bus.OnAll(func(ev eventbus.Event) {
		msg, err := messages.NewEventMessage(strconv.FormatUint(ev.Seq, 10), h.source, ev.Payload, ev.Timestamp)
		if err != nil {
			h.logger.Error("failed to wrap event for relay", "type", ev.Type, "error", err)
			return
		}
		h.deliver(msg, TenantOf(ev.Payload))
	})
}

// Broadcast sends an event received from elsewhere to matching clients.
func (h *Hub) Broadcast(msg *messages.EventMessage) {
	tenantID := ""
	if ev, err := msg.Decode(); err == nil {
		tenantID = TenantOf(ev)
	}
	h.deliver(msg, tenantID)
}

func (h *Hub) deliver(msg *messages.EventMessage, tenantID string) {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode relay frame", "type", msg.Type, "error", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.filter.match(msg.Type, tenantID) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow relay client", "remote", c.conn.RemoteAddr().String())
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client goes
// away. Query parameters tenant and type narrow the stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := Filter{
		TenantID: r.URL.Query().Get("tenant"),
		Type:     messages.EventType(r.URL.Query().Get("type")),
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, filter: filter, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("relay client connected", "remote", conn.RemoteAddr().String(),
		"tenant", filter.TenantID, "type", filter.Type)

	go h.readPump(c)
	h.writePump(c)
}

// readPump discards client input; it exists to process control frames and
// notice disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// Close unsubscribes from the bus and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}
