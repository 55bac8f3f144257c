package eventbus

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hgschmie/marathon/scheduler"
)

const maxHubConnections = 200

// Hub fans scheduler events out to WebSocket clients. A single broadcaster
// goroutine owns the client set, avoiding a lock-per-write pattern across
// concurrently publishing callers (grounded on the teacher's MetricsHub).
type Hub struct {
	upgrader websocket.Upgrader

	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan scheduler.Event

	mu    sync.RWMutex
	count int
}

// NewHub returns an unstarted Hub. Call Run in its own goroutine before
// Publish is used.
func NewHub() *Hub {
	return &Hub{
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan scheduler.Event, 256),
	}
}

// Run is the hub's single broadcaster loop; it owns h.clients exclusively.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxHubConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("eventbus: hub rejected connection, at capacity (%d)", maxHubConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.count = len(h.clients)
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.count = len(h.clients)
			h.mu.Unlock()

		case event := <-h.events:
			h.broadcast(event)
		}
	}
}

func (h *Hub) broadcast(event scheduler.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("eventbus: hub write error, dropping client: %v", err)
			go func(c *websocket.Conn) { h.unregister <- c }(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.count = 0
}

// Publish implements scheduler.EventPublisher by queuing the event for the
// broadcaster loop. A full queue drops the event rather than blocking the
// caller — the event bus must never feed back into the scheduler core.
func (h *Hub) Publish(ctx context.Context, event scheduler.Event) {
	select {
	case h.events <- event:
	default:
		log.Printf("eventbus: hub queue full, dropping %s event", event.Kind)
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// connection with the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("eventbus: upgrade failed: %v", err)
		return
	}
	h.register <- conn
}

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

var _ scheduler.EventPublisher = (*Hub)(nil)
