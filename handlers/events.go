package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventClient is one connected dashboard with its outbound buffer.
type eventClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *eventClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// EventsHub pushes collector lifecycle events to connected dashboards.
// Clients only listen; the read loop exists to notice disconnects.
type EventsHub struct {
	mu      sync.RWMutex
	clients map[*eventClient]bool
}

func NewEventsHub() *EventsHub {
	return &EventsHub{
		clients: make(map[*eventClient]bool),
	}
}

func (h *EventsHub) register(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *EventsHub) unregister(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount returns the number of connected clients.
func (h *EventsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends one event to every connected client. Slow clients get
// skipped rather than blocking the collector.
func (h *EventsHub) Broadcast(event string, payload interface{}) {
	msg, err := json.Marshal(map[string]interface{}{
		"type":      event,
		"payload":   sanitizeJSON(payload),
		"timestamp": time.Now().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("ERROR: Failed to encode %s event: %v", event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			log.Printf("WARNING: Event client buffer full, dropping %s", event)
		}
	}
}

func (h *EventsHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ERROR: WebSocket upgrade failed: %v", err)
		return
	}

	client := &eventClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.register(client)
	go client.writePump()

	h.readPump(client)
}

func (h *EventsHub) readPump(c *eventClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WARNING: WebSocket read error: %v", err)
			}
			return
		}
	}
}
