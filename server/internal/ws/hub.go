package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/taskmgr818/fractal-at-home/server/internal/model"
)

// ─────────────────────────────────────────────
// Hub: fans dispatcher events out to monitors
// ─────────────────────────────────────────────

// Hub maintains the set of active monitor WebSocket clients and
// broadcasts dispatcher events to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // clientID → Client
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	log.Printf("[hub] monitor %s connected (total: %d)", c.ID, h.ClientCount())
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		close(c.send)
	}
	h.mu.Unlock()
	log.Printf("[hub] monitor %s disconnected (total: %d)", c.ID, h.ClientCount())
}

// ClientCount returns the number of connected monitors.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish broadcasts one dispatcher event. Slow monitors lose events
// rather than stall the dispatcher.
func (h *Hub) Publish(ev model.Event) {
	data, err := json.Marshal(model.Envelope{Type: ev.Type, Payload: ev})
	if err != nil {
		log.Printf("[hub] marshal event error: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Printf("[hub] send buffer full for monitor %s, dropping %s", c.ID, ev.Type)
		}
	}
}
