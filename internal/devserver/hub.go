package devserver

import (
	"sync"

	"github.com/ricochet1k/leostream/pkg/stream"
)

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Register adds client unless its id is taken.
func (h *Hub) Register(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.clients[client.ID()]; taken {
		return false
	}
	h.clients[client.ID()] = client
	return true
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()

	if ok {
		client.Close()
	}
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// Publish queues ev on every client subscribed to sessionID and returns how
// many took it. Clients that cannot keep up are dropped.
func (h *Hub) Publish(sessionID string, ev stream.StreamEvent) int {
	delivered := 0
	for _, client := range h.snapshot() {
		if !client.IsSubscribed(sessionID) {
			continue
		}
		if client.Queue(ev) {
			delivered++
			continue
		}
		h.Unregister(client.ID())
	}
	return delivered
}

// Subscribe binds clientID to sessionID. If clientID is unknown and exactly
// one client is connected, that client is bound instead.
func (h *Hub) Subscribe(clientID, sessionID string) (string, bool) {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	if !ok && len(h.clients) == 1 {
		for _, only := range h.clients {
			client, ok = only, true
		}
	}
	h.mu.RUnlock()
	if !ok {
		return "", false
	}
	client.Subscribe(sessionID)
	return client.ID(), true
}

// SubscribeAll binds every connected client to sessionID.
func (h *Hub) SubscribeAll(sessionID string) int {
	clients := h.snapshot()
	for _, client := range clients {
		client.Subscribe(sessionID)
	}
	return len(clients)
}

func (h *Hub) SubscriberCount(sessionID string) int {
	n := 0
	for _, client := range h.snapshot() {
		if client.IsSubscribed(sessionID) {
			n++
		}
	}
	return n
}

func (h *Hub) Has(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[clientID]
	return ok
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every client.
func (h *Hub) Close() {
	for _, client := range h.snapshot() {
		h.Unregister(client.ID())
	}
}
