package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Hub fans delivery results and operator alerts out to dashboard websocket
// clients. Slow clients are dropped rather than allowed to stall the
// pipeline's result path.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run pumps registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("stream client registered", "remote", client.conn.RemoteAddr().String())
			}
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
					if h.logger != nil {
						h.logger.Warn("stream client slow, dropped", "remote", client.conn.RemoteAddr().String())
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Broadcast wraps the payload in a typed envelope and queues it for all
// clients. Non-blocking: if nobody drains the hub, the message is dropped.
func (h *Hub) Broadcast(kind string, payload any) {
	data, err := json.Marshal(map[string]any{"type": kind, "payload": payload})
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("stream marshal error", "err", err)
		}
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
