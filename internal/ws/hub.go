package ws

import (
	"context"
	"encoding/json"
	"sync"

	"blertbank/internal/domain"
	"blertbank/internal/logger"
)

type message struct {
	id   int64
	data []byte
}

// Hub fans committed transactions out to connected feed clients
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	logger.Info("feed client connected", "service", c.Service, "clients", n)
}

// Unregister removes c and closes its send queue. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()

	logger.Info("feed client disconnected", "service", c.Service, "clients", n)
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues each transaction for every client. A client whose queue is
// full is dropped; it can reconnect with ?after= to catch up.
func (h *Hub) Publish(_ context.Context, txns []domain.PostedTransaction) error {
	if len(txns) == 0 {
		return nil
	}

	msgs := make([]message, 0, len(txns))
	for _, t := range txns {
		data, err := json.Marshal(TransactionPayload{Type: MsgTransaction, Transaction: t})
		if err != nil {
			return err
		}
		msgs = append(msgs, message{id: t.ID, data: data})
	}

	var slow []*Client
	h.mu.RLock()
clients:
	for c := range h.clients {
		for _, m := range msgs {
			select {
			case c.send <- m:
			default:
				slow = append(slow, c)
				continue clients
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		logger.Warn("feed client too slow, dropping", "service", c.Service)
		h.Unregister(c)
	}
	return nil
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.Unregister(c)
	}
}
