package chat

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry is the liveness index of the broadcast domain. It holds no history.
type Registry struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
	log     *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		clients: make(map[uuid.UUID]*Client),
		log:     log.Named("registry"),
	}
}

func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	r.clients[c.ID] = c
	n := len(r.clients)
	r.mu.Unlock()

	c.log.Info("client registered", zap.Int("clients", n))
}

// Unregister removes c and closes its send queue. Unknown clients are ignored.
func (r *Registry) Unregister(c *Client) {
	r.mu.Lock()
	_, ok := r.clients[c.ID]
	if ok {
		delete(r.clients, c.ID)
	}
	n := len(r.clients)
	r.mu.Unlock()

	if ok {
		c.closeSend()
		c.log.Info("client unregistered", zap.Int("clients", n))
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Broadcast queues msg for every registered client except exclude (nil keeps
// everyone) and returns how many accepted it. A client whose queue is full is
// dropped and its transport closed in the background, since its writer may be
// stuck on the socket.
func (r *Registry) Broadcast(msg Message, exclude *Client) int {
	clients := r.snapshot()

	delivered := 0
	var failed []*Client
	for _, c := range clients {
		if c == exclude {
			continue
		}
		err := c.enqueue(msg)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrDeliveryFailed):
			failed = append(failed, c)
		}
	}

	for _, c := range failed {
		c.log.Warn("send queue full, dropping client", zap.String("message_id", string(msg.ID)))
		r.Unregister(c)
		go func(c *Client) { _ = c.transport.Close("") }(c)
	}
	return delivered
}

// CloseAll closes every live transport. Each connection then unregisters
// itself as its read loop ends.
func (r *Registry) CloseAll() int {
	clients := r.snapshot()
	for _, c := range clients {
		_ = c.transport.Close("")
	}
	return len(clients)
}

func (r *Registry) snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}
