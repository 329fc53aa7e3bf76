package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client is one admitted connection: its verified username and the transport
// it is reached through. Broadcasts are queued on send and written by
// writePump, the only writer of the transport.
type Client struct {
	ID       uuid.UUID
	Username string

	transport Transport
	send      chan Message
	log       *zap.Logger

	mu     sync.Mutex
	closed bool

	// Replay state, set once before writePump starts.
	history  []Message
	replayed map[MessageID]struct{}
}

func newClient(username string, t Transport, buffer int, log *zap.Logger) *Client {
	id := uuid.New()
	return &Client{
		ID:        id,
		Username:  username,
		transport: t,
		send:      make(chan Message, buffer),
		log: log.With(
			zap.String("conn_id", id.String()),
			zap.String("username", username),
			zap.String("remote", t.RemoteAddr()),
		),
	}
}

// enqueue hands a broadcast to the writer without blocking.
func (c *Client) enqueue(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrTransportClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrDeliveryFailed
	}
}

// closeSend stops accepting broadcasts. The writer drains what is queued.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) alive(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// prime records the history snapshot to replay. Broadcasts that were queued
// while the snapshot was read and that it already contains are skipped later.
func (c *Client) prime(history []Message) {
	c.history = history
	c.replayed = make(map[MessageID]struct{}, len(history))
	for _, msg := range history {
		c.replayed[msg.ID] = struct{}{}
	}
}

// writePump pumps the replay, then queued broadcasts, to the transport.
func (c *Client) writePump(ctx context.Context) {
	defer func() {
		_ = c.transport.Close("")
	}()

	for _, msg := range c.history {
		if !c.alive(ctx) {
			return
		}
		if err := c.transport.Send(msg); err != nil {
			if errors.Is(err, ErrTransportClosed) {
				return
			}
			c.log.Warn("replay delivery failed, skipping", zap.String("message_id", string(msg.ID)), zap.Error(err))
		}
	}
	c.history = nil

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if _, dup := c.replayed[msg.ID]; dup {
				continue
			}
			if err := c.transport.Send(msg); err != nil {
				if errors.Is(err, ErrTransportClosed) {
					return
				}
				c.log.Warn("broadcast delivery failed", zap.String("message_id", string(msg.ID)), zap.Error(err))
			}
		}
	}
}
