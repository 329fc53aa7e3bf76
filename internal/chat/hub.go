package chat

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSendBuffer = 256
	defaultTimeFormat = "3:04:05 PM"
)

type HubOptions struct {
	// SendBuffer bounds the broadcast queue of each connection.
	SendBuffer int
	// TimeFormat renders the time-of-day stamp of persisted messages.
	TimeFormat string
	Now        func() time.Time
}

// Hub is the relay engine. Every connection runs Serve in its own goroutine:
// admission, registration, history replay, then persist-then-broadcast for
// each inbound event until the transport closes.
type Hub struct {
	store    MessageStore
	registry *Registry
	fanout   Fanout
	log      *zap.Logger
	opts     HubOptions
}

func NewHub(store MessageStore, registry *Registry, fanout Fanout, log *zap.Logger, opts HubOptions) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = defaultTimeFormat
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		store:    store,
		registry: registry,
		fanout:   fanout,
		log:      log.Named("hub"),
		opts:     opts,
	}
}

// Serve drives one connection through Connecting -> Admitted -> Active ->
// Closed and returns once it is closed. A rejected claim closes the transport
// with the rejection as reason and returns ErrMissingIdentity.
func (h *Hub) Serve(ctx context.Context, t Transport, claim string) error {
	username, err := Admit(claim)
	if err != nil {
		h.log.Info("connection rejected", zap.String("remote", t.RemoteAddr()), zap.Error(err))
		_ = t.Close(err.Error())
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := newClient(username, t, h.opts.SendBuffer, h.log)
	h.registry.Register(client)

	// Broadcasts are already queuing for client, so the snapshot cannot miss
	// a message; the ones it also contains are deduplicated by the writer.
	history, err := h.store.ListAll(ctx)
	if err != nil {
		client.log.Error("history unavailable, skipping replay", zap.Error(err))
	}
	client.prime(history)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		client.writePump(ctx)
	}()

	// Closing the transport is the only way to unblock Receive.
	go func() {
		<-ctx.Done()
		_ = t.Close("")
	}()

	h.readLoop(ctx, client)

	h.registry.Unregister(client)
	<-writerDone
	return nil
}

func (h *Hub) readLoop(ctx context.Context, c *Client) {
	for {
		in, err := c.transport.Receive(ctx)
		if err != nil {
			if !errors.Is(err, ErrTransportClosed) {
				c.log.Warn("receive failed", zap.Error(err))
			}
			return
		}
		h.relay(ctx, c, in)
	}
}

// relay persists the event, then broadcasts it to everyone, sender included.
// A message that fails to persist is dropped and never broadcast.
func (h *Hub) relay(ctx context.Context, c *Client, in Inbound) {
	if !in.Kind.Valid() {
		c.log.Warn("ignoring event of unknown kind", zap.String("kind", string(in.Kind)))
		return
	}

	msg := Message{
		Kind:      in.Kind,
		Text:      in.Text,
		Audio:     in.Audio,
		Author:    c.Username,
		Timestamp: h.opts.Now().Format(h.opts.TimeFormat),
	}

	id, err := h.store.Append(ctx, msg)
	if err != nil {
		c.log.Error("append failed, message dropped", zap.String("kind", string(msg.Kind)), zap.Error(err))
		return
	}
	msg.ID = id

	if err := h.fanout.Publish(ctx, msg); err != nil {
		c.log.Error("broadcast failed", zap.String("message_id", string(id)), zap.Error(err))
	}
}

// Shutdown closes every live connection; each Serve call then returns.
func (h *Hub) Shutdown() {
	n := h.registry.CloseAll()
	h.log.Info("closed live connections", zap.Int("clients", n))
}
