package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Fanout delivers an already persisted message to the broadcast domain.
type Fanout interface {
	Publish(ctx context.Context, msg Message) error
}

// LocalFanout broadcasts straight into this process's registry.
type LocalFanout struct {
	registry *Registry
}

func NewLocalFanout(registry *Registry) *LocalFanout {
	return &LocalFanout{registry: registry}
}

func (f *LocalFanout) Publish(_ context.Context, msg Message) error {
	f.registry.Broadcast(msg, nil)
	return nil
}

// RedisFanout shares one broadcast domain between server instances. Publish
// goes to a Redis channel; Run relays everything on that channel, including
// this instance's own messages, into the local registry.
type RedisFanout struct {
	redis    *redis.Client
	channel  string
	registry *Registry
	log      *zap.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

func NewRedisFanout(client *redis.Client, channel string, registry *Registry, log *zap.Logger) *RedisFanout {
	return &RedisFanout{
		redis:    client,
		channel:  channel,
		registry: registry,
		log:      log.Named("fanout").With(zap.String("channel", channel)),
		ready:    make(chan struct{}),
	}
}

func (f *RedisFanout) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	if err := f.redis.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Ready is closed once the subscription is confirmed by Redis.
func (f *RedisFanout) Ready() <-chan struct{} {
	return f.ready
}

// Run subscribes and forwards until ctx is done.
func (f *RedisFanout) Run(ctx context.Context) error {
	pubsub := f.redis.Subscribe(ctx, f.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	f.readyOnce.Do(func() { close(f.ready) })
	f.log.Info("subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				f.log.Warn("dropping undecodable payload", zap.Error(err))
				continue
			}
			f.registry.Broadcast(msg, nil)
		}
	}
}
