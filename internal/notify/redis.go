package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const pokeChannel = "driftpad:poke"

// RedisBridge fans pokes out across processes: Poke publishes the user id
// to a Redis channel, and every process relays what it hears into its own
// in-process hub. Delivery semantics stay the hub's — best-effort,
// at-most-once, local connections only.
type RedisBridge struct {
	client *redis.Client
	hub    *Hub
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisBridge(redisURL string, hub *Hub, logger *slog.Logger) (*RedisBridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return newBridge(client, hub, logger)
}

// NewRedisBridgeWithClient wires an existing Redis client (tests).
func NewRedisBridgeWithClient(client *redis.Client, hub *Hub, logger *slog.Logger) (*RedisBridge, error) {
	return newBridge(client, hub, logger)
}

func newBridge(client *redis.Client, hub *Hub, logger *slog.Logger) (*RedisBridge, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	bridge := &RedisBridge{
		client: client,
		hub:    hub,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	sub := client.Subscribe(runCtx, pokeChannel)
	confirmCtx, confirmCancel := context.WithTimeout(runCtx, 5*time.Second)
	defer confirmCancel()
	if _, err := sub.Receive(confirmCtx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to poke channel: %w", err)
	}

	go bridge.relay(runCtx, sub)
	return bridge, nil
}

func (b *RedisBridge) Poke(ctx context.Context, userID string) {
	if err := b.client.Publish(ctx, pokeChannel, userID).Err(); err != nil {
		// Redis being down should not cost connected clients their poke.
		b.logger.WarnContext(ctx, "poke publish failed, delivering locally", "error", err)
		b.hub.Poke(ctx, userID)
	}
}

func (b *RedisBridge) relay(ctx context.Context, sub *redis.PubSub) {
	defer close(b.done)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.hub.Poke(ctx, msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (b *RedisBridge) Close() error {
	b.cancel()
	<-b.done
	return b.client.Close()
}
