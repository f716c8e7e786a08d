// ABOUTME: Redis pub/sub implementation of the Broadcaster interface.

package broadcast

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster publishes messages over Redis pub/sub so delegates
// connected to other broker instances still hear them.
type RedisBroadcaster struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBroadcaster connects to Redis and verifies the connection.
func NewRedisBroadcaster(ctx context.Context, addr, password string, db int) (*RedisBroadcaster, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisBroadcaster{
		client: client,
		logger: slog.Default().With("component", "broadcast"),
	}, nil
}

// Publish sends the message on the channel. Failures are returned but callers
// treat them as best-effort.
func (b *RedisBroadcaster) Publish(ctx context.Context, channel, message string) error {
	if err := b.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	b.logger.Debug("broadcast published", "channel", channel, "message", message)
	return nil
}

// Subscribe returns a subscription for the channel. Used by the gateway's
// delegate event stream.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return b.client.Subscribe(ctx, channel)
}

// Close releases the Redis client.
func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
