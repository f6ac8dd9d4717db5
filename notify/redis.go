package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deepnoodle-ai/stateflow"
	"github.com/redis/go-redis/v9"
)

var _ stateflow.Notifier = (*RedisPublisher)(nil)

// RedisPublisher publishes each notification as JSON on a pub/sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher returns a publisher for channel.
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = "stateflow:notifications"
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Channel returns the channel notifications are published on.
func (p *RedisPublisher) Channel() string { return p.channel }

func (p *RedisPublisher) Notify(ctx context.Context, note stateflow.Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
