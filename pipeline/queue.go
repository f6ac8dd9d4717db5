package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

var (
	_ Queue = (*MemoryQueue)(nil)
	_ Queue = (*RedisQueue)(nil)
)

// Message is a queued body and its group key.
type Message struct {
	Group string
	Body  map[string]any
}

// MemoryQueue collects messages in process.
type MemoryQueue struct {
	mutex    sync.Mutex
	messages []Message
}

func (q *MemoryQueue) Send(ctx context.Context, group string, body map[string]any) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.messages = append(q.messages, Message{Group: group, Body: body})
	return nil
}

// Messages returns the messages sent so far.
func (q *MemoryQueue) Messages() []Message {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return append([]Message(nil), q.messages...)
}

// RedisQueue appends messages to a Redis stream. Consumers read the stream
// with a consumer group and order by the "group" field.
type RedisQueue struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisQueue returns a queue on stream, trimmed to roughly maxLen
// entries when maxLen > 0.
func NewRedisQueue(client redis.UniversalClient, stream string, maxLen int64) *RedisQueue {
	if stream == "" {
		stream = "stateflow:published"
	}
	return &RedisQueue{client: client, stream: stream, maxLen: maxLen}
}

// Stream returns the stream name.
func (q *RedisQueue) Stream() string { return q.stream }

func (q *RedisQueue) Send(ctx context.Context, group string, body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"group": group, "body": string(data)},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("queue send: %w", err)
	}
	return nil
}
