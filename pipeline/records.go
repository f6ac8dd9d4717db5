package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/redis/go-redis/v9"
)

var (
	_ RecordStore = (*MemoryRecords)(nil)
	_ RecordStore = (*RedisRecords)(nil)
)

// MemoryRecords is an in-process RecordStore.
type MemoryRecords struct {
	mutex   sync.RWMutex
	records map[string]map[string]any
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: map[string]map[string]any{}}
}

func (m *MemoryRecords) Get(ctx context.Context, id string) (map[string]any, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrRecordNotFound)
	}
	return maps.Clone(rec), nil
}

func (m *MemoryRecords) Put(ctx context.Context, id string, record map[string]any) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.records[id] = maps.Clone(record)
	return nil
}

func (m *MemoryRecords) Update(ctx context.Context, id string, fields map[string]any) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrRecordNotFound)
	}
	maps.Copy(rec, fields)
	return nil
}

func (m *MemoryRecords) Delete(ctx context.Context, id string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.records, id)
	return nil
}

// RedisRecords stores each record as a JSON string under prefix+id.
type RedisRecords struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRecords returns a record store using keys "stateflow:record:{id}"
// unless prefix is given.
func NewRedisRecords(client redis.UniversalClient, prefix string) *RedisRecords {
	if prefix == "" {
		prefix = "stateflow:record:"
	}
	return &RedisRecords{client: client, prefix: prefix}
}

func (r *RedisRecords) get(ctx context.Context, c redis.Cmdable, id string) (map[string]any, error) {
	data, err := c.Get(ctx, r.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

func (r *RedisRecords) Get(ctx context.Context, id string) (map[string]any, error) {
	return r.get(ctx, r.client, id)
}

func (r *RedisRecords) Put(ctx context.Context, id string, record map[string]any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return r.client.Set(ctx, r.prefix+id, data, 0).Err()
}

func (r *RedisRecords) Update(ctx context.Context, id string, fields map[string]any) error {
	key := r.prefix + id
	for range 10 {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			rec, err := r.get(ctx, tx, id)
			if err != nil {
				return err
			}
			maps.Copy(rec, fields)
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("update record %s: too much contention", id)
}

func (r *RedisRecords) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.prefix+id).Err()
}
