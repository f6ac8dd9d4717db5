// Package redis implements stateflow.Store on Redis. Runs and join records
// are JSON strings; compare-and-swap updates use WATCH/MULTI transactions.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/deepnoodle-ai/stateflow"
	"github.com/redis/go-redis/v9"
)

// Confirm the interface is implemented correctly.
var _ stateflow.Store = (*Store)(nil)

// maxTxAttempts bounds retries of a WATCH transaction that lost a race on a
// key other than the one being versioned.
const maxTxAttempts = 10

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPrefix sets the key prefix. The default is "stateflow:".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// Store implements stateflow.Store backed by Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// New creates a Redis-backed store. The caller owns the client lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) CreateRun(ctx context.Context, run *stateflow.Run) error {
	run.Version = 1
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	runKey := s.runKey(run.ID)
	watched := []string{runKey}
	if run.Key != "" {
		watched = append(watched, s.idemKey(run.Key))
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, runKey).Result()
			if err != nil {
				return err
			}
			if exists > 0 {
				return fmt.Errorf("run %s already exists", run.ID)
			}
			if run.Key != "" {
				existingID, err := tx.Get(ctx, s.idemKey(run.Key)).Result()
				switch {
				case errors.Is(err, redis.Nil):
				case err != nil:
					return err
				default:
					existing, err := s.getRun(ctx, tx, existingID)
					if err != nil && !errors.Is(err, stateflow.ErrRunNotFound) {
						return err
					}
					if existing != nil && !existing.Status.IsTerminal() {
						return &stateflow.DuplicateRunError{Key: run.Key, RunID: existingID}
					}
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, runKey, data, 0)
				pipe.ZAdd(ctx, s.runIndexKey(), redis.Z{Score: float64(run.CreatedAt.UnixNano()), Member: run.ID})
				if run.Key != "" {
					pipe.Set(ctx, s.idemKey(run.Key), run.ID, 0)
				}
				return nil
			})
			return err
		}, watched...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("create run %s: %w", run.ID, err)
}

func (s *Store) getRun(ctx context.Context, c redis.Cmdable, id string) (*stateflow.Run, error) {
	data, err := c.Get(ctx, s.runKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, stateflow.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	var run stateflow.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*stateflow.Run, error) {
	return s.getRun(ctx, s.client, id)
}

func (s *Store) GetRunByKey(ctx context.Context, key string) (*stateflow.Run, error) {
	id, err := s.client.Get(ctx, s.idemKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, stateflow.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run key: %w", err)
	}
	return s.GetRun(ctx, id)
}

func (s *Store) SaveRun(ctx context.Context, run *stateflow.Run, expectedVersion int64) error {
	run.Version = expectedVersion + 1
	data, err := json.Marshal(run)
	if err != nil {
		run.Version = expectedVersion
		return fmt.Errorf("marshal run: %w", err)
	}
	key := s.runKey(run.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := s.getRun(ctx, tx, run.ID)
		if err != nil {
			return err
		}
		if stored.Version != expectedVersion {
			return stateflow.ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = stateflow.ErrVersionConflict
	}
	if err != nil {
		run.Version = expectedVersion
	}
	return err
}

func (s *Store) ListRuns(ctx context.Context, filter stateflow.RunFilter) ([]*stateflow.Run, error) {
	ids, err := s.client.ZRevRange(ctx, s.runIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var runs []*stateflow.Run
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var run stateflow.Run
		if err := json.Unmarshal([]byte(raw), &run); err != nil {
			s.logger.Warn("skipping unreadable run", "run_id", ids[i], "error", err)
			continue
		}
		if !filter.Matches(&run) {
			continue
		}
		runs = append(runs, &run)
		if filter.Limit > 0 && len(runs) == filter.Limit {
			break
		}
	}
	return runs, nil
}

func (s *Store) CreateJoin(ctx context.Context, rec *stateflow.JoinRecord) error {
	rec.Version = 1
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal join: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.joinKey(rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create join: %w", err)
	}
	if !created {
		return stateflow.ErrJoinExists
	}
	if err := s.client.SAdd(ctx, s.joinIndexKey(), rec.ID).Err(); err != nil {
		return fmt.Errorf("index join: %w", err)
	}
	return nil
}

func (s *Store) getJoin(ctx context.Context, c redis.Cmdable, id string) (*stateflow.JoinRecord, error) {
	data, err := c.Get(ctx, s.joinKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, stateflow.ErrJoinNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get join: %w", err)
	}
	var rec stateflow.JoinRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal join: %w", err)
	}
	return &rec, nil
}

func (s *Store) GetJoin(ctx context.Context, id string) (*stateflow.JoinRecord, error) {
	return s.getJoin(ctx, s.client, id)
}

func (s *Store) SaveJoin(ctx context.Context, rec *stateflow.JoinRecord, expectedVersion int64) error {
	rec.Version = expectedVersion + 1
	data, err := json.Marshal(rec)
	if err != nil {
		rec.Version = expectedVersion
		return fmt.Errorf("marshal join: %w", err)
	}
	key := s.joinKey(rec.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := s.getJoin(ctx, tx, rec.ID)
		if err != nil {
			return err
		}
		if stored.Version != expectedVersion {
			return stateflow.ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = stateflow.ErrVersionConflict
	}
	if err != nil {
		rec.Version = expectedVersion
	}
	return err
}

func (s *Store) ListJoins(ctx context.Context, status stateflow.JoinStatus) ([]*stateflow.JoinRecord, error) {
	ids, err := s.client.SMembers(ctx, s.joinIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list joins: %w", err)
	}
	var recs []*stateflow.JoinRecord
	for _, id := range ids {
		rec, err := s.GetJoin(ctx, id)
		if errors.Is(err, stateflow.ErrJoinNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if status == "" || rec.Status == status {
			recs = append(recs, rec)
		}
	}
	slices.SortFunc(recs, func(a, b *stateflow.JoinRecord) int { return strings.Compare(a.ID, b.ID) })
	return recs, nil
}
