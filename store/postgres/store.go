// Package postgres implements stateflow.Store on PostgreSQL through lib/pq.
// Runs and join records are JSONB documents; the columns the store filters on
// are kept alongside.
//
// Usage:
//
//	db, err := sql.Open("postgres", "postgres://localhost/stateflow?sslmode=disable")
//	s := postgres.New(db)
//	if err := s.Migrate(ctx); err != nil { ... }
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/deepnoodle-ai/stateflow"
	"github.com/lib/pq"
)

// Confirm the interface is implemented correctly.
var _ stateflow.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store is a PostgreSQL backed stateflow.Store. The caller owns the *sql.DB
// lifecycle; Store never closes it.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New returns a store using db.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the database at dsn and applies the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("stateflow/postgres: open: %w", err)
	}
	s := New(db, opts...)
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("stateflow/postgres: ping: %w", err)
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS stateflow_runs (
		id            TEXT PRIMARY KEY,
		idem_key      TEXT NOT NULL DEFAULT '',
		definition_id TEXT NOT NULL,
		status        TEXT NOT NULL,
		version       BIGINT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		data          JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stateflow_runs_status
		ON stateflow_runs (status, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS stateflow_run_keys (
		idem_key TEXT PRIMARY KEY,
		run_id   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stateflow_joins (
		id      TEXT PRIMARY KEY,
		status  TEXT NOT NULL,
		version BIGINT NOT NULL,
		data    JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stateflow_joins_status
		ON stateflow_joins (status)`,
}

// Migrate creates the tables if they do not exist. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("stateflow/postgres: migration failed: %w", err)
		}
	}
	return nil
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func (s *Store) CreateRun(ctx context.Context, run *stateflow.Run) error {
	run.Version = 1
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stateflow_runs (id, idem_key, definition_id, status, version, created_at, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.Key, run.DefinitionID, string(run.Status), run.Version, run.CreatedAt, string(data),
	); err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("run %s already exists", run.ID)
		}
		return fmt.Errorf("insert run: %w", err)
	}

	if run.Key != "" {
		// A concurrent creator for the same key blocks on the unique index
		// until it commits; its run is then invisible to this statement's
		// snapshot, so the key is never moved off a live run.
		var owner string
		err := tx.QueryRowContext(ctx,
			`INSERT INTO stateflow_run_keys (idem_key, run_id) VALUES ($1, $2)
			 ON CONFLICT (idem_key) DO UPDATE SET run_id = EXCLUDED.run_id
			 WHERE (SELECT status FROM stateflow_runs r WHERE r.id = stateflow_run_keys.run_id)
			       IN ('succeeded', 'failed')
			 RETURNING run_id`,
			run.Key, run.ID,
		).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			var existing string
			if err := tx.QueryRowContext(ctx,
				`SELECT run_id FROM stateflow_run_keys WHERE idem_key = $1`, run.Key,
			).Scan(&existing); err != nil {
				return fmt.Errorf("read run key: %w", err)
			}
			return &stateflow.DuplicateRunError{Key: run.Key, RunID: existing}
		}
		if err != nil {
			return fmt.Errorf("claim run key: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("run created", "run_id", run.ID, "key", run.Key)
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*stateflow.Run, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM stateflow_runs WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stateflow.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return decodeRun(data)
}

func (s *Store) GetRunByKey(ctx context.Context, key string) (*stateflow.Run, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT r.data FROM stateflow_run_keys k
		 JOIN stateflow_runs r ON r.id = k.run_id
		 WHERE k.idem_key = $1`, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stateflow.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run by key: %w", err)
	}
	return decodeRun(data)
}

func (s *Store) SaveRun(ctx context.Context, run *stateflow.Run, expectedVersion int64) error {
	run.Version = expectedVersion + 1
	data, err := json.Marshal(run)
	if err != nil {
		run.Version = expectedVersion
		return fmt.Errorf("marshal run: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE stateflow_runs SET status = $1, version = $2, data = $3
		 WHERE id = $4 AND version = $5`,
		string(run.Status), run.Version, string(data), run.ID, expectedVersion,
	)
	if err == nil {
		err = s.checkUpdated(ctx, res, "stateflow_runs", run.ID, stateflow.ErrRunNotFound)
	} else {
		err = fmt.Errorf("update run: %w", err)
	}
	if err != nil {
		run.Version = expectedVersion
	}
	return err
}

func (s *Store) ListRuns(ctx context.Context, filter stateflow.RunFilter) ([]*stateflow.Run, error) {
	query := `SELECT data FROM stateflow_runs WHERE ($1 = '' OR status = $1) AND ($2 = '' OR definition_id = $2)
		ORDER BY created_at DESC, id DESC`
	args := []any{string(filter.Status), filter.DefinitionID}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*stateflow.Run
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) CreateJoin(ctx context.Context, rec *stateflow.JoinRecord) error {
	rec.Version = 1
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal join: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stateflow_joins (id, status, version, data) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, string(rec.Status), rec.Version, string(data),
	)
	if err != nil {
		return fmt.Errorf("insert join: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return stateflow.ErrJoinExists
	}
	return nil
}

func (s *Store) GetJoin(ctx context.Context, id string) (*stateflow.JoinRecord, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM stateflow_joins WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stateflow.ErrJoinNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get join: %w", err)
	}
	return decodeJoin(data)
}

func (s *Store) SaveJoin(ctx context.Context, rec *stateflow.JoinRecord, expectedVersion int64) error {
	rec.Version = expectedVersion + 1
	data, err := json.Marshal(rec)
	if err != nil {
		rec.Version = expectedVersion
		return fmt.Errorf("marshal join: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE stateflow_joins SET status = $1, version = $2, data = $3
		 WHERE id = $4 AND version = $5`,
		string(rec.Status), rec.Version, string(data), rec.ID, expectedVersion,
	)
	if err == nil {
		err = s.checkUpdated(ctx, res, "stateflow_joins", rec.ID, stateflow.ErrJoinNotFound)
	} else {
		err = fmt.Errorf("update join: %w", err)
	}
	if err != nil {
		rec.Version = expectedVersion
	}
	return err
}

func (s *Store) ListJoins(ctx context.Context, status stateflow.JoinStatus) ([]*stateflow.JoinRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM stateflow_joins WHERE ($1 = '' OR status = $1) ORDER BY id`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list joins: %w", err)
	}
	defer rows.Close()

	var recs []*stateflow.JoinRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan join: %w", err)
		}
		rec, err := decodeJoin(data)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) checkUpdated(ctx context.Context, res sql.Result, table, id string, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = $1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return err
	}
	return stateflow.ErrVersionConflict
}

func decodeRun(data []byte) (*stateflow.Run, error) {
	var run stateflow.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

func decodeJoin(data []byte) (*stateflow.JoinRecord, error) {
	var rec stateflow.JoinRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal join: %w", err)
	}
	return &rec, nil
}
