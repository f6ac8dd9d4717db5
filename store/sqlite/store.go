// Package sqlite implements stateflow.Store on a single SQLite database file.
// Runs and join records are stored as JSON documents next to the columns the
// store filters on.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deepnoodle-ai/stateflow"
	_ "modernc.org/sqlite"
)

// Confirm the interface is implemented correctly.
var _ stateflow.Store = (*Store)(nil)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store is a SQLite backed stateflow.Store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes transactions, which is what the
	// create-if-absent and compare-and-swap paths rely on.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	idem_key      TEXT NOT NULL DEFAULT '',
	definition_id TEXT NOT NULL,
	status        TEXT NOT NULL,
	version       INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	data          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs (status, created_at);
CREATE TABLE IF NOT EXISTS run_keys (
	idem_key TEXT PRIMARY KEY,
	run_id   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS joins (
	id      TEXT PRIMARY KEY,
	status  TEXT NOT NULL,
	version INTEGER NOT NULL,
	data    TEXT NOT NULL
);
`

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// withTx runs fn in a transaction, retrying the whole transaction while the
// database is locked by another process.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) CreateRun(ctx context.Context, run *stateflow.Run) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		run.Version = 1
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runs (id, idem_key, definition_id, status, version, created_at, data)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Key, run.DefinitionID, string(run.Status), run.Version,
			run.CreatedAt.UnixNano(), string(data),
		); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("run %s already exists", run.ID)
			}
			return fmt.Errorf("insert run: %w", err)
		}
		if run.Key == "" {
			return nil
		}
		// The key moves to the new run only when its current run finished.
		var owner string
		err = tx.QueryRowContext(ctx,
			`INSERT INTO run_keys (idem_key, run_id) VALUES (?, ?)
			 ON CONFLICT (idem_key) DO UPDATE SET run_id = excluded.run_id
			 WHERE (SELECT status FROM runs WHERE runs.id = run_keys.run_id) IN ('succeeded', 'failed')
			 RETURNING run_id`,
			run.Key, run.ID,
		).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			var existing string
			if err := tx.QueryRowContext(ctx,
				`SELECT run_id FROM run_keys WHERE idem_key = ?`, run.Key,
			).Scan(&existing); err != nil {
				return fmt.Errorf("read run key: %w", err)
			}
			return &stateflow.DuplicateRunError{Key: run.Key, RunID: existing}
		}
		if err != nil {
			return fmt.Errorf("claim run key: %w", err)
		}
		return nil
	})
}

func (s *Store) GetRun(ctx context.Context, id string) (*stateflow.Run, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stateflow.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return decodeRun(data)
}

func (s *Store) GetRunByKey(ctx context.Context, key string) (*stateflow.Run, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT r.data FROM run_keys k JOIN runs r ON r.id = k.run_id WHERE k.idem_key = ?`, key,
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
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, version = ?, data = ? WHERE id = ? AND version = ?`,
			string(run.Status), run.Version, string(data), run.ID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		return checkUpdated(ctx, tx, res, "runs", run.ID, stateflow.ErrRunNotFound)
	})
	if err != nil {
		run.Version = expectedVersion
	}
	return err
}

func (s *Store) ListRuns(ctx context.Context, filter stateflow.RunFilter) ([]*stateflow.Run, error) {
	query := `SELECT data FROM runs WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.DefinitionID != "" {
		query += ` AND definition_id = ?`
		args = append(args, filter.DefinitionID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*stateflow.Run
	for rows.Next() {
		var data string
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
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO joins (id, status, version, data) VALUES (?, ?, ?, ?)
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
	})
}

func (s *Store) GetJoin(ctx context.Context, id string) (*stateflow.JoinRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM joins WHERE id = ?`, id).Scan(&data)
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
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE joins SET status = ?, version = ?, data = ? WHERE id = ? AND version = ?`,
			string(rec.Status), rec.Version, string(data), rec.ID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update join: %w", err)
		}
		return checkUpdated(ctx, tx, res, "joins", rec.ID, stateflow.ErrJoinNotFound)
	})
	if err != nil {
		rec.Version = expectedVersion
	}
	return err
}

func (s *Store) ListJoins(ctx context.Context, status stateflow.JoinStatus) ([]*stateflow.JoinRecord, error) {
	query := `SELECT data FROM joins`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list joins: %w", err)
	}
	defer rows.Close()

	var recs []*stateflow.JoinRecord
	for rows.Next() {
		var data string
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

// checkUpdated turns a versioned UPDATE that touched no row into either a
// version conflict or notFound.
func checkUpdated(ctx context.Context, tx *sql.Tx, res sql.Result, table, id string, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return err
	}
	return stateflow.ErrVersionConflict
}

func decodeRun(data string) (*stateflow.Run, error) {
	var run stateflow.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

func decodeJoin(data string) (*stateflow.JoinRecord, error) {
	var rec stateflow.JoinRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal join: %w", err)
	}
	return &rec, nil
}
