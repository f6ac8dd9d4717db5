package stateflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// FileStore is a Store that keeps one JSON document per run and per join
// record under a data directory. Mutations hold an exclusive file lock on the
// directory so several processes may share it.
type FileStore struct {
	dataDir string
	mutex   sync.Mutex
	lock    *flock.Flock
}

// NewFileStore creates a file-based store. An empty dataDir defaults to
// ~/.stateflow/data.
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".stateflow", "data")
	}
	for _, dir := range []string{"runs", "keys", "joins"} {
		if err := os.MkdirAll(filepath.Join(dataDir, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
		}
	}
	return &FileStore{
		dataDir: dataDir,
		lock:    flock.New(filepath.Join(dataDir, ".lock")),
	}, nil
}

// withLock serializes fn against other goroutines and other processes.
func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	locked, err := s.lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to lock data directory %s", s.dataDir)
	}
	defer s.lock.Unlock()
	return fn()
}

func (s *FileStore) runPath(id string) string {
	return filepath.Join(s.dataDir, "runs", id+".json")
}

// keyPath hashes the idempotency key since keys may contain any character.
func (s *FileStore) keyPath(key string) string {
	return filepath.Join(s.dataDir, "keys", uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()+".json")
}

func (s *FileStore) joinPath(id string) string {
	return filepath.Join(s.dataDir, "joins", uuid.NewSHA1(uuid.NameSpaceURL, []byte(id)).String()+".json")
}

type keyIndex struct {
	Key   string `json:"key"`
	RunID string `json:"run_id"`
}

func (s *FileStore) CreateRun(ctx context.Context, run *Run) error {
	return s.withLock(ctx, func() error {
		if _, err := os.Stat(s.runPath(run.ID)); err == nil {
			return fmt.Errorf("run %s already exists", run.ID)
		}
		if run.Key != "" {
			existing, err := s.readRunByKey(run.Key)
			if err != nil && !errors.Is(err, ErrRunNotFound) {
				return err
			}
			if existing != nil && !existing.Status.IsTerminal() {
				return &DuplicateRunError{Key: run.Key, RunID: existing.ID}
			}
		}
		run.Version = 1
		if err := writeJSON(s.runPath(run.ID), run); err != nil {
			return err
		}
		if run.Key != "" {
			return writeJSON(s.keyPath(run.Key), &keyIndex{Key: run.Key, RunID: run.ID})
		}
		return nil
	})
}

func (s *FileStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := readJSON(s.runPath(id), &run); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

func (s *FileStore) GetRunByKey(ctx context.Context, key string) (*Run, error) {
	return s.readRunByKey(key)
}

func (s *FileStore) readRunByKey(key string) (*Run, error) {
	var idx keyIndex
	if err := readJSON(s.keyPath(key), &idx); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return s.GetRun(context.Background(), idx.RunID)
}

func (s *FileStore) SaveRun(ctx context.Context, run *Run, expectedVersion int64) error {
	return s.withLock(ctx, func() error {
		stored, err := s.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if stored.Version != expectedVersion {
			return ErrVersionConflict
		}
		run.Version = expectedVersion + 1
		if err := writeJSON(s.runPath(run.ID), run); err != nil {
			run.Version = expectedVersion
			return err
		}
		return nil
	})
}

func (s *FileStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "runs"))
	if err != nil {
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}
	var runs []*Run
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		run, err := s.GetRun(ctx, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			// Skip runs we can't read
			continue
		}
		if filter.Matches(run) {
			runs = append(runs, run)
		}
	}
	return sortRuns(runs, filter.Limit), nil
}

func (s *FileStore) CreateJoin(ctx context.Context, rec *JoinRecord) error {
	return s.withLock(ctx, func() error {
		if _, err := os.Stat(s.joinPath(rec.ID)); err == nil {
			return ErrJoinExists
		}
		rec.Version = 1
		return writeJSON(s.joinPath(rec.ID), rec)
	})
}

func (s *FileStore) GetJoin(ctx context.Context, id string) (*JoinRecord, error) {
	var rec JoinRecord
	if err := readJSON(s.joinPath(id), &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrJoinNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *FileStore) SaveJoin(ctx context.Context, rec *JoinRecord, expectedVersion int64) error {
	return s.withLock(ctx, func() error {
		stored, err := s.GetJoin(ctx, rec.ID)
		if err != nil {
			return err
		}
		if stored.Version != expectedVersion {
			return ErrVersionConflict
		}
		rec.Version = expectedVersion + 1
		if err := writeJSON(s.joinPath(rec.ID), rec); err != nil {
			rec.Version = expectedVersion
			return err
		}
		return nil
	})
}

func (s *FileStore) ListJoins(ctx context.Context, status JoinStatus) ([]*JoinRecord, error) {
	dir := filepath.Join(s.dataDir, "joins")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read joins directory: %w", err)
	}
	var recs []*JoinRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var rec JoinRecord
		if err := readJSON(filepath.Join(dir, entry.Name()), &rec); err != nil {
			continue
		}
		if status == "" || rec.Status == status {
			recs = append(recs, &rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

// writeJSON replaces path atomically by writing a temporary file and renaming
// it into place, so readers never observe a partial document.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}
