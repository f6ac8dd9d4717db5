package stateflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. Records are held as JSON so callers
// never share memory with the store, which gives the same copy semantics as
// the persistent backends.
type MemoryStore struct {
	mutex sync.Mutex
	runs  map[string][]byte
	keys  map[string]string
	joins map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  map[string][]byte{},
		keys:  map[string]string{},
		joins: map[string][]byte{},
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if run.Key != "" {
		if existingID, ok := s.keys[run.Key]; ok {
			existing, err := decodeRun(s.runs[existingID])
			if err != nil {
				return err
			}
			if !existing.Status.IsTerminal() {
				return &DuplicateRunError{Key: run.Key, RunID: existing.ID}
			}
		}
	}
	run.Version = 1
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	s.runs[run.ID] = data
	if run.Key != "" {
		s.keys[run.Key] = run.ID
	}
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	data, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return decodeRun(data)
}

func (s *MemoryStore) GetRunByKey(ctx context.Context, key string) (*Run, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	id, ok := s.keys[key]
	if !ok {
		return nil, ErrRunNotFound
	}
	return decodeRun(s.runs[id])
}

func (s *MemoryStore) SaveRun(ctx context.Context, run *Run, expectedVersion int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	data, ok := s.runs[run.ID]
	if !ok {
		return ErrRunNotFound
	}
	stored, err := decodeRun(data)
	if err != nil {
		return err
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	run.Version = expectedVersion + 1
	data, err = json.Marshal(run)
	if err != nil {
		run.Version = expectedVersion
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	s.runs[run.ID] = data
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mutex.Lock()
	var runs []*Run
	for _, data := range s.runs {
		run, err := decodeRun(data)
		if err != nil {
			s.mutex.Unlock()
			return nil, err
		}
		if filter.Matches(run) {
			runs = append(runs, run)
		}
	}
	s.mutex.Unlock()
	return sortRuns(runs, filter.Limit), nil
}

func (s *MemoryStore) CreateJoin(ctx context.Context, rec *JoinRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, exists := s.joins[rec.ID]; exists {
		return ErrJoinExists
	}
	rec.Version = 1
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal join: %w", err)
	}
	s.joins[rec.ID] = data
	return nil
}

func (s *MemoryStore) GetJoin(ctx context.Context, id string) (*JoinRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	data, ok := s.joins[id]
	if !ok {
		return nil, ErrJoinNotFound
	}
	return decodeJoin(data)
}

func (s *MemoryStore) SaveJoin(ctx context.Context, rec *JoinRecord, expectedVersion int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	data, ok := s.joins[rec.ID]
	if !ok {
		return ErrJoinNotFound
	}
	stored, err := decodeJoin(data)
	if err != nil {
		return err
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	rec.Version = expectedVersion + 1
	data, err = json.Marshal(rec)
	if err != nil {
		rec.Version = expectedVersion
		return fmt.Errorf("failed to marshal join: %w", err)
	}
	s.joins[rec.ID] = data
	return nil
}

func (s *MemoryStore) ListJoins(ctx context.Context, status JoinStatus) ([]*JoinRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var recs []*JoinRecord
	for _, data := range s.joins {
		rec, err := decodeJoin(data)
		if err != nil {
			return nil, err
		}
		if status == "" || rec.Status == status {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

func decodeRun(data []byte) (*Run, error) {
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

func decodeJoin(data []byte) (*JoinRecord, error) {
	var rec JoinRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal join: %w", err)
	}
	return &rec, nil
}

// sortRuns orders runs newest first and applies limit.
func sortRuns(runs []*Run, limit int) []*Run {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}
