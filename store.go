package stateflow

import (
	"context"
	"errors"
	"time"

	"github.com/deepnoodle-ai/stateflow/retry"
)

// RunStore persists runs. Every implementation must provide an atomic
// create-if-absent keyed by the idempotency key and a compare-and-swap save
// keyed by the run version.
type RunStore interface {
	// CreateRun stores a new run with version 1. If a non-terminal run with
	// the same non-empty key exists it returns a *DuplicateRunError carrying
	// that run's id. A terminal run with the same key does not block creation;
	// the key then resolves to the new run.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun returns the run or ErrRunNotFound.
	GetRun(ctx context.Context, id string) (*Run, error)

	// GetRunByKey returns the newest run for the key or ErrRunNotFound.
	GetRunByKey(ctx context.Context, key string) (*Run, error)

	// SaveRun replaces the stored run if its version equals expectedVersion,
	// then sets run.Version to expectedVersion+1. Otherwise it returns
	// ErrVersionConflict.
	SaveRun(ctx context.Context, run *Run, expectedVersion int64) error

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Status       RunStatus
	DefinitionID string
	Limit        int
}

// Matches reports whether run passes the filter.
func (f RunFilter) Matches(run *Run) bool {
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	if f.DefinitionID != "" && run.DefinitionID != f.DefinitionID {
		return false
	}
	return true
}

// JoinStore persists join records with the same versioned semantics as
// RunStore.
type JoinStore interface {
	// CreateJoin stores a new record with version 1 or returns ErrJoinExists.
	CreateJoin(ctx context.Context, rec *JoinRecord) error

	// GetJoin returns the record or ErrJoinNotFound.
	GetJoin(ctx context.Context, id string) (*JoinRecord, error)

	// SaveJoin is the compare-and-swap update of a join record.
	SaveJoin(ctx context.Context, rec *JoinRecord, expectedVersion int64) error

	// ListJoins returns records with the given status, or all when empty.
	ListJoins(ctx context.Context, status JoinStatus) ([]*JoinRecord, error)
}

// Store is a backend holding both runs and join records.
type Store interface {
	RunStore
	JoinStore
}

// errSkipSave tells an update loop that mutate made no change.
var errSkipSave = errors.New("skip save")

// casOptions bounds optimistic update loops. Conflicts only arise while
// another worker commits, so short waits are enough.
var casOptions = []retry.Option{
	retry.WithMaxRetries(20),
	retry.WithBaseWait(5 * time.Millisecond),
	retry.WithMaxWait(250 * time.Millisecond),
}

// UpdateRun atomically applies mutate to the stored run: it loads the run,
// applies mutate, and saves with a version check, retrying on conflicts. An
// error returned by mutate aborts the update and is returned unchanged.
func UpdateRun(ctx context.Context, store RunStore, id string, mutate func(*Run) error) (*Run, error) {
	var result *Run
	err := retry.Do(ctx, func() error {
		run, err := store.GetRun(ctx, id)
		if err != nil {
			return retry.NewNonRecoverableError(err)
		}
		expected := run.Version
		if err := mutate(run); err != nil {
			if errors.Is(err, errSkipSave) {
				result = run
				return nil
			}
			return retry.NewNonRecoverableError(err)
		}
		run.UpdatedAt = time.Now().UTC()
		if err := store.SaveRun(ctx, run, expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return retry.NewRecoverableError(err)
			}
			return retry.NewNonRecoverableError(err)
		}
		result = run
		return nil
	}, casOptions...)
	if err != nil {
		return nil, unwrapRetry(err)
	}
	return result, nil
}

// updateJoin is the JoinStore counterpart of UpdateRun.
func updateJoin(ctx context.Context, store JoinStore, id string, mutate func(*JoinRecord) error) (*JoinRecord, error) {
	var result *JoinRecord
	err := retry.Do(ctx, func() error {
		rec, err := store.GetJoin(ctx, id)
		if err != nil {
			return retry.NewNonRecoverableError(err)
		}
		expected := rec.Version
		if err := mutate(rec); err != nil {
			if errors.Is(err, errSkipSave) {
				result = rec
				return nil
			}
			return retry.NewNonRecoverableError(err)
		}
		rec.UpdatedAt = time.Now().UTC()
		if err := store.SaveJoin(ctx, rec, expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return retry.NewRecoverableError(err)
			}
			return retry.NewNonRecoverableError(err)
		}
		result = rec
		return nil
	}, casOptions...)
	if err != nil {
		return nil, unwrapRetry(err)
	}
	return result, nil
}

// unwrapRetry strips the retry classification from an update loop error.
func unwrapRetry(err error) error {
	var nonRecoverable *retry.NonRecoverableError
	if errors.As(err, &nonRecoverable) {
		return nonRecoverable.Unwrap()
	}
	var recoverable retry.RecoverableError
	if errors.As(err, &recoverable) {
		if inner := errors.Unwrap(recoverable); inner != nil {
			return inner
		}
	}
	return err
}
