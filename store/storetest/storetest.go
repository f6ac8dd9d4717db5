// Package storetest is a conformance suite for stateflow.Store
// implementations. Every backend runs it from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepnoodle-ai/stateflow"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) stateflow.Store

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("DuplicateKey", func(t *testing.T) { testDuplicateKey(t, newStore(t)) })
	t.Run("KeyReusableAfterTerminal", func(t *testing.T) { testKeyReusable(t, newStore(t)) })
	t.Run("EmptyKeyNeverConflicts", func(t *testing.T) { testEmptyKey(t, newStore(t)) })
	t.Run("SaveVersionCheck", func(t *testing.T) { testSaveVersion(t, newStore(t)) })
	t.Run("ConcurrentCreateSameKey", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
	t.Run("ListRuns", func(t *testing.T) { testListRuns(t, newStore(t)) })
	t.Run("Joins", func(t *testing.T) { testJoins(t, newStore(t)) })
}

// NewRun returns an unsaved running run.
func NewRun(key string) *stateflow.Run {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &stateflow.Run{
		ID:           stateflow.NewRunID(),
		Key:          key,
		DefinitionID: "vod-ingest",
		Status:       stateflow.RunRunning,
		CurrentState: "Validate",
		Context:      map[string]any{"srcVideo": "clip.mp4", "srcBucket": "b"},
		History:      []*stateflow.HistoryEntry{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func testCreateAndGet(t *testing.T, store stateflow.Store) {
	ctx := context.Background()
	run := NewRun("b/clip.mp4")
	require.NoError(t, store.CreateRun(ctx, run))
	require.Equal(t, int64(1), run.Version)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, run.ID, got.ID)
	require.Equal(t, run.Key, got.Key)
	require.Equal(t, stateflow.RunRunning, got.Status)
	require.Equal(t, "Validate", got.CurrentState)
	require.Equal(t, "clip.mp4", got.Context["srcVideo"])
	require.Equal(t, int64(1), got.Version)

	byKey, err := store.GetRunByKey(ctx, run.Key)
	require.NoError(t, err)
	require.Equal(t, run.ID, byKey.ID)

	_, err = store.GetRun(ctx, "run_missing")
	require.ErrorIs(t, err, stateflow.ErrRunNotFound)
	_, err = store.GetRunByKey(ctx, "missing")
	require.ErrorIs(t, err, stateflow.ErrRunNotFound)
}

func testDuplicateKey(t *testing.T, store stateflow.Store) {
	ctx := context.Background()
	first := NewRun("b/clip.mp4")
	require.NoError(t, store.CreateRun(ctx, first))

	err := store.CreateRun(ctx, NewRun("b/clip.mp4"))
	var dup *stateflow.DuplicateRunError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, first.ID, dup.RunID)
	require.Equal(t, "b/clip.mp4", dup.Key)
}

func testKeyReusable(t *testing.T, store stateflow.Store) {
	ctx := context.Background()
	first := NewRun("b/clip.mp4")
	require.NoError(t, store.CreateRun(ctx, first))

	first.Status = stateflow.RunSucceeded
	require.NoError(t, store.SaveRun(ctx, first, 1))

	second := NewRun("b/clip.mp4")
	require.NoError(t, store.CreateRun(ctx, second))

	byKey, err := store.GetRunByKey(ctx, "b/clip.mp4")
	require.NoError(t, err)
	require.Equal(t, second.ID, byKey.ID)

	// The earlier run is still addressable by id.
	old, err := store.GetRun(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, stateflow.RunSucceeded, old.Status)
}

func testEmptyKey(t *testing.T, store stateflow.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, NewRun("")))
	require.NoError(t, store.CreateRun(ctx, NewRun("")))
}

func testSaveVersion(t *testing.T, store stateflow.Store) {
	ctx := context.Background()
	run := NewRun("k")
	require.NoError(t, store.CreateRun(ctx, run))

	run.CurrentState = "Probe"
	require.NoError(t, store.SaveRun(ctx, run, 1))
	require.Equal(t, int64(2), run.Version)

	stale := NewRun("k")
	stale.ID = run.ID
	stale.CurrentState = "Profile"
	require.ErrorIs(t, store.SaveRun(ctx, stale, 1), stateflow.ErrVersionConflict)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, "Probe", got.CurrentState)
	require.Equal(t, int64(2), got.Version)

	missing := NewRun("")
	require.ErrorIs(t, store.SaveRun(ctx, missing, 1), stateflow.ErrRunNotFound)
}

func testConcurrentCreate(t *testing.T, store stateflow.Store) {
	ctx := context.Background()
	const workers = 8
	var created atomic.Int32
	var duplicates atomic.Int32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.CreateRun(ctx, NewRun("same-key"))
			var dup *stateflow.DuplicateRunError
			switch {
			case err == nil:
				created.Add(1)
			case errors.As(err, &dup):
				duplicates.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), created.Load())
	require.Equal(t, int32(workers-1), duplicates.Load())
}

func testConcurrentUpdates(t *testing.T, store stateflow.Store) {
	ctx := context.Background()
	run := NewRun("")
	require.NoError(t, store.CreateRun(ctx, run))

	const workers = 8
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := stateflow.UpdateRun(ctx, store, run.ID, func(r *stateflow.Run) error {
				r.History = append(r.History, &stateflow.HistoryEntry{State: fmt.Sprintf("S%d", i)})
				return nil
			})
			if err != nil {
				t.Errorf("update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got.History, workers)
	require.Equal(t, int64(workers+1), got.Version)
}

func testListRuns(t *testing.T, store stateflow.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	var ids []string
	for i := range 3 {
		run := NewRun(fmt.Sprintf("key-%d", i))
		run.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreateRun(ctx, run))
		ids = append(ids, run.ID)
	}
	done, err := store.GetRun(ctx, ids[0])
	require.NoError(t, err)
	done.Status = stateflow.RunFailed
	require.NoError(t, store.SaveRun(ctx, done, done.Version))

	all, err := store.ListRuns(ctx, stateflow.RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, ids[2], all[0].ID, "newest first")

	running, err := store.ListRuns(ctx, stateflow.RunFilter{Status: stateflow.RunRunning})
	require.NoError(t, err)
	require.Len(t, running, 2)

	limited, err := store.ListRuns(ctx, stateflow.RunFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	none, err := store.ListRuns(ctx, stateflow.RunFilter{DefinitionID: "other"})
	require.NoError(t, err)
	require.Empty(t, none)
}

func testJoins(t *testing.T, store stateflow.Store) {
	ctx := context.Background()
	rec := &stateflow.JoinRecord{
		ID:        stateflow.JoinID("encode", "asset-1"),
		Name:      "encode",
		AssetID:   "asset-1",
		Expected:  []string{"mp4", "hls"},
		Completed: map[string]map[string]any{},
		Status:    stateflow.JoinPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateJoin(ctx, rec))
	require.Equal(t, int64(1), rec.Version)
	require.ErrorIs(t, store.CreateJoin(ctx, rec), stateflow.ErrJoinExists)

	got, err := store.GetJoin(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"mp4", "hls"}, got.Expected)

	got.Completed["mp4"] = map[string]any{"mp4Output": "s3://out/clip.mp4"}
	require.NoError(t, store.SaveJoin(ctx, got, 1))
	require.ErrorIs(t, store.SaveJoin(ctx, got, 1), stateflow.ErrVersionConflict)

	got, err = store.GetJoin(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "s3://out/clip.mp4", got.Completed["mp4"]["mp4Output"])
	require.Equal(t, []string{"hls"}, got.Missing())

	_, err = store.GetJoin(ctx, "encode/missing")
	require.ErrorIs(t, err, stateflow.ErrJoinNotFound)

	pending, err := store.ListJoins(ctx, stateflow.JoinPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	satisfied, err := store.ListJoins(ctx, stateflow.JoinSatisfied)
	require.NoError(t, err)
	require.Empty(t, satisfied)

	// Claim state survives a round trip, so a later process can recover it.
	expiry := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	got.Completed["hls"] = map[string]any{"hlsOutput": "s3://out/clip.m3u8"}
	got.Status = stateflow.JoinSatisfied
	got.RunID = "run_ingest"
	got.Fired = true
	got.ClaimExpiry = expiry
	require.NoError(t, store.SaveJoin(ctx, got, got.Version))

	satisfied, err = store.ListJoins(ctx, stateflow.JoinSatisfied)
	require.NoError(t, err)
	require.Len(t, satisfied, 1)
	require.Equal(t, "run_ingest", satisfied[0].RunID)
	require.True(t, satisfied[0].Fired)
	require.False(t, satisfied[0].ActionDone)
	require.True(t, expiry.Equal(satisfied[0].ClaimExpiry))
}
