package stateflow

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeFailer struct {
	mutex  sync.Mutex
	failed map[string]error
}

func (f *fakeFailer) Fail(ctx context.Context, runID string, cause error) (*Run, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if _, done := f.failed[runID]; done {
		return nil, ErrRunTerminal
	}
	f.failed[runID] = cause
	return &Run{ID: runID, Status: RunFailed}, nil
}

func newTestJoiner(t require.TestingT, store JoinStore, onSatisfied func(ctx context.Context, rec *JoinRecord) error, configure ...func(*JoinerOptions)) *Joiner {
	opts := JoinerOptions{
		Store: store,
		Spec: JoinSpec{
			Name:        "encode",
			Expected:    []string{"mp4", "hls"},
			OnSatisfied: onSatisfied,
		},
	}
	for _, fn := range configure {
		fn(&opts)
	}
	joiner, err := NewJoiner(opts)
	require.NoError(t, err)
	return joiner
}

func TestJoinerFiresOnceWhenSatisfied(t *testing.T) {
	ctx := context.Background()
	var fired []*JoinRecord
	joiner := newTestJoiner(t, NewMemoryStore(), func(ctx context.Context, rec *JoinRecord) error {
		fired = append(fired, rec)
		return nil
	})

	rec, ok, err := joiner.RecordBranchComplete(ctx, "asset-1", "mp4", map[string]any{"mp4Output": "a.mp4"}, "run_a")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, JoinPending, rec.Status)
	require.Equal(t, []string{"hls"}, rec.Missing())

	// Redelivery of a recorded branch changes nothing.
	rec, ok, err = joiner.RecordBranchComplete(ctx, "asset-1", "mp4", map[string]any{"mp4Output": "other.mp4"}, "run_a")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "a.mp4", rec.Completed["mp4"]["mp4Output"])
	require.Equal(t, int64(2), rec.Version)

	rec, ok, err = joiner.RecordBranchComplete(ctx, "asset-1", "hls", map[string]any{"hlsOutput": "a.m3u8"}, "run_b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, JoinSatisfied, rec.Status)
	require.True(t, rec.Fired)
	require.Len(t, fired, 1)
	require.Equal(t, []map[string]any{{"mp4Output": "a.mp4"}, {"hlsOutput": "a.m3u8"}}, fired[0].Outputs())

	// Late duplicates after satisfaction never fire again.
	_, ok, err = joiner.RecordBranchComplete(ctx, "asset-1", "hls", nil, "run_b")
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, fired, 1)

	_, _, err = joiner.RecordBranchComplete(ctx, "asset-1", "dash", nil, "run_c")
	require.Error(t, err)

	got, err := joiner.Get(ctx, "asset-1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"mp4": "run_a", "hls": "run_b"}, got.Runs)
}

func TestJoinerRearmsWhenActionFails(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	joiner := newTestJoiner(t, NewMemoryStore(), func(ctx context.Context, rec *JoinRecord) error {
		if calls.Add(1) == 1 {
			return errors.New("queue unavailable")
		}
		return nil
	})

	_, _, err := joiner.RecordBranchComplete(ctx, "asset-1", "mp4", nil, "")
	require.NoError(t, err)
	_, ok, err := joiner.RecordBranchComplete(ctx, "asset-1", "hls", nil, "")
	require.ErrorContains(t, err, "queue unavailable")
	require.False(t, ok)

	rec, err := joiner.Get(ctx, "asset-1")
	require.NoError(t, err)
	require.Equal(t, JoinSatisfied, rec.Status)
	require.False(t, rec.Fired)

	// Redelivered completion retries the action.
	_, ok, err = joiner.RecordBranchComplete(ctx, "asset-1", "hls", nil, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(2), calls.Load())
}

// However completions for an asset race or repeat, the action fires exactly
// once and only after every expected branch is recorded.
func TestJoinerExactlyOnceUnderConcurrency(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		store := NewMemoryStore()
		var fired atomic.Int32
		var missingAtFire []string
		joiner := newTestJoiner(t, store, func(ctx context.Context, rec *JoinRecord) error {
			fired.Add(1)
			missingAtFire = rec.Missing()
			return nil
		})

		var deliveries []string
		for _, branch := range []string{"mp4", "hls"} {
			copies := rapid.IntRange(1, 4).Draw(t, branch)
			for range copies {
				deliveries = append(deliveries, branch)
			}
		}
		order := rapid.Permutation(deliveries).Draw(t, "order")

		var wg sync.WaitGroup
		var firedCalls atomic.Int32
		for _, branch := range order {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := joiner.RecordBranchComplete(ctx, "asset", branch, map[string]any{branch: true}, "")
				if err != nil {
					t.Errorf("record %s: %v", branch, err)
				}
				if ok {
					firedCalls.Add(1)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), fired.Load())
		require.Equal(t, int32(1), firedCalls.Load())
		require.Empty(t, missingAtFire)

		rec, err := joiner.Get(ctx, "asset")
		require.NoError(t, err)
		require.Equal(t, JoinSatisfied, rec.Status)
		require.True(t, rec.Fired)
	})
}

func TestJoinerExpireOverdue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	failer := &fakeFailer{failed: map[string]error{"run_done": errors.New("already failed")}}
	notifier := &recordingNotifier{}
	joiner := newTestJoiner(t, store, func(ctx context.Context, rec *JoinRecord) error {
		t.Fatal("an expired join must not fire")
		return nil
	}, func(o *JoinerOptions) {
		o.Spec.Timeout = time.Minute
		o.Runs = failer
		o.Notifier = notifier
	})

	_, _, err := joiner.RecordBranchComplete(ctx, "late", "mp4", nil, "run_mp4")
	require.NoError(t, err)
	_, _, err = joiner.RecordBranchComplete(ctx, "other", "hls", nil, "run_done")
	require.NoError(t, err)

	expired, err := joiner.ExpireOverdue(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, expired, "deadline not reached")

	expired, err = joiner.ExpireOverdue(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 2)

	var wErr *WorkflowError
	require.ErrorAs(t, failer.failed["run_mp4"], &wErr)
	require.Equal(t, ErrorTypeJoinTimeout, wErr.Type)
	require.Len(t, notifier.All(), 2)

	rec, err := joiner.Get(ctx, "late")
	require.NoError(t, err)
	require.Equal(t, JoinTimedOut, rec.Status)

	_, _, err = joiner.RecordBranchComplete(ctx, "late", "hls", nil, "")
	var timeoutErr *JoinTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, []string{"hls"}, timeoutErr.Missing)

	// A second sweep finds nothing left to expire.
	expired, err = joiner.ExpireOverdue(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Empty(t, expired)
}

// crashDuringAction satisfies the asset's join with a joiner whose action
// never returns, as if the process died right after claiming it.
func crashDuringAction(t *testing.T, store JoinStore, assetID string, configure ...func(*JoinerOptions)) {
	crashing := newTestJoiner(t, store, func(ctx context.Context, rec *JoinRecord) error {
		runtime.Goexit()
		return nil
	}, configure...)
	ctx := context.Background()
	_, _, err := crashing.RecordBranchComplete(ctx, assetID, "mp4", map[string]any{"mp4Output": "a.mp4"}, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		crashing.RecordBranchComplete(ctx, assetID, "hls", map[string]any{"hlsOutput": "a.m3u8"}, "")
	}()
	wg.Wait()

	rec, err := crashing.Get(ctx, assetID)
	require.NoError(t, err)
	require.Equal(t, JoinSatisfied, rec.Status)
	require.True(t, rec.Fired)
	require.False(t, rec.ActionDone)
}

func TestJoinerReconcileAfterCrash(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	crashDuringAction(t, store, "asset-1")

	var calls atomic.Int32
	joiner := newTestJoiner(t, store, func(ctx context.Context, rec *JoinRecord) error {
		calls.Add(1)
		require.Equal(t, []map[string]any{{"mp4Output": "a.mp4"}, {"hlsOutput": "a.m3u8"}}, rec.Outputs())
		return nil
	})

	// The claim is still held, so redeliveries leave the action alone.
	for _, branch := range []string{"mp4", "hls"} {
		_, ok, err := joiner.RecordBranchComplete(ctx, "asset-1", branch, nil, "")
		require.NoError(t, err)
		require.False(t, ok)
	}
	n, err := joiner.Reconcile(ctx, time.Now())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, calls.Load())

	n, err = joiner.Reconcile(ctx, time.Now().Add(DefaultJoinClaimTimeout+time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int32(1), calls.Load())

	rec, err := joiner.Get(ctx, "asset-1")
	require.NoError(t, err)
	require.True(t, rec.ActionDone)

	// Once done, nothing fires again.
	_, ok, err := joiner.RecordBranchComplete(ctx, "asset-1", "hls", nil, "")
	require.NoError(t, err)
	require.False(t, ok)
	n, err = joiner.Reconcile(ctx, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, int32(1), calls.Load())
}

func TestJoinerRedeliveryReclaimsLapsedAction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	shortClaim := func(o *JoinerOptions) { o.Spec.ClaimTimeout = time.Millisecond }
	crashDuringAction(t, store, "asset-1", shortClaim)
	time.Sleep(5 * time.Millisecond)

	var calls atomic.Int32
	joiner := newTestJoiner(t, store, func(ctx context.Context, rec *JoinRecord) error {
		calls.Add(1)
		return nil
	})
	_, ok, err := joiner.RecordBranchComplete(ctx, "asset-1", "mp4", nil, "")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = joiner.RecordBranchComplete(ctx, "asset-1", "hls", nil, "")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int32(1), calls.Load())
}

func TestJoinerReconcileRetriesFailedAction(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	joiner := newTestJoiner(t, NewMemoryStore(), func(ctx context.Context, rec *JoinRecord) error {
		if calls.Add(1) == 1 {
			return errors.New("queue unavailable")
		}
		return nil
	})
	_, _, err := joiner.RecordBranchComplete(ctx, "asset-1", "mp4", nil, "")
	require.NoError(t, err)
	_, _, err = joiner.RecordBranchComplete(ctx, "asset-1", "hls", nil, "")
	require.Error(t, err)

	n, err := joiner.Reconcile(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int32(2), calls.Load())
}

func TestJoinerArmRounds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	var fired []string
	joiner := newTestJoiner(t, store, func(ctx context.Context, rec *JoinRecord) error {
		fired = append(fired, rec.RunID)
		return nil
	}, func(o *JoinerOptions) { o.Spec.Timeout = time.Hour })

	_, err := joiner.Arm(ctx, "asset-1", "")
	require.Error(t, err)

	armed, err := joiner.Arm(ctx, "asset-1", "run_a")
	require.NoError(t, err)
	require.Equal(t, "run_a", armed.RunID)
	require.Equal(t, JoinPending, armed.Status)
	require.False(t, armed.Deadline.IsZero())

	again, err := joiner.Arm(ctx, "asset-1", "run_a")
	require.NoError(t, err)
	require.Equal(t, armed.Version, again.Version)

	_, _, err = joiner.RecordBranchComplete(ctx, "asset-1", "mp4", nil, "run_old")
	require.ErrorIs(t, err, ErrJoinStale)

	_, _, err = joiner.RecordBranchComplete(ctx, "asset-1", "mp4", nil, "run_a")
	require.NoError(t, err)
	_, ok, err := joiner.RecordBranchComplete(ctx, "asset-1", "hls", nil, "run_a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"run_a"}, fired)

	// A new run for the asset starts a fresh round.
	next, err := joiner.Arm(ctx, "asset-1", "run_b")
	require.NoError(t, err)
	require.Equal(t, JoinPending, next.Status)
	require.Empty(t, next.Completed)
	require.False(t, next.Fired)
	require.False(t, next.ActionDone)

	_, _, err = joiner.RecordBranchComplete(ctx, "asset-1", "hls", nil, "run_a")
	require.ErrorIs(t, err, ErrJoinStale)
}

func TestJoinerExpireFailsArmingRun(t *testing.T) {
	ctx := context.Background()
	failer := &fakeFailer{failed: map[string]error{}}
	joiner := newTestJoiner(t, NewMemoryStore(), func(ctx context.Context, rec *JoinRecord) error {
		return nil
	}, func(o *JoinerOptions) {
		o.Spec.Timeout = time.Minute
		o.Runs = failer
	})

	_, err := joiner.Arm(ctx, "asset-1", "run_wait")
	require.NoError(t, err)
	_, _, err = joiner.RecordBranchComplete(ctx, "asset-1", "mp4", nil, "run_wait")
	require.NoError(t, err)

	expired, err := joiner.ExpireOverdue(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, []string{"hls"}, expired[0].Missing)
	require.Len(t, failer.failed, 1)

	var wErr *WorkflowError
	require.ErrorAs(t, failer.failed["run_wait"], &wErr)
	require.Equal(t, ErrorTypeJoinTimeout, wErr.Type)
}

func TestNewJoinerValidation(t *testing.T) {
	action := func(ctx context.Context, rec *JoinRecord) error { return nil }
	_, err := NewJoiner(JoinerOptions{Spec: JoinSpec{Name: "x", Expected: []string{"a"}, OnSatisfied: action}})
	require.Error(t, err)
	_, err = NewJoiner(JoinerOptions{Store: NewMemoryStore(), Spec: JoinSpec{Expected: []string{"a"}, OnSatisfied: action}})
	require.Error(t, err)
	_, err = NewJoiner(JoinerOptions{Store: NewMemoryStore(), Spec: JoinSpec{Name: "x", OnSatisfied: action}})
	require.Error(t, err)
	_, err = NewJoiner(JoinerOptions{Store: NewMemoryStore(), Spec: JoinSpec{Name: "x", Expected: []string{"a"}}})
	require.Error(t, err)
}
