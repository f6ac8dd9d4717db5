package stateflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"
)

// JoinStatus is the lifecycle status of a join record.
type JoinStatus string

const (
	JoinPending   JoinStatus = "pending"
	JoinSatisfied JoinStatus = "satisfied"
	JoinTimedOut  JoinStatus = "timed_out"
)

// JoinRecord tracks which expected branches of a cross-run rendezvous have
// completed for one asset.
type JoinRecord struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	AssetID  string   `json:"asset_id"`
	Expected []string `json:"expected"`
	// RunID is the run that armed the join and waits for it. Completions
	// reported by other runs belong to an older round and are rejected.
	RunID string `json:"run_id,omitempty"`
	// Completed maps a branch name to the output it reported.
	Completed map[string]map[string]any `json:"completed"`
	// Runs maps a branch name to the run that reported it.
	Runs   map[string]string `json:"runs,omitempty"`
	Status JoinStatus        `json:"status"`
	// Fired is set by the caller that claimed the satisfaction action. The
	// claim lapses at ClaimExpiry unless ActionDone was recorded first.
	Fired       bool      `json:"fired"`
	ClaimExpiry time.Time `json:"claim_expiry,omitzero"`
	ActionDone  bool      `json:"action_done,omitempty"`
	Deadline    time.Time `json:"deadline,omitzero"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Satisfied reports whether every expected branch completed.
func (j *JoinRecord) Satisfied() bool {
	for _, branch := range j.Expected {
		if _, ok := j.Completed[branch]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the expected branches that have not completed.
func (j *JoinRecord) Missing() []string {
	var missing []string
	for _, branch := range j.Expected {
		if _, ok := j.Completed[branch]; !ok {
			missing = append(missing, branch)
		}
	}
	sort.Strings(missing)
	return missing
}

// Outputs returns the branch outputs in expected order.
func (j *JoinRecord) Outputs() []map[string]any {
	outputs := make([]map[string]any, 0, len(j.Expected))
	for _, branch := range j.Expected {
		outputs = append(outputs, j.Completed[branch])
	}
	return outputs
}

// claimable reports whether the satisfaction action may be claimed at now.
func (j *JoinRecord) claimable(now time.Time) bool {
	if j.Status != JoinSatisfied || j.ActionDone {
		return false
	}
	return !j.Fired || !now.Before(j.ClaimExpiry)
}

// JoinID returns the record id of a join for an asset.
func JoinID(name, assetID string) string {
	return name + "/" + assetID
}

// DefaultJoinClaimTimeout bounds how long a claimed satisfaction action may
// run before another caller may claim it again.
const DefaultJoinClaimTimeout = 10 * time.Minute

// JoinSpec describes a rendezvous of independently running workflows.
type JoinSpec struct {
	Name     string
	Expected []string
	// Timeout is how long an armed join, or one created by its first
	// completion, waits for the rest. Zero means forever.
	Timeout time.Duration
	// ClaimTimeout is how long a claimed action blocks other claimants.
	// Defaults to DefaultJoinClaimTimeout.
	ClaimTimeout time.Duration
	// OnSatisfied runs once per satisfied join. If it fails the join
	// re-arms so that a redelivered completion can retry. If the claimant
	// dies before the action is recorded as done, a redelivery or Reconcile
	// invokes it again once the claim lapses, so it must tolerate a repeat.
	OnSatisfied func(ctx context.Context, rec *JoinRecord) error
}

// RunFailer fails runs from outside the engine loop. *Engine implements it.
type RunFailer interface {
	Fail(ctx context.Context, runID string, cause error) (*Run, error)
}

// JoinerOptions configures a Joiner
type JoinerOptions struct {
	Store    JoinStore
	Spec     JoinSpec
	Runs     RunFailer
	Notifier Notifier
	Logger   *slog.Logger
}

// Joiner records branch completions and fires the satisfaction action once
// per asset, no matter how completions race or are redelivered.
type Joiner struct {
	store    JoinStore
	spec     JoinSpec
	runs     RunFailer
	notifier Notifier
	logger   *slog.Logger
}

// NewJoiner returns a Joiner for opts.Spec.
func NewJoiner(opts JoinerOptions) (*Joiner, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("join store is required")
	}
	if opts.Spec.Name == "" {
		return nil, fmt.Errorf("join name is required")
	}
	if len(opts.Spec.Expected) == 0 {
		return nil, fmt.Errorf("join %q: expected branches required", opts.Spec.Name)
	}
	if opts.Spec.OnSatisfied == nil {
		return nil, fmt.Errorf("join %q: satisfaction action required", opts.Spec.Name)
	}
	if opts.Spec.ClaimTimeout <= 0 {
		opts.Spec.ClaimTimeout = DefaultJoinClaimTimeout
	}
	if opts.Notifier == nil {
		opts.Notifier = NullNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	return &Joiner{
		store:    opts.Store,
		spec:     opts.Spec,
		runs:     opts.Runs,
		notifier: opts.Notifier,
		logger:   opts.Logger.With("join", opts.Spec.Name),
	}, nil
}

// Name returns the join name.
func (j *Joiner) Name() string {
	return j.spec.Name
}

// Arm opens a join round for the asset on behalf of runID, which waits for
// the join. Arming again for the same run is a no-op. Arming for another run
// discards the previous round, so a reprocessed asset starts from scratch;
// late completions of the old round are then rejected with ErrJoinStale.
func (j *Joiner) Arm(ctx context.Context, assetID, runID string) (*JoinRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("join %q: arming run required", j.spec.Name)
	}
	id := JoinID(j.spec.Name, assetID)
	if err := j.ensure(ctx, id, assetID, runID); err != nil {
		return nil, err
	}
	rec, err := updateJoin(ctx, j.store, id, func(r *JoinRecord) error {
		if r.RunID == runID {
			return errSkipSave
		}
		j.reset(r, runID, time.Now().UTC())
		return nil
	})
	if err != nil {
		return nil, err
	}
	j.logger.Debug("join armed", "asset_id", assetID, "run_id", runID, "deadline", rec.Deadline)
	return rec, nil
}

// reset starts a fresh round on an existing record.
func (j *Joiner) reset(r *JoinRecord, runID string, now time.Time) {
	r.Expected = slices.Clone(j.spec.Expected)
	r.RunID = runID
	r.Completed = map[string]map[string]any{}
	r.Runs = map[string]string{}
	r.Status = JoinPending
	r.Fired = false
	r.ClaimExpiry = time.Time{}
	r.ActionDone = false
	r.Deadline = time.Time{}
	if j.spec.Timeout > 0 {
		r.Deadline = now.Add(j.spec.Timeout)
	}
}

// RecordBranchComplete records that branch finished for the asset. Recording
// the same branch again has no effect. The caller whose update makes the
// join satisfied invokes the satisfaction action; fired reports whether this
// call was that caller and the action succeeded. A redelivery also invokes
// the action when an earlier claim lapsed without completing it.
func (j *Joiner) RecordBranchComplete(ctx context.Context, assetID, branch string, output map[string]any, runID string) (rec *JoinRecord, fired bool, err error) {
	if !slices.Contains(j.spec.Expected, branch) {
		return nil, false, fmt.Errorf("join %q does not expect branch %q", j.spec.Name, branch)
	}
	id := JoinID(j.spec.Name, assetID)
	if err := j.ensure(ctx, id, assetID, ""); err != nil {
		return nil, false, err
	}

	claimed := false
	rec, err = updateJoin(ctx, j.store, id, func(r *JoinRecord) error {
		claimed = false
		if r.Status == JoinTimedOut {
			return &JoinTimeoutError{JoinID: r.ID, Missing: r.Missing()}
		}
		if r.RunID != "" && runID != "" && r.RunID != runID {
			return fmt.Errorf("%w: join %s is armed by run %s, not %s", ErrJoinStale, r.ID, r.RunID, runID)
		}
		now := time.Now().UTC()
		_, seen := r.Completed[branch]
		if !seen {
			if r.Completed == nil {
				r.Completed = map[string]map[string]any{}
			}
			if r.Runs == nil {
				r.Runs = map[string]string{}
			}
			r.Completed[branch] = copyDocument(output)
			if runID != "" {
				r.Runs[branch] = runID
			}
		}
		if r.Satisfied() {
			r.Status = JoinSatisfied
			if r.claimable(now) {
				j.claim(r, now)
				claimed = true
			}
		}
		if seen && !claimed {
			return errSkipSave
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	logger := j.logger.With("asset_id", assetID, "branch", branch)
	if !claimed {
		logger.Debug("branch recorded", "missing", rec.Missing())
		return rec, false, nil
	}
	logger.Info("join satisfied")
	if err := j.fire(ctx, rec); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func (j *Joiner) claim(r *JoinRecord, now time.Time) {
	r.Fired = true
	r.ClaimExpiry = now.Add(j.spec.ClaimTimeout)
}

// fire invokes the action for a record this caller claimed, then records the
// outcome: done on success, re-armed on failure.
func (j *Joiner) fire(ctx context.Context, rec *JoinRecord) error {
	logger := j.logger.With("asset_id", rec.AssetID)
	actionErr := j.spec.OnSatisfied(ctx, rec)
	_, err := updateJoin(context.WithoutCancel(ctx), j.store, rec.ID, func(r *JoinRecord) error {
		if r.RunID != rec.RunID || r.Status != JoinSatisfied {
			return errSkipSave
		}
		if actionErr != nil {
			r.Fired = false
			r.ClaimExpiry = time.Time{}
			return nil
		}
		r.ActionDone = true
		return nil
	})
	if actionErr != nil {
		logger.Error("join action failed, re-arming", "error", actionErr)
		if err != nil {
			return errors.Join(actionErr, fmt.Errorf("failed to re-arm join: %w", err))
		}
		return actionErr
	}
	if err != nil {
		return fmt.Errorf("failed to record join action: %w", err)
	}
	return nil
}

// ensure creates the join record if it does not exist yet.
func (j *Joiner) ensure(ctx context.Context, id, assetID, runID string) error {
	if _, err := j.store.GetJoin(ctx, id); err == nil {
		return nil
	} else if !errors.Is(err, ErrJoinNotFound) {
		return err
	}
	now := time.Now().UTC()
	rec := &JoinRecord{
		ID:        id,
		Name:      j.spec.Name,
		AssetID:   assetID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	j.reset(rec, runID, now)
	if err := j.store.CreateJoin(ctx, rec); err != nil && !errors.Is(err, ErrJoinExists) {
		return err
	}
	return nil
}

// Get returns the join record for an asset.
func (j *Joiner) Get(ctx context.Context, assetID string) (*JoinRecord, error) {
	return j.store.GetJoin(ctx, JoinID(j.spec.Name, assetID))
}

// Reconcile invokes the satisfaction action of satisfied joins whose action
// never completed: re-armed after a failure, or claimed by a caller whose
// claim lapsed before now. It returns how many actions completed. It is the
// crash recovery counterpart of Engine.Resume.
func (j *Joiner) Reconcile(ctx context.Context, now time.Time) (int, error) {
	recs, err := j.store.ListJoins(ctx, JoinSatisfied)
	if err != nil {
		return 0, err
	}
	var (
		fired int
		errs  []error
	)
	for _, rec := range recs {
		if rec.Name != j.spec.Name || !rec.claimable(now) {
			continue
		}
		claimed := false
		updated, err := updateJoin(ctx, j.store, rec.ID, func(r *JoinRecord) error {
			claimed = false
			if !r.claimable(now) {
				return errSkipSave
			}
			j.claim(r, time.Now().UTC())
			claimed = true
			return nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !claimed {
			continue
		}
		j.logger.Info("reconciling satisfied join", "join_id", updated.ID)
		if err := j.fire(ctx, updated); err != nil {
			errs = append(errs, fmt.Errorf("join %s: %w", updated.ID, err))
			continue
		}
		fired++
	}
	return fired, errors.Join(errs...)
}

// ExpireOverdue times out pending joins with this join name whose deadline passed.
// Each expired join fails the run that armed it and its contributing runs
// that are still running, and raises an alert. The returned errors describe
// the expired joins.
func (j *Joiner) ExpireOverdue(ctx context.Context, now time.Time) ([]*JoinTimeoutError, error) {
	recs, err := j.store.ListJoins(ctx, JoinPending)
	if err != nil {
		return nil, err
	}
	var expired []*JoinTimeoutError
	var errs []error
	for _, rec := range recs {
		if rec.Name != j.spec.Name || rec.Deadline.IsZero() || now.Before(rec.Deadline) {
			continue
		}
		owned := false
		updated, err := updateJoin(ctx, j.store, rec.ID, func(r *JoinRecord) error {
			owned = false
			if r.Status != JoinPending || r.Deadline.IsZero() || now.Before(r.Deadline) {
				return errSkipSave
			}
			r.Status = JoinTimedOut
			owned = true
			return nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !owned {
			continue
		}
		timeoutErr := &JoinTimeoutError{JoinID: updated.ID, Missing: updated.Missing()}
		expired = append(expired, timeoutErr)
		j.logger.Error("join timed out", "join_id", updated.ID, "missing", timeoutErr.Missing)

		if j.runs != nil {
			cause := &WorkflowError{Type: ErrorTypeJoinTimeout, Cause: timeoutErr.Error(), Wrapped: timeoutErr}
			for _, runID := range updated.contributors() {
				if _, err := j.runs.Fail(ctx, runID, cause); err != nil && !errors.Is(err, ErrRunTerminal) {
					errs = append(errs, fmt.Errorf("failed to fail run %s: %w", runID, err))
				}
			}
		}
		if err := j.notifier.Notify(ctx, Notification{
			Subject: fmt.Sprintf("Join %s timed out", j.spec.Name),
			Message: timeoutErr.Error(),
			Level:   LevelError,
			RunID:   updated.RunID,
			Fields: map[string]any{
				"join_id":  updated.ID,
				"asset_id": updated.AssetID,
				"missing":  timeoutErr.Missing,
			},
		}); err != nil {
			j.logger.Error("failed to send join timeout notification", "error", err)
		}
	}
	return expired, errors.Join(errs...)
}

// contributors returns the arming run followed by the reporting runs, once
// each, in branch order.
func (j *JoinRecord) contributors() []string {
	var ids []string
	if j.RunID != "" {
		ids = append(ids, j.RunID)
	}
	for _, branch := range sortedKeys(j.Runs) {
		if id := j.Runs[branch]; !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
