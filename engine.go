package stateflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/stateflow/script"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// EngineOptions configures a new engine
type EngineOptions struct {
	Store       RunStore
	Steps       *Registry
	Definitions *DefinitionRegistry

	Logger         *slog.Logger
	Notifier       Notifier
	Callbacks      Callbacks
	StepLogger     StepLogger
	ScriptCompiler script.Compiler

	// TaskTimeout applies to Task states that do not set their own timeout.
	// Zero means no limit.
	TaskTimeout time.Duration

	// DefaultRetry applies to Task states without a retry list.
	DefaultRetry *RetryConfig

	// LeaseDuration bounds how long a crashed worker blocks a run. Leases
	// are renewed while a step is running.
	LeaseDuration time.Duration

	// MaxParallelBranches limits concurrently executing branches of one
	// Parallel state. Zero means unlimited.
	MaxParallelBranches int

	// ResumeConcurrency limits how many runs Resume drives at once.
	ResumeConcurrency int
}

// DefaultRetryConfig retries transient failures and timeouts three times with
// jittered exponential backoff.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		ErrorEquals:    []string{ErrorTypeRetryable, ErrorTypeTimeout},
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		BackoffRate:    2,
		JitterStrategy: JitterFull,
	}
}

// Engine interprets workflow definitions against runs held in a RunStore.
// Any number of engines may share a store; per-run stepping is serialized by
// a lease claimed with a versioned update.
type Engine struct {
	store               RunStore
	steps               *Registry
	definitions         *DefinitionRegistry
	logger              *slog.Logger
	notifier            Notifier
	callbacks           Callbacks
	stepLogger          StepLogger
	compiler            script.Compiler
	taskTimeout         time.Duration
	defaultRetry        *RetryConfig
	leaseDuration       time.Duration
	maxParallelBranches int
	resumeConcurrency   int
}

// NewEngine validates that every Task of every definition references a
// registered step and returns the engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Steps == nil {
		return nil, fmt.Errorf("step registry is required")
	}
	if opts.Definitions == nil {
		return nil, fmt.Errorf("definition registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	if opts.Notifier == nil {
		opts.Notifier = NullNotifier{}
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	if opts.StepLogger == nil {
		opts.StepLogger = NewNullStepLogger()
	}
	if opts.ScriptCompiler == nil {
		opts.ScriptCompiler = script.NewDefaultCompiler()
	}
	if opts.DefaultRetry == nil {
		opts.DefaultRetry = DefaultRetryConfig()
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 5 * time.Minute
	}
	if opts.ResumeConcurrency <= 0 {
		opts.ResumeConcurrency = 4
	}
	for _, name := range opts.Definitions.List() {
		def, _ := opts.Definitions.Get(name)
		for _, step := range def.TaskSteps() {
			if _, err := opts.Steps.Resolve(step); err != nil {
				return nil, fmt.Errorf("definition %q: %w", name, err)
			}
		}
	}
	return &Engine{
		store:               opts.Store,
		steps:               opts.Steps,
		definitions:         opts.Definitions,
		logger:              opts.Logger,
		notifier:            opts.Notifier,
		callbacks:           opts.Callbacks,
		stepLogger:          opts.StepLogger,
		compiler:            opts.ScriptCompiler,
		taskTimeout:         opts.TaskTimeout,
		defaultRetry:        opts.DefaultRetry,
		leaseDuration:       opts.LeaseDuration,
		maxParallelBranches: opts.MaxParallelBranches,
		resumeConcurrency:   opts.ResumeConcurrency,
	}, nil
}

// Start creates a run of the definition positioned at its start state. When a
// non-terminal run already exists for key it returns a *DuplicateRunError
// naming that run. An empty key disables duplicate detection.
func (e *Engine) Start(ctx context.Context, definitionID, key string, input map[string]any) (*Run, error) {
	def, ok := e.definitions.Get(definitionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, definitionID)
	}
	now := time.Now().UTC()
	run := &Run{
		ID:           NewRunID(),
		Key:          key,
		DefinitionID: definitionID,
		Status:       RunRunning,
		CurrentState: def.StartAt(),
		Context:      copyDocument(input),
		History:      []*HistoryEntry{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		var dup *DuplicateRunError
		if errors.As(err, &dup) {
			e.logger.Info("duplicate run suppressed", "key", key, "existing_run_id", dup.RunID)
		}
		return nil, err
	}
	e.runLogger(run).Info("run started", "state", run.CurrentState)
	e.callbacks.BeforeRun(ctx, &RunEvent{
		RunID:        run.ID,
		Key:          run.Key,
		DefinitionID: run.DefinitionID,
		Status:       run.Status,
		StartTime:    run.CreatedAt,
	})
	return run, nil
}

// Step executes exactly one state transition of the run and returns the
// committed run. It returns ErrRunBusy when another caller is stepping the
// run and ErrRunTerminal when the run already finished. A run at a wait
// state is parked with status RunWaiting and returned unchanged until it is
// signalled. If the run is failed externally while the state executes, the
// outcome is discarded.
func (e *Engine) Step(ctx context.Context, runID string) (*Run, error) {
	token := uuid.NewString()
	var (
		parked   bool
		released *HistoryEntry
	)
	claimed, err := UpdateRun(ctx, e.store, runID, func(r *Run) error {
		parked, released = false, nil
		if r.Status.IsTerminal() {
			return ErrRunTerminal
		}
		if r.Status == RunWaiting {
			parked = true
			return errSkipSave
		}
		now := time.Now()
		if r.Leased(now) {
			return ErrRunBusy
		}
		if e.isWaitState(r.DefinitionID, r.CurrentState) {
			parked = true
			return e.park(r, now.UTC(), &released)
		}
		r.Status = RunRunning
		r.LeaseOwner = token
		r.LeaseExpiry = now.Add(e.leaseDuration)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if parked {
		if released != nil {
			e.waitReleased(ctx, claimed, released)
			if claimed.Status.IsTerminal() {
				e.finish(ctx, claimed)
			}
		}
		return claimed, nil
	}
	logger := e.runLogger(claimed)

	renewCtx, stopRenew := context.WithCancel(ctx)
	var renewWg sync.WaitGroup
	renewWg.Add(1)
	go func() {
		defer renewWg.Done()
		e.renewLease(renewCtx, runID, token)
	}()

	tr := e.interpretCurrent(ctx, claimed)

	stopRenew()
	renewWg.Wait()

	if ctx.Err() != nil {
		// The caller gave up mid-state. Release the lease so another worker
		// can redo the state; steps are idempotent.
		e.releaseLease(context.WithoutCancel(ctx), runID, token)
		return nil, ctx.Err()
	}

	discarded := false
	committed, err := UpdateRun(ctx, e.store, runID, func(r *Run) error {
		discarded, released = false, nil
		if r.LeaseOwner != token || r.Status.IsTerminal() {
			discarded = true
			return errSkipSave
		}
		now := time.Now().UTC()
		r.History = append(r.History, tr.entries...)
		r.Context = tr.payload.Map()
		r.LeaseOwner = ""
		r.LeaseExpiry = time.Time{}
		switch {
		case tr.failed != nil:
			r.Status = RunFailed
			r.Error = tr.failed
			r.FinishedAt = now
		case tr.done:
			r.Status = RunSucceeded
			r.FinishedAt = now
		default:
			r.CurrentState = tr.next
			if e.isWaitState(r.DefinitionID, tr.next) {
				return e.park(r, now, &released)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit run %s: %w", runID, err)
	}
	if discarded {
		logger.Warn("state outcome discarded", "state", claimed.CurrentState, "status", committed.Status)
		return committed, nil
	}
	if released != nil {
		e.waitReleased(ctx, committed, released)
	}
	if committed.Status == RunWaiting {
		logger.Info("run waiting", "state", committed.CurrentState)
	}
	if committed.Status.IsTerminal() {
		e.finish(ctx, committed)
	}
	return committed, nil
}

// RunToCompletion steps the run until it reaches a terminal status or parks
// at a wait state.
func (e *Engine) RunToCompletion(ctx context.Context, runID string) (*Run, error) {
	for {
		run, err := e.Step(ctx, runID)
		if err != nil {
			if errors.Is(err, ErrRunTerminal) {
				return e.store.GetRun(ctx, runID)
			}
			return nil, err
		}
		if run.Status.IsTerminal() || run.Status == RunWaiting {
			return run, nil
		}
	}
}

// Signal releases a run parked at a wait state. Output is merged into the
// run context, the wait state transitions like a Pass state, and the run is
// driven on. A run that has not reached its wait state yet keeps the signal
// and consumes it on arrival. Signalling a finished run returns
// ErrRunTerminal.
func (e *Engine) Signal(ctx context.Context, runID string, output map[string]any) (*Run, error) {
	var released *HistoryEntry
	run, err := UpdateRun(ctx, e.store, runID, func(r *Run) error {
		released = nil
		if r.Status.IsTerminal() {
			return ErrRunTerminal
		}
		if r.Status != RunWaiting {
			r.Signal = copyDocument(output)
			r.Signalled = true
			return nil
		}
		entry, err := e.releaseWait(r, output, time.Now().UTC())
		if err != nil {
			return err
		}
		released = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	if released == nil {
		e.runLogger(run).Info("signal held until the run waits", "state", run.CurrentState)
		return run, nil
	}
	e.waitReleased(ctx, run, released)
	switch {
	case run.Status.IsTerminal():
		e.finish(ctx, run)
		return run, nil
	case run.Status == RunWaiting:
		return run, nil
	}
	driven, err := e.RunToCompletion(ctx, runID)
	if errors.Is(err, ErrRunBusy) {
		return e.store.GetRun(ctx, runID)
	}
	return driven, err
}

// park moves r into the wait state it is positioned at. A signal that
// arrived earlier releases it at once; released then receives the history
// entry of the wait.
func (e *Engine) park(r *Run, now time.Time, released **HistoryEntry) error {
	r.Status = RunWaiting
	r.WaitingSince = now
	if !r.Signalled {
		return nil
	}
	entry, err := e.releaseWait(r, r.Signal, now)
	if err != nil {
		return err
	}
	*released = entry
	return nil
}

// releaseWait completes the wait state r is parked at and advances r.
func (e *Engine) releaseWait(r *Run, output map[string]any, now time.Time) (*HistoryEntry, error) {
	s, ok := e.state(r.DefinitionID, r.CurrentState)
	if !ok || s.Type != StateWait {
		return nil, fmt.Errorf("%w: state %q is not a wait state", ErrRunNotWaiting, r.CurrentState)
	}
	payload := r.Payload()
	payload.Merge(copyDocument(output))
	r.Context = payload.Map()
	r.Signal = nil
	r.Signalled = false
	entry := &HistoryEntry{
		State:     r.CurrentState,
		Type:      StateWait,
		StartedAt: r.WaitingSince,
		EndedAt:   now,
		Outcome:   OutcomeSucceeded,
	}
	r.History = append(r.History, entry)
	r.WaitingSince = time.Time{}
	if s.End || s.Next == "" {
		r.Status = RunSucceeded
		r.FinishedAt = now
		return entry, nil
	}
	entry.Next = s.Next
	r.CurrentState = s.Next
	r.Status = RunRunning
	if e.isWaitState(r.DefinitionID, s.Next) {
		r.Status = RunWaiting
		r.WaitingSince = now
	}
	return entry, nil
}

// waitReleased reports a released wait state.
func (e *Engine) waitReleased(ctx context.Context, run *Run, entry *HistoryEntry) {
	e.runLogger(run).Info("run signalled", "state", entry.State, "next", entry.Next)
	e.callbacks.BeforeState(ctx, &StateEvent{
		RunID:        run.ID,
		DefinitionID: run.DefinitionID,
		State:        entry.State,
		Type:         StateWait,
		StartTime:    entry.StartedAt,
	})
	e.callbacks.AfterState(ctx, &StateEvent{
		RunID:        run.ID,
		DefinitionID: run.DefinitionID,
		State:        entry.State,
		Type:         StateWait,
		StartTime:    entry.StartedAt,
		EndTime:      entry.EndedAt,
		Duration:     entry.EndedAt.Sub(entry.StartedAt),
		Outcome:      OutcomeSucceeded,
		Next:         entry.Next,
	})
}

// state looks up a top-level state of a registered definition.
func (e *Engine) state(definitionID, name string) (*State, bool) {
	def, ok := e.definitions.Get(definitionID)
	if !ok {
		return nil, false
	}
	return def.State(name)
}

func (e *Engine) isWaitState(definitionID, name string) bool {
	s, ok := e.state(definitionID, name)
	return ok && s.Type == StateWait
}

// Execute starts a run and drives it to completion.
func (e *Engine) Execute(ctx context.Context, definitionID, key string, input map[string]any) (*Run, error) {
	run, err := e.Start(ctx, definitionID, key, input)
	if err != nil {
		return nil, err
	}
	return e.RunToCompletion(ctx, run.ID)
}

// Fail marks a run failed from outside the engine loop. A Step in flight for
// the run discards its outcome. Failing a terminal run returns ErrRunTerminal.
// A *WorkflowError cause keeps its type; any other cause is recorded as fatal.
func (e *Engine) Fail(ctx context.Context, runID string, cause error) (*Run, error) {
	errorType := ErrorTypeFatal
	var wErr *WorkflowError
	if errors.As(cause, &wErr) {
		errorType = wErr.Type
	}
	run, err := UpdateRun(ctx, e.store, runID, func(r *Run) error {
		if r.Status.IsTerminal() {
			return ErrRunTerminal
		}
		now := time.Now().UTC()
		stateType := StateType("")
		if def, ok := e.definitions.Get(r.DefinitionID); ok {
			if s, ok := def.State(r.CurrentState); ok {
				stateType = s.Type
			}
		}
		r.History = append(r.History, &HistoryEntry{
			State:     r.CurrentState,
			Type:      stateType,
			StartedAt: now,
			EndedAt:   now,
			Outcome:   OutcomeFailed,
			Error:     cause.Error(),
		})
		r.Status = RunFailed
		r.Error = &RunError{
			State:    r.CurrentState,
			Type:     errorType,
			Cause:    cause.Error(),
			Attempts: r.Attempts(),
		}
		r.FinishedAt = now
		r.LeaseOwner = ""
		r.LeaseExpiry = time.Time{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.finish(ctx, run)
	return run, nil
}

// Resume drives every running run whose lease is free or expired to
// completion. It is the crash recovery entry point.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	runs, err := e.store.ListRuns(ctx, RunFilter{Status: RunRunning})
	if err != nil {
		return 0, err
	}
	var (
		mutex   sync.Mutex
		errs    []error
		resumed int
	)
	g := new(errgroup.Group)
	g.SetLimit(e.resumeConcurrency)
	now := time.Now()
	for _, run := range runs {
		if run.Leased(now) {
			continue
		}
		g.Go(func() error {
			e.runLogger(run).Info("resuming run", "state", run.CurrentState)
			_, err := e.RunToCompletion(ctx, run.ID)
			mutex.Lock()
			defer mutex.Unlock()
			switch {
			case err == nil:
				resumed++
			case errors.Is(err, ErrRunBusy):
			default:
				errs = append(errs, fmt.Errorf("run %s: %w", run.ID, err))
			}
			return nil
		})
	}
	g.Wait()
	return resumed, errors.Join(errs...)
}

// Get returns a run by id.
func (e *Engine) Get(ctx context.Context, runID string) (*Run, error) {
	return e.store.GetRun(ctx, runID)
}

// GetByKey returns the newest run for an idempotency key.
func (e *Engine) GetByKey(ctx context.Context, key string) (*Run, error) {
	return e.store.GetRunByKey(ctx, key)
}

// List returns runs matching the filter, newest first.
func (e *Engine) List(ctx context.Context, filter RunFilter) ([]*Run, error) {
	return e.store.ListRuns(ctx, filter)
}

// Definitions returns the definition registry.
func (e *Engine) Definitions() *DefinitionRegistry {
	return e.definitions
}

// finish reports a run that just became terminal.
func (e *Engine) finish(ctx context.Context, run *Run) {
	logger := e.runLogger(run)
	if run.Status == RunFailed {
		logger.Error("run failed",
			"state", run.Error.State,
			"error_type", run.Error.Type,
			"error", run.Error.Cause,
			"attempts", run.Error.Attempts)
		e.reportFailure(ctx, run)
	} else {
		logger.Info("run succeeded", "duration", run.FinishedAt.Sub(run.CreatedAt))
	}
	e.callbacks.AfterRun(ctx, &RunEvent{
		RunID:        run.ID,
		Key:          run.Key,
		DefinitionID: run.DefinitionID,
		Status:       run.Status,
		StartTime:    run.CreatedAt,
		EndTime:      run.FinishedAt,
		Duration:     run.FinishedAt.Sub(run.CreatedAt),
		Error:        run.Error,
	})
}

// reportFailure forwards a failure to the notifier. The FailureNotified flag
// is claimed with a versioned update first, so concurrent reporters cannot
// both send.
func (e *Engine) reportFailure(ctx context.Context, run *Run) {
	claimed := false
	_, err := UpdateRun(ctx, e.store, run.ID, func(r *Run) error {
		claimed = false
		if r.FailureNotified {
			return errSkipSave
		}
		r.FailureNotified = true
		claimed = true
		return nil
	})
	if err != nil {
		e.runLogger(run).Error("failed to record failure notification", "error", err)
		return
	}
	if !claimed {
		return
	}
	n := Notification{
		Subject:      fmt.Sprintf("Workflow %s failed", run.DefinitionID),
		Message:      fmt.Sprintf("run %s failed in state %s: %s", run.ID, run.Error.State, run.Error.Cause),
		Level:        LevelError,
		RunID:        run.ID,
		Key:          run.Key,
		DefinitionID: run.DefinitionID,
		Fields: map[string]any{
			"state":      run.Error.State,
			"error_type": run.Error.Type,
			"attempts":   run.Error.Attempts,
		},
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.runLogger(run).Error("failed to send failure notification", "error", err)
	}
}

// renewLease extends the lease until ctx is done or the lease is lost.
func (e *Engine) renewLease(ctx context.Context, runID, token string) {
	ticker := time.NewTicker(e.leaseDuration / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		lost := false
		_, err := UpdateRun(ctx, e.store, runID, func(r *Run) error {
			lost = false
			if r.LeaseOwner != token || r.Status.IsTerminal() {
				lost = true
				return errSkipSave
			}
			r.LeaseExpiry = time.Now().Add(e.leaseDuration)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			e.logger.Warn("failed to renew lease", "run_id", runID, "error", err)
		}
		if lost {
			return
		}
	}
}

func (e *Engine) releaseLease(ctx context.Context, runID, token string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := UpdateRun(ctx, e.store, runID, func(r *Run) error {
		if r.LeaseOwner != token {
			return errSkipSave
		}
		r.LeaseOwner = ""
		r.LeaseExpiry = time.Time{}
		return nil
	})
	if err != nil {
		e.logger.Warn("failed to release lease", "run_id", runID, "error", err)
	}
}

func (e *Engine) runLogger(run *Run) *slog.Logger {
	logger := e.logger.With("run_id", run.ID, "definition", run.DefinitionID)
	if run.Key != "" {
		logger = logger.With("key", run.Key)
	}
	return logger
}
