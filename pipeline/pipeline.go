package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/deepnoodle-ai/stateflow"
)

// encodeBranches are the renditions every asset gets, in join order.
var encodeBranches = []string{FormatMP4, FormatHLS}

// EncodeJoinName names the join of asynchronous encode completions.
const EncodeJoinName = "encode"

// Deps are the side-effect clients the steps call.
type Deps struct {
	Objects    ObjectStore
	Prober     Prober
	Transcoder Transcoder
	Records    RecordStore
	Queue      Queue
	Notifier   stateflow.Notifier

	// DestBucket receives renditions. Defaults to the source bucket.
	DestBucket string
	// ArchiveSource tags sources as archived after publishing unless the
	// run input says otherwise.
	ArchiveSource bool
}

// Options configure a Pipeline.
type Options struct {
	Store stateflow.Store
	Deps  Deps

	// Async submits encodes as separate jobs that rendezvous through the
	// encode join instead of a Parallel state.
	Async bool
	// JoinTimeout bounds how long the first encode completion waits for
	// the other. Zero waits forever.
	JoinTimeout time.Duration

	Logger        *slog.Logger
	Callbacks     stateflow.Callbacks
	StepLogger    stateflow.StepLogger
	TaskTimeout   time.Duration
	LeaseDuration time.Duration

	MaxParallelBranches int
	ResumeConcurrency   int

	// Definitions are registered alongside the embedded ingest
	// definitions and may use the same steps.
	Definitions []*stateflow.Definition
	// Steps are registered next to the pipeline steps.
	Steps []stateflow.Step
}

// Pipeline is an assembled video ingest service.
type Pipeline struct {
	deps       Deps
	logger     *slog.Logger
	engine     *stateflow.Engine
	joiner     *stateflow.Joiner
	definition string
}

// New builds the step registry, loads the embedded definitions and creates
// the engine and encode join.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	deps := opts.Deps
	if deps.Objects == nil || deps.Prober == nil || deps.Transcoder == nil {
		return nil, errors.New("object store, prober and transcoder are required")
	}
	if deps.Records == nil {
		deps.Records = NewMemoryRecords()
	}
	if deps.Queue == nil {
		deps.Queue = &MemoryQueue{}
	}
	if deps.Notifier == nil {
		deps.Notifier = stateflow.NullNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = stateflow.NewDiscardLogger()
	}
	p := &Pipeline{
		deps:       deps,
		logger:     opts.Logger,
		definition: DefinitionIngest,
	}
	if opts.Async {
		p.definition = DefinitionIngestAsync
	}

	steps, err := stateflow.NewRegistry(append(p.steps(), opts.Steps...)...)
	if err != nil {
		return nil, err
	}
	defs, err := Definitions()
	if err != nil {
		return nil, err
	}
	registry, err := stateflow.NewDefinitionRegistry(append(defs, opts.Definitions...)...)
	if err != nil {
		return nil, err
	}
	p.engine, err = stateflow.NewEngine(stateflow.EngineOptions{
		Store:         opts.Store,
		Steps:         steps,
		Definitions:   registry,
		Logger:        opts.Logger,
		Notifier:      deps.Notifier,
		Callbacks:     opts.Callbacks,
		StepLogger:    opts.StepLogger,
		TaskTimeout:   opts.TaskTimeout,
		LeaseDuration: opts.LeaseDuration,

		MaxParallelBranches: opts.MaxParallelBranches,
		ResumeConcurrency:   opts.ResumeConcurrency,
	})
	if err != nil {
		return nil, err
	}
	p.joiner, err = stateflow.NewJoiner(stateflow.JoinerOptions{
		Store: opts.Store,
		Spec: stateflow.JoinSpec{
			Name:        EncodeJoinName,
			Expected:    encodeBranches,
			Timeout:     opts.JoinTimeout,
			OnSatisfied: p.startPublish,
		},
		Runs:     p.engine,
		Notifier: deps.Notifier,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Engine returns the underlying engine.
func (p *Pipeline) Engine() *stateflow.Engine { return p.engine }

// Joiner returns the encode join.
func (p *Pipeline) Joiner() *stateflow.Joiner { return p.joiner }

// IngestDefinition returns the definition new sources start.
func (p *Pipeline) IngestDefinition() string { return p.definition }

// completeEncode records one finished rendition of an asynchronously encoded
// asset. Failed encodes are reported; the join then expires unless the job
// is resubmitted.
func (p *Pipeline) completeEncode(ctx context.Context, assetID, runID, format string, base map[string]any, result *EncodeResult, err error) {
	logger := p.logger.With("asset_id", assetID, "run_id", runID, "format", format)
	if err != nil {
		logger.Error("encode failed", "error", err)
		if nErr := p.deps.Notifier.Notify(ctx, stateflow.Notification{
			Subject: "Encode failed",
			Message: fmt.Sprintf("%s encode of %v failed: %v", format, base["srcVideo"], err),
			Level:   stateflow.LevelError,
			RunID:   runID,
			Key:     assetID,
		}); nErr != nil {
			logger.Warn("encode failure notification failed", "error", nErr)
		}
		return
	}
	output := maps.Clone(base)
	output[outputField(format)] = result.Location()
	_, fired, err := p.joiner.RecordBranchComplete(ctx, assetID, format, output, runID)
	if errors.Is(err, stateflow.ErrJoinStale) {
		logger.Warn("ignoring encode of a superseded round", "error", err)
	} else if err != nil {
		logger.Error("recording encode completion failed", "error", err)
	} else if fired {
		logger.Info("all renditions encoded")
	}
}

// publishKey is the idempotency key of the publish run for one join round.
func publishKey(assetID, ingestRunID string) string {
	if ingestRunID == "" {
		return "publish:" + assetID
	}
	return "publish:" + assetID + ":" + ingestRunID
}

// startPublish runs the publish workflow for a satisfied encode join and
// settles the ingest run waiting for it. Invoking it again for the same
// round reuses the publish run it created.
func (p *Pipeline) startPublish(ctx context.Context, rec *stateflow.JoinRecord) error {
	key := publishKey(rec.AssetID, rec.RunID)
	run, err := p.engine.GetByKey(ctx, key)
	if errors.Is(err, stateflow.ErrRunNotFound) {
		input := map[string]any{}
		for _, output := range rec.Outputs() {
			maps.Copy(input, output)
		}
		input["workflowStatus"] = "Publishing"
		if rec.RunID != "" {
			input["ingestRunId"] = rec.RunID
		}
		run, err = p.engine.Start(ctx, DefinitionPublish, key, input)
		var dup *stateflow.DuplicateRunError
		if errors.As(err, &dup) {
			run, err = p.engine.Get(ctx, dup.RunID)
		}
	}
	if err != nil {
		return err
	}
	if !run.Status.IsTerminal() {
		driven, err := p.engine.RunToCompletion(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("publish run %s interrupted: %w", run.ID, err)
		}
		run = driven
	}
	return p.settleIngest(ctx, rec.RunID, run)
}

// settleIngest releases the ingest run waiting for the join when publishing
// succeeded and fails it otherwise, so the asset can be reprocessed.
func (p *Pipeline) settleIngest(ctx context.Context, ingestRunID string, publish *stateflow.Run) error {
	if ingestRunID == "" {
		return nil
	}
	var err error
	if publish.Status == stateflow.RunSucceeded {
		_, err = p.engine.Signal(ctx, ingestRunID, map[string]any{
			"publishRunId":   publish.ID,
			"workflowStatus": "Complete",
		})
	} else {
		cause := &stateflow.WorkflowError{
			Type:  stateflow.ErrorTypeFatal,
			Cause: fmt.Sprintf("publish run %s failed", publish.ID),
		}
		if publish.Error != nil {
			cause.Type = publish.Error.Type
			cause.Cause = fmt.Sprintf("publish run %s failed: %s", publish.ID, publish.Error.Cause)
		}
		_, err = p.engine.Fail(ctx, ingestRunID, cause)
	}
	if errors.Is(err, stateflow.ErrRunTerminal) {
		return nil
	}
	return err
}

// ExpireJoins fails encode joins whose deadline passed, together with the
// ingest runs waiting for them.
func (p *Pipeline) ExpireJoins(ctx context.Context, now time.Time) ([]*stateflow.JoinTimeoutError, error) {
	return p.joiner.ExpireOverdue(ctx, now)
}

// ReconcileJoins finishes satisfied encode joins whose publish action did
// not complete, for example because the process died while running it.
func (p *Pipeline) ReconcileJoins(ctx context.Context, now time.Time) (int, error) {
	return p.joiner.Reconcile(ctx, now)
}
