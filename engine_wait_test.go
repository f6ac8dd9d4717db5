package stateflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

const waitDefinition = `
name: awaiting
start_at: Submit
states:
  Submit:
    type: task
    step: submit
    next: Await
  Await:
    type: wait
    next: Publish
  Publish:
    type: task
    step: publish
    end: true
`

func waitSteps() []Step {
	return []Step{
		resultStep("submit", map[string]any{"submitted": true}),
		resultStep("publish", map[string]any{"published": true}),
	}
}

func TestEngineWaitStateParksUntilSignalled(t *testing.T) {
	f := newFixture(t, waitDefinition, waitSteps())
	ctx := context.Background()

	run, err := f.engine.Execute(ctx, "awaiting", "asset-1", nil)
	require.NoError(t, err)
	require.Equal(t, RunWaiting, run.Status)
	require.Equal(t, "Await", run.CurrentState)
	require.False(t, run.WaitingSince.IsZero())
	require.Empty(t, run.LeaseOwner)

	// Parked runs are left alone by stepping and crash recovery, and still
	// hold their key.
	stepped, err := f.engine.Step(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, RunWaiting, stepped.Status)
	resumed, err := f.engine.Resume(ctx)
	require.NoError(t, err)
	require.Zero(t, resumed)
	_, err = f.engine.Start(ctx, "awaiting", "asset-1", nil)
	var dup *DuplicateRunError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, run.ID, dup.RunID)

	done, err := f.engine.Signal(ctx, run.ID, map[string]any{"publishRunId": "run_publish"})
	require.NoError(t, err)
	require.Equal(t, RunSucceeded, done.Status)
	require.Equal(t, "run_publish", done.Context["publishRunId"])
	require.Equal(t, true, done.Context["published"])

	var states []string
	for _, entry := range done.History {
		states = append(states, entry.State)
	}
	require.Equal(t, []string{"Submit", "Await", "Publish"}, states)
	wait := done.History[1]
	require.Equal(t, StateWait, wait.Type)
	require.Equal(t, "Publish", wait.Next)
	require.False(t, wait.EndedAt.Before(wait.StartedAt))
	requireConsistentPath(t, mustDefinition(t, f.engine, "awaiting"), done)
	require.Equal(t, int32(3), f.callbacks.afterState.Load())

	_, err = f.engine.Signal(ctx, run.ID, nil)
	require.ErrorIs(t, err, ErrRunTerminal)
}

func TestEngineSignalBeforeWaitIsHeld(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	steps := []Step{blockingStep("submit", started, release), resultStep("publish", map[string]any{"published": true})}
	f := newFixture(t, waitDefinition, steps)
	ctx := context.Background()

	run, err := f.engine.Start(ctx, "awaiting", "asset-1", nil)
	require.NoError(t, err)
	result := make(chan *Run, 1)
	go func() {
		r, err := f.engine.RunToCompletion(ctx, run.ID)
		if err != nil {
			t.Errorf("run to completion: %v", err)
		}
		result <- r
	}()
	<-started

	// The signal lands while Submit is still executing.
	held, err := f.engine.Signal(ctx, run.ID, map[string]any{"publishRunId": "run_publish"})
	require.NoError(t, err)
	require.Equal(t, RunRunning, held.Status)
	require.True(t, held.Signalled)
	close(release)

	done := <-result
	require.NotNil(t, done)
	require.Equal(t, RunSucceeded, done.Status)
	require.Equal(t, "run_publish", done.Context["publishRunId"])
	require.Equal(t, true, done.Context["encoded"])
	require.False(t, done.Signalled)
	require.Nil(t, done.Signal)
}

func TestEngineFailWaitingRunReleasesKey(t *testing.T) {
	f := newFixture(t, waitDefinition, waitSteps())
	ctx := context.Background()

	run, err := f.engine.Execute(ctx, "awaiting", "asset-1", nil)
	require.NoError(t, err)
	require.Equal(t, RunWaiting, run.Status)

	failed, err := f.engine.Fail(ctx, run.ID, &WorkflowError{Type: ErrorTypeJoinTimeout, Cause: "encode join timed out"})
	require.NoError(t, err)
	require.Equal(t, RunFailed, failed.Status)
	require.Equal(t, "Await", failed.Error.State)
	require.Equal(t, ErrorTypeJoinTimeout, failed.Error.Type)
	require.Len(t, f.notifier.All(), 1)

	byKey, err := f.engine.GetByKey(ctx, "asset-1")
	require.NoError(t, err)
	require.Equal(t, RunFailed, byKey.Status)

	again, err := f.engine.Execute(ctx, "awaiting", "asset-1", nil)
	require.NoError(t, err)
	require.NotEqual(t, run.ID, again.ID)
	require.Equal(t, RunWaiting, again.Status)
}

func TestDefinitionWaitStateRules(t *testing.T) {
	_, err := LoadString(`
name: nested
start_at: Fan
states:
  Fan:
    type: parallel
    end: true
    branches:
      - start_at: Hold
        states:
          Hold: {type: wait, end: true}
`)
	require.ErrorContains(t, err, "wait states are not allowed inside parallel branches")

	_, err = LoadString(`
name: dangling
start_at: Hold
states:
  Hold: {type: wait}
`)
	require.ErrorContains(t, err, "next or end required")
}
