package stateflow_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/stateflow"
)

func errorsAs(err error, target any) bool {
	return errors.As(err, target)
}

type eventRecorder struct {
	mutex  sync.Mutex
	events []string
}

func (r *eventRecorder) add(format string, args ...any) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *eventRecorder) BeforeRun(ctx context.Context, e *stateflow.RunEvent) {
	r.add("before run %s", e.DefinitionID)
}

func (r *eventRecorder) AfterRun(ctx context.Context, e *stateflow.RunEvent) {
	r.add("after run %s", e.Status)
}

func (r *eventRecorder) BeforeState(ctx context.Context, e *stateflow.StateEvent) {
	r.add("before state %s", e.State)
}

func (r *eventRecorder) AfterState(ctx context.Context, e *stateflow.StateEvent) {
	r.add("after state %s %s", e.State, e.Outcome)
}

func (r *eventRecorder) BeforeStep(ctx context.Context, e *stateflow.StepEvent) {
	r.add("before step %s #%d", e.StepName, e.Attempt)
}

func (r *eventRecorder) AfterStep(ctx context.Context, e *stateflow.StepEvent) {
	if e.Error != nil {
		r.add("after step %s #%d error", e.StepName, e.Attempt)
		return
	}
	r.add("after step %s #%d", e.StepName, e.Attempt)
}

func TestCallbackChainOrder(t *testing.T) {
	def, err := stateflow.LoadString(`
name: callbacks
start_at: Fetch
states:
  Fetch:
    type: task
    step: fetch
    retry:
      - error_equals: [retryable]
        max_retries: 1
        base_delay: 1ms
    next: Done
  Done: {type: succeed}
`)
	require.NoError(t, err)
	definitions, err := stateflow.NewDefinitionRegistry(def)
	require.NoError(t, err)

	var calls int
	steps, err := stateflow.NewRegistry(stateflow.NewStepFunction("fetch", func(ctx context.Context, in stateflow.StepInput) (map[string]any, error) {
		calls++
		if calls == 1 {
			return nil, stateflow.Retryable(errors.New("connection reset"))
		}
		return map[string]any{"fetched": true}, nil
	}))
	require.NoError(t, err)

	first, second := &eventRecorder{}, &eventRecorder{}
	chain := stateflow.NewCallbackChain(first)
	chain.Add(second)

	engine, err := stateflow.NewEngine(stateflow.EngineOptions{
		Store:       stateflow.NewMemoryStore(),
		Steps:       steps,
		Definitions: definitions,
		Callbacks:   chain,
	})
	require.NoError(t, err)

	run, err := engine.Execute(context.Background(), "callbacks", "", nil)
	require.NoError(t, err)
	require.Equal(t, stateflow.RunSucceeded, run.Status)

	want := []string{
		"before run callbacks",
		"before state Fetch",
		"before step fetch #1",
		"after step fetch #1 error",
		"before step fetch #2",
		"after step fetch #2",
		"after state Fetch succeeded",
		"before state Done",
		"after state Done succeeded",
		"after run succeeded",
	}
	require.Equal(t, want, first.events)
	require.Equal(t, want, second.events)
}
