package stateflow

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/deepnoodle-ai/stateflow/script"
)

func (e *Engine) execTask(ctx context.Context, f frame, name string, s *State, payload *Payload) *transition {
	tr := &transition{payload: payload}
	entry := &HistoryEntry{}

	output, attempts, err := e.invokeWithRetry(ctx, f, name, s, payload)
	entry.Attempts = attempts
	if err == nil {
		tr.payload = applyResult(s, payload, output)
		tr.advance(s)
		entry.Outcome = OutcomeSucceeded
		entry.Next = tr.next
		tr.entries = append(tr.entries, entry)
		return tr
	}

	wErr := ClassifyError(err)
	entry.Error = wErr.Error()
	for _, c := range s.Catch {
		if !c.matches(err) {
			continue
		}
		if c.ResultPath != "" {
			out := wErr.ToErrorOutput()
			errInfo := map[string]any{"Error": out.Error, "Cause": out.Cause}
			if out.Details != nil {
				errInfo["Details"] = out.Details
			}
			payload.Set(c.ResultPath, errInfo)
		}
		f.logger.Warn("step failed, routing to catch handler",
			"state", name, "branch", f.branch, "error", wErr.Cause, "next", c.Next)
		entry.Outcome = OutcomeCaught
		entry.Next = c.Next
		tr.next = c.Next
		tr.entries = append(tr.entries, entry)
		return tr
	}

	entry.Outcome = OutcomeFailed
	tr.failed = &RunError{State: name, Type: wErr.Type, Cause: wErr.Cause, Attempts: attempts}
	tr.entries = append(tr.entries, entry)
	return tr
}

// applyResult folds a step's output into the context according to the state's
// result mode.
func applyResult(s *State, payload *Payload, output map[string]any) *Payload {
	switch {
	case s.ResultPath != "":
		result := map[string]any{}
		for k, v := range output {
			if _, remove := v.(removeMarker); !remove {
				result[k] = v
			}
		}
		payload.Set(s.ResultPath, result)
		return payload
	case s.ResultMode == ResultReplace:
		replaced := NewPayload(nil)
		replaced.Merge(output)
		return replaced
	default:
		payload.Merge(output)
		return payload
	}
}

// invokeWithRetry resolves the step, renders its parameters and invokes it
// until it succeeds or the applicable retry policy is exhausted.
func (e *Engine) invokeWithRetry(ctx context.Context, f frame, name string, s *State, payload *Payload) (map[string]any, int, error) {
	step, err := e.steps.Resolve(s.Step)
	if err != nil {
		return nil, 0, err
	}
	params, err := e.renderParameters(ctx, f, name, s, payload)
	if err != nil {
		return nil, 0, Fatal(fmt.Errorf("parameters: %w", err))
	}
	timeout := s.TaskTimeout()
	if timeout == 0 {
		timeout = e.taskTimeout
	}

	for attempt := 1; ; attempt++ {
		output, err := e.invoke(ctx, f, name, step, params, payload, attempt, timeout)
		if err == nil {
			return output, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, err
		}
		policy := e.retryPolicy(s, err)
		if policy == nil || attempt > policy.MaxRetries {
			return nil, attempt, err
		}
		delay := retryDelay(policy, attempt)
		f.logger.Warn("step failed, retrying",
			"state", name,
			"branch", f.branch,
			"step", step.Name(),
			"attempt", attempt,
			"delay", delay,
			"error", err)
		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// retryPolicy returns the first retry entry matching err. States without a
// retry list fall back to the engine default.
func (e *Engine) retryPolicy(s *State, err error) *RetryConfig {
	if len(s.Retry) == 0 {
		if e.defaultRetry.matches(err) {
			return e.defaultRetry
		}
		return nil
	}
	for _, r := range s.Retry {
		if r.matches(err) {
			return r
		}
	}
	return nil
}

// retryDelay is the wait before retry number attempt (1-based): an
// exponential series capped at MaxDelay, optionally with full jitter.
func retryDelay(policy *RetryConfig, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	b.Multiplier = policy.BackoffRate
	if b.Multiplier <= 0 {
		b.Multiplier = 2
	}
	b.MaxInterval = policy.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Hour
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if policy.JitterStrategy == JitterFull && delay > 0 {
		delay = time.Duration(rand.Int64N(int64(delay) + 1))
	}
	return delay
}

func (e *Engine) renderParameters(ctx context.Context, f frame, name string, s *State, payload *Payload) (map[string]any, error) {
	if len(s.Parameters) == 0 {
		return map[string]any{}, nil
	}
	globals := map[string]any{
		"state": payload.Map(),
		"run": map[string]any{
			"id":         f.run.ID,
			"key":        f.run.Key,
			"definition": f.def.Name(),
			"state":      name,
		},
	}
	rendered, err := script.Render(ctx, e.compiler, s.Parameters, globals)
	if err != nil {
		return nil, err
	}
	return rendered.(map[string]any), nil
}

type stepResult struct {
	output map[string]any
	err    error
}

// invoke runs a single attempt. The engine stops waiting when the timeout
// elapses even if the step ignores its context.
func (e *Engine) invoke(ctx context.Context, f frame, name string, step Step, params map[string]any, payload *Payload, attempt int, timeout time.Duration) (map[string]any, error) {
	var cancel context.CancelFunc
	stepCtx := ctx
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		stepCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	logger := f.logger.With("state", name, "step", step.Name(), "attempt", attempt)
	if f.branch != "" {
		logger = logger.With("branch", f.branch)
	}
	stepCtx = WithLogger(stepCtx, logger)
	stepCtx = WithRunID(stepCtx, f.run.ID)

	in := StepInput{
		RunID:      f.run.ID,
		Key:        f.run.Key,
		State:      name,
		Branch:     f.branch,
		Attempt:    attempt,
		Payload:    payload.Snapshot(),
		Parameters: copyDocument(params),
	}

	start := time.Now()
	event := &StepEvent{
		RunID:        f.run.ID,
		DefinitionID: f.def.Name(),
		State:        name,
		Branch:       f.branch,
		StepName:     step.Name(),
		Attempt:      attempt,
		Parameters:   params,
		StartTime:    start,
	}
	e.callbacks.BeforeStep(stepCtx, event)

	done := make(chan stepResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stepResult{err: Fatal(fmt.Errorf("step %q panicked: %v\n%s", step.Name(), r, debug.Stack()))}
			}
		}()
		output, err := step.Execute(stepCtx, in)
		done <- stepResult{output: output, err: err}
	}()

	var res stepResult
	select {
	case res = <-done:
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			res.err = ctx.Err()
		} else {
			res.err = &WorkflowError{
				Type:    ErrorTypeTimeout,
				Cause:   fmt.Sprintf("step %q exceeded timeout of %s", step.Name(), timeout),
				Wrapped: context.DeadlineExceeded,
			}
		}
	}

	end := time.Now()
	event.Result = res.output
	event.EndTime = end
	event.Duration = end.Sub(start)
	event.Error = res.err
	e.callbacks.AfterStep(stepCtx, event)

	entry := &StepLogEntry{
		RunID:      f.run.ID,
		State:      name,
		Branch:     f.branch,
		Step:       step.Name(),
		Attempt:    attempt,
		Parameters: params,
		Result:     res.output,
		StartTime:  start.UTC(),
		Duration:   end.Sub(start).Seconds(),
	}
	if res.err != nil {
		entry.Error = res.err.Error()
		entry.ErrorType = ClassifyError(res.err).Type
	}
	if err := e.stepLogger.LogStep(ctx, entry); err != nil {
		logger.Error("failed to log step", "error", err)
	}
	return res.output, res.err
}
