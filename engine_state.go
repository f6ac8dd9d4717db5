package stateflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// maxBranchTransitions stops a branch graph that loops forever.
const maxBranchTransitions = 10000

// transition is the outcome of interpreting one state.
type transition struct {
	entries []*HistoryEntry
	payload *Payload
	next    string
	// done is set when the graph reached its end.
	done   bool
	failed *RunError
}

// frame identifies where a state executes: the claimed run and definition,
// and the Parallel branch label for branch states.
type frame struct {
	run    *Run
	def    *Definition
	branch string
	logger *slog.Logger
}

// interpretCurrent executes the run's current state.
func (e *Engine) interpretCurrent(ctx context.Context, run *Run) *transition {
	payload := run.Payload()
	def, ok := e.definitions.Get(run.DefinitionID)
	if !ok {
		return e.failNow(run.CurrentState, "", payload, NewWorkflowError(ErrorTypeFatal,
			fmt.Sprintf("definition %q is not registered", run.DefinitionID)))
	}
	s, ok := def.State(run.CurrentState)
	if !ok {
		return e.failNow(run.CurrentState, "", payload, NewWorkflowError(ErrorTypeFatal,
			fmt.Sprintf("state %q not found in definition %q", run.CurrentState, def.Name())))
	}
	f := frame{
		run:    run,
		def:    def,
		logger: e.runLogger(run),
	}
	return e.execState(ctx, f, run.CurrentState, s, payload)
}

// failNow builds a failed transition for a state that could not execute.
func (e *Engine) failNow(state string, branch string, payload *Payload, wErr *WorkflowError) *transition {
	now := time.Now().UTC()
	return &transition{
		entries: []*HistoryEntry{{
			State:     state,
			Branch:    branch,
			StartedAt: now,
			EndedAt:   now,
			Outcome:   OutcomeFailed,
			Error:     wErr.Error(),
		}},
		payload: payload,
		failed:  &RunError{State: state, Type: wErr.Type, Cause: wErr.Cause},
	}
}

// execState runs one state: EnteringState, ExecutingStep, ApplyingResult and
// Transitioning all happen here.
func (e *Engine) execState(ctx context.Context, f frame, name string, s *State, payload *Payload) *transition {
	start := time.Now().UTC()
	e.callbacks.BeforeState(ctx, &StateEvent{
		RunID:        f.run.ID,
		DefinitionID: f.def.Name(),
		State:        name,
		Type:         s.Type,
		Branch:       f.branch,
		StartTime:    start,
	})

	var tr *transition
	switch s.Type {
	case StateTask:
		tr = e.execTask(ctx, f, name, s, payload)
	case StateChoice:
		tr = e.execChoice(ctx, f, name, s, payload)
	case StateParallel:
		tr = e.execParallel(ctx, f, name, s, payload)
	case StatePass:
		payload.Merge(copyDocument(s.Result))
		tr = &transition{payload: payload}
		tr.advance(s)
		tr.entries = append(tr.entries, &HistoryEntry{Outcome: OutcomeSucceeded, Next: s.Next})
	case StateSucceed:
		tr = &transition{payload: payload, done: true}
		tr.entries = append(tr.entries, &HistoryEntry{Outcome: OutcomeSucceeded})
	case StateFail:
		errorType := s.Error
		if errorType == "" {
			errorType = ErrorTypeFatal
		}
		cause := s.Cause
		if cause == "" {
			cause = fmt.Sprintf("reached fail state %q", name)
		}
		tr = &transition{
			payload: payload,
			done:    true,
			failed:  &RunError{State: name, Type: errorType, Cause: cause},
		}
		tr.entries = append(tr.entries, &HistoryEntry{Outcome: OutcomeFailed, Error: cause})
	default:
		return e.failNow(name, f.branch, payload, NewWorkflowError(ErrorTypeFatal,
			fmt.Sprintf("unknown state type %q", s.Type)))
	}

	// The state's own entry is always last; Parallel branch entries precede it.
	end := time.Now().UTC()
	entry := tr.entries[len(tr.entries)-1]
	entry.State = name
	entry.Type = s.Type
	entry.Branch = f.branch
	entry.StartedAt = start
	entry.EndedAt = end

	event := &StateEvent{
		RunID:        f.run.ID,
		DefinitionID: f.def.Name(),
		State:        name,
		Type:         s.Type,
		Branch:       f.branch,
		StartTime:    start,
		EndTime:      end,
		Duration:     end.Sub(start),
		Outcome:      entry.Outcome,
		Next:         entry.Next,
	}
	if tr.failed != nil {
		event.Error = fmt.Errorf("%s: %s", tr.failed.Type, tr.failed.Cause)
		f.logger.Warn("state failed", "state", name, "branch", f.branch, "error", tr.failed.Cause)
	} else {
		f.logger.Debug("state completed", "state", name, "branch", f.branch, "next", entry.Next)
	}
	e.callbacks.AfterState(ctx, event)
	return tr
}

// advance sets the transition target from the state's next or end fields.
func (tr *transition) advance(s *State) {
	if s.End || s.Next == "" {
		tr.done = true
		return
	}
	tr.next = s.Next
}

func (e *Engine) execChoice(ctx context.Context, f frame, name string, s *State, payload *Payload) *transition {
	tr := &transition{payload: payload}
	result, err := evaluateChoice(ctx, f.def, name, s, payload)
	if err != nil {
		wErr := ClassifyError(err)
		if !wErr.IsFatal() {
			// A rule that cannot be evaluated is a definition defect.
			wErr = &WorkflowError{Type: ErrorTypeFatal, Cause: err.Error(), Wrapped: err}
		}
		tr.failed = &RunError{State: name, Type: wErr.Type, Cause: wErr.Cause}
		tr.entries = append(tr.entries, &HistoryEntry{Outcome: OutcomeFailed, Error: wErr.Error()})
		return tr
	}
	payload.Merge(copyDocument(result.Assign))
	tr.next = result.Next
	tr.entries = append(tr.entries, &HistoryEntry{Outcome: OutcomeSucceeded, Next: result.Next})
	return tr
}
