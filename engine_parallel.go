package stateflow

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

type branchResult struct {
	entries []*HistoryEntry
	payload *Payload
	failed  *RunError
}

// execParallel forks one sub-interpretation per branch from a snapshot of the
// context and waits for every branch to reach a terminal state. A failing
// branch does not cancel its siblings.
func (e *Engine) execParallel(ctx context.Context, f frame, name string, s *State, payload *Payload) *transition {
	base := payload.Snapshot()
	results := make([]*branchResult, len(s.Branches))

	g := new(errgroup.Group)
	if e.maxParallelBranches > 0 {
		g.SetLimit(e.maxParallelBranches)
	}
	for i, b := range s.Branches {
		label := fmt.Sprintf("%s[%d]", name, i)
		if f.branch != "" {
			label = f.branch + "/" + label
		}
		bf := f
		bf.branch = label
		g.Go(func() error {
			results[i] = e.runBranch(ctx, bf, b, base.Snapshot())
			return nil
		})
	}
	g.Wait()

	tr := &transition{payload: payload}
	var failures []string
	var attempts int
	for i, result := range results {
		tr.entries = append(tr.entries, result.entries...)
		if result.failed != nil {
			failures = append(failures, fmt.Sprintf("branch %d failed in state %s: %s",
				i, result.failed.State, result.failed.Cause))
			attempts = max(attempts, result.failed.Attempts)
		}
	}
	entry := &HistoryEntry{}
	if len(failures) > 0 {
		cause := strings.Join(failures, "; ")
		tr.failed = &RunError{State: name, Type: ErrorTypeBranchFailed, Cause: cause, Attempts: attempts}
		entry.Outcome = OutcomeFailed
		entry.Error = cause
		tr.entries = append(tr.entries, entry)
		return tr
	}

	if s.ResultPath != "" {
		outputs := make([]any, len(results))
		for i, result := range results {
			outputs[i] = result.payload.Map()
		}
		payload.Set(s.ResultPath, outputs)
	} else {
		before := base.Map()
		for _, result := range results {
			payload.Merge(changedFields(before, result.payload.Map()))
		}
	}
	tr.advance(s)
	entry.Outcome = OutcomeSucceeded
	entry.Next = tr.next
	tr.entries = append(tr.entries, entry)
	return tr
}

// runBranch interprets a branch sub-graph until it ends or fails.
func (e *Engine) runBranch(ctx context.Context, f frame, b *Branch, payload *Payload) *branchResult {
	result := &branchResult{payload: payload}
	current := b.StartAt
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			tr := e.failNow(current, f.branch, result.payload, ClassifyError(err))
			result.entries = append(result.entries, tr.entries...)
			result.failed = tr.failed
			return result
		}
		if i >= maxBranchTransitions {
			tr := e.failNow(current, f.branch, result.payload, NewWorkflowError(ErrorTypeFatal,
				fmt.Sprintf("branch exceeded %d transitions", maxBranchTransitions)))
			result.entries = append(result.entries, tr.entries...)
			result.failed = tr.failed
			return result
		}
		s := b.States[current]
		tr := e.execState(ctx, f, current, s, result.payload)
		result.entries = append(result.entries, tr.entries...)
		result.payload = tr.payload
		if tr.failed != nil {
			result.failed = tr.failed
			return result
		}
		if tr.done {
			return result
		}
		current = tr.next
	}
}
