package stateflow

import (
	"time"

	"go.jetify.com/typeid"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	// RunWaiting runs are parked in a wait state. Resume skips them.
	RunWaiting RunStatus = "waiting"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// Outcome of a single history entry.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeCaught means the state failed and a catch handler routed the
	// run elsewhere.
	OutcomeCaught Outcome = "caught"
)

// HistoryEntry records one executed state.
type HistoryEntry struct {
	State     string    `json:"state"`
	Type      StateType `json:"type"`
	Branch    string    `json:"branch,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   Outcome   `json:"outcome"`
	Attempts  int       `json:"attempts,omitempty"`
	Next      string    `json:"next,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// RunError describes why a run failed.
type RunError struct {
	State    string `json:"state"`
	Type     string `json:"type"`
	Cause    string `json:"cause"`
	Attempts int    `json:"attempts,omitempty"`
}

// Run is one execution of a workflow definition. Once Status is terminal the
// run is never modified again.
type Run struct {
	ID           string          `json:"id"`
	Key          string          `json:"key,omitempty"`
	DefinitionID string          `json:"definition_id"`
	Status       RunStatus       `json:"status"`
	CurrentState string          `json:"current_state"`
	Context      map[string]any  `json:"context"`
	History      []*HistoryEntry `json:"history"`
	Error        *RunError       `json:"error,omitempty"`

	// Version increases by one with every successful save.
	Version int64 `json:"version"`

	// LeaseOwner and LeaseExpiry mark the worker currently stepping the run.
	LeaseOwner  string    `json:"lease_owner,omitempty"`
	LeaseExpiry time.Time `json:"lease_expiry,omitzero"`

	// FailureNotified is set once the failure was forwarded to the
	// notification sink.
	FailureNotified bool `json:"failure_notified,omitempty"`

	// WaitingSince is when the run parked at its current wait state.
	WaitingSince time.Time `json:"waiting_since,omitzero"`
	// Signal holds output signalled before the run reached its wait state.
	Signal    map[string]any `json:"signal,omitempty"`
	Signalled bool           `json:"signalled,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// NewRunID returns a new unique run identifier.
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Payload returns a copy of the run context.
func (r *Run) Payload() *Payload {
	return NewPayload(r.Context)
}

// Leased reports whether another worker holds an unexpired lease.
func (r *Run) Leased(now time.Time) bool {
	return r.LeaseOwner != "" && now.Before(r.LeaseExpiry)
}

// Attempts returns the attempt count of the last history entry.
func (r *Run) Attempts() int {
	if len(r.History) == 0 {
		return 0
	}
	return r.History[len(r.History)-1].Attempts
}

// Summary returns the listing view of the run.
func (r *Run) Summary() *RunSummary {
	s := &RunSummary{
		ID:           r.ID,
		Key:          r.Key,
		DefinitionID: r.DefinitionID,
		Status:       r.Status,
		CurrentState: r.CurrentState,
		StartTime:    r.CreatedAt,
		EndTime:      r.FinishedAt,
	}
	if !r.FinishedAt.IsZero() {
		s.Duration = r.FinishedAt.Sub(r.CreatedAt)
	}
	if r.Error != nil {
		s.Error = r.Error.Cause
	}
	return s
}

// RunSummary is a compact view of a run for listings.
type RunSummary struct {
	ID           string        `json:"id"`
	Key          string        `json:"key,omitempty"`
	DefinitionID string        `json:"definition_id"`
	Status       RunStatus     `json:"status"`
	CurrentState string        `json:"current_state"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time,omitzero"`
	Duration     time.Duration `json:"duration,omitempty"`
	Error        string        `json:"error,omitempty"`
}
