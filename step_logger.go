package stateflow

import (
	"context"
	"time"
)

// StepLogEntry records one step invocation
type StepLogEntry struct {
	RunID      string         `json:"run_id"`
	State      string         `json:"state"`
	Branch     string         `json:"branch,omitempty"`
	Step       string         `json:"step"`
	Attempt    int            `json:"attempt"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorType  string         `json:"error_type,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	Duration   float64        `json:"duration"`
}

// StepLogger is an append-only audit log of step invocations
type StepLogger interface {
	// LogStep records a completed invocation
	LogStep(ctx context.Context, entry *StepLogEntry) error

	// StepHistory returns the entries recorded for a run
	StepHistory(ctx context.Context, runID string) ([]*StepLogEntry, error)
}

// NullStepLogger is a no-op implementation of StepLogger.
type NullStepLogger struct{}

func NewNullStepLogger() *NullStepLogger {
	return &NullStepLogger{}
}

func (l *NullStepLogger) LogStep(ctx context.Context, entry *StepLogEntry) error {
	return nil
}

func (l *NullStepLogger) StepHistory(ctx context.Context, runID string) ([]*StepLogEntry, error) {
	return nil, nil
}
