package stateflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/stateflow/retry"
)

// Error type constants for classification and matching
const (
	// ErrorTypeAll acts as a wildcard that matches any error except fatal errors
	ErrorTypeAll = "all"

	// ErrorTypeRetryable indicates a transient failure that may succeed if the
	// step is invoked again.
	ErrorTypeRetryable = "retryable"

	// ErrorTypeTimeout matches a step that exceeded its deadline
	ErrorTypeTimeout = "timeout"

	// ErrorTypeFatal indicates the step declared the failure unrecoverable.
	// Unknown errors are classified as retryable so that transient problems
	// get a bounded number of retries. Steps that know better must return
	// Fatal(err).
	ErrorTypeFatal = "fatal"

	// ErrorTypeNoMatchingChoice is raised by a Choice state without a
	// matching rule or default. It is always fatal.
	ErrorTypeNoMatchingChoice = "no_matching_choice"

	// ErrorTypeStepNotFound is raised when a Task names an unregistered step.
	ErrorTypeStepNotFound = "step_not_found"

	// ErrorTypeJoinTimeout marks runs that contributed to a join that never
	// became satisfied.
	ErrorTypeJoinTimeout = "join_timeout"

	// ErrorTypeBranchFailed is raised by a Parallel state when a branch failed.
	ErrorTypeBranchFailed = "branch_failed"
)

var (
	ErrRunNotFound        = errors.New("run not found")
	ErrJoinNotFound       = errors.New("join not found")
	ErrJoinExists         = errors.New("join already exists")
	ErrVersionConflict    = errors.New("version conflict")
	ErrRunBusy            = errors.New("run is being stepped by another worker")
	ErrRunTerminal        = errors.New("run is already terminal")
	ErrRunNotWaiting      = errors.New("run is not waiting")
	ErrJoinStale          = errors.New("completion belongs to a superseded join round")
	ErrDefinitionNotFound = errors.New("definition not found")
)

// WorkflowError represents a structured error with classification
// It supports Go's error wrapping patterns with Unwrap() method
type WorkflowError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *WorkflowError) Unwrap() error {
	return e.Wrapped
}

// IsFatal reports whether the error must never be retried.
func (e *WorkflowError) IsFatal() bool {
	switch e.Type {
	case ErrorTypeFatal, ErrorTypeNoMatchingChoice, ErrorTypeStepNotFound, ErrorTypeBranchFailed:
		return true
	}
	return false
}

// ErrorOutput represents the structured error information passed to catch handlers
type ErrorOutput struct {
	Error   string `json:"Error"`
	Cause   string `json:"Cause"`
	Details any    `json:"Details,omitempty"`
}

// ToErrorOutput converts a WorkflowError to ErrorOutput for catch handlers
func (e *WorkflowError) ToErrorOutput() ErrorOutput {
	return ErrorOutput{
		Error:   e.Type,
		Cause:   e.Cause,
		Details: e.Details,
	}
}

// NewWorkflowError creates a new WorkflowError with the specified type and cause.
// The type can be any user-defined string e.g. "network-error". The important
// thing is that it may be used to match against the type used in a retry config.
func NewWorkflowError(errorType, cause string) *WorkflowError {
	return &WorkflowError{
		Type:  errorType,
		Cause: cause,
	}
}

// Fatal marks err as unrecoverable. The run fails without further retries
// unless a catch handler routes it elsewhere.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &WorkflowError{Type: ErrorTypeFatal, Cause: err.Error(), Wrapped: err}
}

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &WorkflowError{Type: ErrorTypeRetryable, Cause: err.Error(), Wrapped: err}
}

// fatalPatterns are message fragments of client-side (4xx-like) failures that
// will not improve on retry.
var fatalPatterns = []string{
	"bad request",
	"invalid",
	"not found",
	"no such file",
	"forbidden",
	"unauthorized",
	"access denied",
	"unsupported",
}

// ClassifyError attempts to classify a regular error into a WorkflowError
func ClassifyError(err error) *WorkflowError {
	var workflowError *WorkflowError
	if errors.As(err, &workflowError) {
		return workflowError
	}
	var notFound *StepNotFoundError
	if errors.As(err, &notFound) {
		return &WorkflowError{Type: ErrorTypeStepNotFound, Cause: err.Error(), Wrapped: err}
	}
	var noMatch *NoMatchingChoiceError
	if errors.As(err, &noMatch) {
		return &WorkflowError{Type: ErrorTypeNoMatchingChoice, Cause: err.Error(), Wrapped: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &WorkflowError{Type: ErrorTypeTimeout, Cause: err.Error(), Wrapped: err}
	}
	var recoverable retry.RecoverableError
	if errors.As(err, &recoverable) {
		if recoverable.IsRecoverable() {
			return &WorkflowError{Type: ErrorTypeRetryable, Cause: err.Error(), Wrapped: err}
		}
		return &WorkflowError{Type: ErrorTypeFatal, Cause: err.Error(), Wrapped: err}
	}
	if errors.Is(err, context.Canceled) {
		return &WorkflowError{Type: ErrorTypeFatal, Cause: err.Error(), Wrapped: err}
	}
	if retry.IsRecoverable(err) {
		return &WorkflowError{Type: ErrorTypeRetryable, Cause: err.Error(), Wrapped: err}
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range fatalPatterns {
		if strings.Contains(msg, pattern) {
			return &WorkflowError{Type: ErrorTypeFatal, Cause: err.Error(), Wrapped: err}
		}
	}
	return &WorkflowError{Type: ErrorTypeRetryable, Cause: err.Error(), Wrapped: err}
}

// MatchesErrorType checks if an error matches a specified error type pattern
func MatchesErrorType(err error, errorType string) bool {
	wErr := ClassifyError(err)
	// Fatal errors are only matched by their own type
	if wErr.IsFatal() {
		return errorType == wErr.Type || errorType == ErrorTypeFatal
	}
	switch errorType {
	case ErrorTypeAll:
		return true
	default:
		return wErr.Type == errorType
	}
}

// ValidationError is returned when a definition document is malformed. It
// lists every problem found, not just the first.
type ValidationError struct {
	Definition string
	Problems   []string
}

func (e *ValidationError) Error() string {
	name := e.Definition
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("invalid definition %s: %s", name, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// DuplicateRunError is returned by Start when a non-terminal run already
// exists for the idempotency key. It is a signal, not a failure.
type DuplicateRunError struct {
	Key   string
	RunID string
}

func (e *DuplicateRunError) Error() string {
	return fmt.Sprintf("run %s already in progress for key %q", e.RunID, e.Key)
}

// NoMatchingChoiceError is returned when no choice rule matched and the state
// has no default.
type NoMatchingChoiceError struct {
	State string
}

func (e *NoMatchingChoiceError) Error() string {
	return fmt.Sprintf("no choice rule matched in state %q", e.State)
}

// StepNotFoundError is returned when resolving an unregistered step.
type StepNotFoundError struct {
	Name string
}

func (e *StepNotFoundError) Error() string {
	return fmt.Sprintf("step %q not registered", e.Name)
}

// JoinTimeoutError reports a join that did not become satisfied before its
// deadline.
type JoinTimeoutError struct {
	JoinID  string
	Missing []string
}

func (e *JoinTimeoutError) Error() string {
	return fmt.Sprintf("join %s timed out waiting for %s", e.JoinID, strings.Join(e.Missing, ", "))
}
