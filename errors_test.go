package stateflow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/deepnoodle-ai/stateflow/retry"
	"github.com/stretchr/testify/require"
)

func TestWorkflowErrorWrapping(t *testing.T) {
	// Test basic error creation
	err := NewWorkflowError(ErrorTypeTimeout, "operation timed out")
	require.Equal(t, "timeout: operation timed out", err.Error())
	require.Nil(t, err.Unwrap())

	// Test error wrapping
	originalErr := errors.New("network connection failed")
	wrappedErr := &WorkflowError{
		Type:    ErrorTypeTimeout,
		Cause:   originalErr.Error(),
		Wrapped: originalErr,
	}

	require.Equal(t, "timeout: network connection failed", wrappedErr.Error())
	require.Equal(t, originalErr, wrappedErr.Unwrap())
	require.True(t, errors.Is(wrappedErr, originalErr))

	var wErr *WorkflowError
	require.True(t, errors.As(fmt.Errorf("encode: %w", wrappedErr), &wErr))
	require.Equal(t, ErrorTypeTimeout, wErr.Type)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout},
		{"canceled", context.Canceled, ErrorTypeFatal},
		{"unknown errors are retryable", errors.New("something went wrong"), ErrorTypeRetryable},
		{"server error", errors.New("transcoder: 503 service unavailable"), ErrorTypeRetryable},
		{"dial failure", &net.OpError{Op: "dial", Err: errors.New("no route")}, ErrorTypeRetryable},
		{"client error", errors.New("object not found: clip.mp4"), ErrorTypeFatal},
		{"validation error", errors.New("invalid input: missing srcVideo"), ErrorTypeFatal},
		{"explicit fatal", Fatal(errors.New("corrupt media")), ErrorTypeFatal},
		{"explicit retryable", Retryable(errors.New("object not found yet")), ErrorTypeRetryable},
		{"recoverable wrapper", retry.NewRecoverableError(errors.New("invalid token")), ErrorTypeRetryable},
		{"non-recoverable wrapper", retry.NewNonRecoverableError(errors.New("boom")), ErrorTypeFatal},
		{"step not found", &StepNotFoundError{Name: "x"}, ErrorTypeStepNotFound},
		{"no matching choice", &NoMatchingChoiceError{State: "Profile"}, ErrorTypeNoMatchingChoice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := ClassifyError(tt.err)
			require.Equal(t, tt.want, classified.Type)
			require.True(t, errors.Is(classified, tt.err))
		})
	}

	// WorkflowError passthrough
	original := NewWorkflowError("network-error", "flaky")
	require.Same(t, original, ClassifyError(original))
}

func TestErrorMatching(t *testing.T) {
	timeoutErr := NewWorkflowError(ErrorTypeTimeout, "timeout")
	retryableErr := NewWorkflowError(ErrorTypeRetryable, "try again")
	fatalErr := NewWorkflowError(ErrorTypeFatal, "fatal error")
	choiceErr := &NoMatchingChoiceError{State: "Profile"}

	// Test exact matching
	require.True(t, MatchesErrorType(timeoutErr, ErrorTypeTimeout))
	require.False(t, MatchesErrorType(timeoutErr, ErrorTypeRetryable))

	// Test ErrorTypeAll matching
	require.True(t, MatchesErrorType(timeoutErr, ErrorTypeAll))
	require.True(t, MatchesErrorType(retryableErr, ErrorTypeAll))
	require.False(t, MatchesErrorType(fatalErr, ErrorTypeAll), "Fatal error should not match ErrorTypeAll")
	require.False(t, MatchesErrorType(choiceErr, ErrorTypeAll))

	// Fatal-class errors match their own type and "fatal"
	require.True(t, MatchesErrorType(fatalErr, ErrorTypeFatal))
	require.True(t, MatchesErrorType(choiceErr, ErrorTypeNoMatchingChoice))
	require.True(t, MatchesErrorType(choiceErr, ErrorTypeFatal))
	require.False(t, MatchesErrorType(choiceErr, ErrorTypeRetryable))
}

func TestTypedErrors(t *testing.T) {
	dup := &DuplicateRunError{Key: "k", RunID: "run_1"}
	require.Contains(t, dup.Error(), "run_1")

	v := &ValidationError{Definition: "vod"}
	v.add("state %q: next required", "A")
	v.add("start_at required")
	require.Equal(t, `invalid definition vod: state "A": next required; start_at required`, v.Error())

	jt := &JoinTimeoutError{JoinID: "encode/asset", Missing: []string{"hls"}}
	require.Equal(t, "join encode/asset timed out waiting for hls", jt.Error())
}
