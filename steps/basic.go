package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/deepnoodle-ai/stateflow"
)

// LogStep writes its "message" parameter to the run logger at "level"
// (debug, info, warn or error).
type LogStep struct{}

func (s *LogStep) Name() string { return "log" }

func (s *LogStep) Execute(ctx context.Context, in stateflow.StepInput) (map[string]any, error) {
	message, ok := in.Parameters["message"]
	if !ok || message == nil {
		return nil, stateflow.Fatal(errors.New("invalid parameters: message is required"))
	}
	level := slog.LevelInfo
	if raw := stringParam(in.Parameters, "level"); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			return nil, stateflow.Fatal(fmt.Errorf("invalid level %q", raw))
		}
	}
	stateflow.LoggerFromContext(ctx).Log(ctx, level, fmt.Sprint(message), "step", s.Name())
	return nil, nil
}

// SleepStep waits for "duration". It returns early with the context error
// when the run is cancelled or the step times out.
type SleepStep struct{}

func (s *SleepStep) Name() string { return "sleep" }

func (s *SleepStep) Execute(ctx context.Context, in stateflow.StepInput) (map[string]any, error) {
	duration, ok, err := durationParam(in.Parameters, "duration")
	if err != nil {
		return nil, stateflow.Fatal(err)
	}
	if !ok || duration <= 0 {
		return nil, stateflow.Fatal(errors.New("invalid parameters: duration must be positive"))
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

// TimeStep stores the current UTC time, RFC 3339 formatted, in "output"
// (default "time").
type TimeStep struct {
	// Now overrides the clock.
	Now func() time.Time
}

func (s *TimeStep) Name() string { return "time" }

func (s *TimeStep) Execute(ctx context.Context, in stateflow.StepInput) (map[string]any, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return map[string]any{
		outputField(in.Parameters, "time"): now().UTC().Format(time.RFC3339),
	}, nil
}

// FailStep always fails with "message". The "error" parameter picks the
// error type: retryable, timeout or fatal (the default).
type FailStep struct{}

func (s *FailStep) Name() string { return "fail" }

func (s *FailStep) Execute(ctx context.Context, in stateflow.StepInput) (map[string]any, error) {
	message := stringParam(in.Parameters, "message")
	if message == "" {
		message = "forced failure"
	}
	errorType := strings.ToLower(stringParam(in.Parameters, "error"))
	if errorType == "" {
		errorType = stateflow.ErrorTypeFatal
	}
	switch errorType {
	case stateflow.ErrorTypeFatal, stateflow.ErrorTypeRetryable, stateflow.ErrorTypeTimeout:
		return nil, stateflow.NewWorkflowError(errorType, message)
	}
	return nil, stateflow.Fatal(fmt.Errorf("invalid error type %q", errorType))
}
