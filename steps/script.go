package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/stateflow"
	"github.com/deepnoodle-ai/stateflow/script"
)

// ScriptStep evaluates the Risor "code" parameter with the run context bound
// to state. A map result is merged into the context; any other value is
// stored under "output" (default "result").
type ScriptStep struct {
	Compiler script.Compiler
}

func (s *ScriptStep) Name() string { return "script" }

func (s *ScriptStep) Execute(ctx context.Context, in stateflow.StepInput) (map[string]any, error) {
	code := stringParam(in.Parameters, "code")
	if code == "" {
		return nil, stateflow.Fatal(errors.New("invalid parameters: code is required"))
	}
	compiled, err := s.Compiler.Compile(ctx, code)
	if err != nil {
		return nil, stateflow.Fatal(fmt.Errorf("invalid script: %w", err))
	}
	value, err := compiled.Evaluate(ctx, map[string]any{
		"state": in.Payload.Map(),
		"run":   map[string]any{"id": in.RunID, "key": in.Key, "state": in.State},
	})
	if err != nil {
		return nil, fmt.Errorf("script: %w", err)
	}
	if update, ok := value.Value().(map[string]any); ok {
		return update, nil
	}
	return map[string]any{outputField(in.Parameters, "result"): value.Value()}, nil
}
