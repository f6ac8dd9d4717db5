package stateflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func noopStep(name string) Step {
	return NewStepFunction(name, func(ctx context.Context, in StepInput) (map[string]any, error) {
		return map[string]any{}, nil
	})
}

func TestRegistry(t *testing.T) {
	registry, err := NewRegistry(noopStep("probe"), noopStep("encode"))
	require.NoError(t, err)
	require.Equal(t, []string{"encode", "probe"}, registry.Names())

	step, err := registry.Resolve("probe")
	require.NoError(t, err)
	require.Equal(t, "probe", step.Name())

	_, err = registry.Resolve("publish")
	var notFound *StepNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "publish", notFound.Name)

	require.Error(t, registry.Register(noopStep("probe")))
	require.Error(t, registry.Register(noopStep("")))
	require.Error(t, registry.Register(nil))
	require.Panics(t, func() { registry.MustRegister(noopStep("encode")) })

	_, err = NewRegistry(noopStep("a"), noopStep("a"))
	require.Error(t, err)
}
