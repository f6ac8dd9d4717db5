// Package steps provides general-purpose steps for ad hoc definitions:
// logging, delays, HTTP calls, scripted updates and forced failures.
//
// Each step reads its configuration from the Task's parameters and returns
// its result under the field named by the "output" parameter, or a default.
package steps

import (
	"fmt"
	"time"

	"github.com/deepnoodle-ai/stateflow"
	"github.com/deepnoodle-ai/stateflow/script"
)

// Builtin returns every step in this package. A nil compiler uses the
// default Risor compiler.
func Builtin(compiler script.Compiler) []stateflow.Step {
	if compiler == nil {
		compiler = script.NewDefaultCompiler()
	}
	return []stateflow.Step{
		&LogStep{},
		&SleepStep{},
		&TimeStep{},
		&FailStep{},
		NewHTTPStep(nil),
		&ScriptStep{Compiler: compiler},
	}
}

func outputField(params map[string]any, fallback string) string {
	if name, ok := params["output"].(string); ok && name != "" {
		return name
	}
	return fallback
}

func stringParam(params map[string]any, name string) string {
	value, _ := params[name].(string)
	return value
}

// durationParam accepts a Go duration string or a number of seconds.
func durationParam(params map[string]any, name string) (time.Duration, bool, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, true, fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		return d, true, nil
	case int:
		return time.Duration(v) * time.Second, true, nil
	case int64:
		return time.Duration(v) * time.Second, true, nil
	case float64:
		return time.Duration(v * float64(time.Second)), true, nil
	}
	return 0, true, fmt.Errorf("invalid %s: expected a duration string or seconds, got %T", name, raw)
}
