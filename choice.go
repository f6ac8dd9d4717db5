package stateflow

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/deepnoodle-ai/stateflow/script"
)

// choiceResult is the outcome of evaluating a Choice state.
type choiceResult struct {
	Next   string
	Assign map[string]any
	// Rule is the index of the matching rule, or -1 for the default.
	Rule int
}

// evaluateChoice returns the transition of the first rule that matches, in
// declaration order, falling back to the state's default.
func evaluateChoice(ctx context.Context, def *Definition, name string, s *State, payload *Payload) (*choiceResult, error) {
	for i, rule := range s.Choices {
		ok, err := matchRule(ctx, def, rule, payload)
		if err != nil {
			return nil, fmt.Errorf("state %q choices[%d]: %w", name, i, err)
		}
		if ok {
			return &choiceResult{Next: rule.Next, Assign: rule.Assign, Rule: i}, nil
		}
	}
	if s.Default == "" {
		return nil, &NoMatchingChoiceError{State: name}
	}
	return &choiceResult{Next: s.Default, Assign: s.DefaultAssign, Rule: -1}, nil
}

func matchRule(ctx context.Context, def *Definition, rule *ChoiceRule, payload *Payload) (bool, error) {
	switch {
	case len(rule.And) > 0:
		for _, child := range rule.And {
			ok, err := matchRule(ctx, def, child, payload)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(rule.Or) > 0:
		for _, child := range rule.Or {
			ok, err := matchRule(ctx, def, child, payload)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case rule.Not != nil:
		ok, err := matchRule(ctx, def, rule.Not, payload)
		return !ok, err
	case rule.Condition != "":
		return matchCondition(ctx, def, rule.Condition, payload)
	default:
		actual, found, err := payload.Lookup(rule.Variable)
		if err != nil {
			return false, err
		}
		return compare(rule.Operator, actual, found, rule.Value)
	}
}

func matchCondition(ctx context.Context, def *Definition, code string, payload *Payload) (bool, error) {
	var compiled script.Script
	if def != nil {
		compiled, _ = def.condition(code)
	}
	if compiled == nil {
		var err error
		compiled, err = script.NewDefaultCompiler().Compile(ctx, code)
		if err != nil {
			return false, err
		}
	}
	value, err := compiled.Evaluate(ctx, map[string]any{"state": payload.Map()})
	if err != nil {
		return false, err
	}
	return value.IsTruthy(), nil
}

// compare applies a choice operator. Numbers compare by value regardless of
// their Go type, so a float64 from a JSON document equals an int from YAML.
func compare(op string, actual any, found bool, expected any) (bool, error) {
	if op == "exists" {
		want := true
		if b, ok := expected.(bool); ok {
			want = b
		}
		return found == want, nil
	}
	if !found {
		return false, nil
	}
	switch op {
	case "==":
		return equalValues(actual, expected), nil
	case "!=":
		return !equalValues(actual, expected), nil
	case "<", "<=", ">", ">=":
		cmp, ok := order(actual, expected)
		if !ok {
			return false, nil
		}
		switch op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case "in":
		items, ok := expected.([]any)
		if !ok {
			return false, fmt.Errorf("operator in requires a list value")
		}
		for _, item := range items {
			if equalValues(actual, item) {
				return true, nil
			}
		}
		return false, nil
	case "contains":
		switch a := actual.(type) {
		case string:
			s, ok := expected.(string)
			return ok && strings.Contains(a, s), nil
		case []any:
			for _, item := range a {
				if equalValues(item, expected) {
					return true, nil
				}
			}
		}
		return false, nil
	case "prefix", "suffix":
		a, ok1 := actual.(string)
		e, ok2 := expected.(string)
		if !ok1 || !ok2 {
			return false, nil
		}
		if op == "prefix" {
			return strings.HasPrefix(a, e), nil
		}
		return strings.HasSuffix(a, e), nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func equalValues(a, b any) bool {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
	}
	return reflect.DeepEqual(a, b)
}

func order(a, b any) (int, bool) {
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	x, ok1 := a.(string)
	y, ok2 := b.(string)
	if !ok1 || !ok2 {
		return 0, false
	}
	return strings.Compare(x, y), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
