package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var expressionPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

type segment struct {
	text   string
	script Script
}

// Template is a string with embedded ${...} expressions.
type Template struct {
	raw      string
	segments []segment
}

// NewTemplate compiles every ${...} expression in raw.
func NewTemplate(c Compiler, raw string) (*Template, error) {
	if strings.Count(raw, "${") > strings.Count(raw, "}") {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}
	t := &Template{raw: raw}
	matches := expressionPattern.FindAllStringSubmatchIndex(raw, -1)
	var last int
	for _, match := range matches {
		if match[0] > last {
			t.segments = append(t.segments, segment{text: raw[last:match[0]]})
		}
		expr := raw[match[2]:match[3]]
		s, err := c.Compile(context.Background(), expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}
		t.segments = append(t.segments, segment{script: s})
		last = match[1]
	}
	if len(matches) > 0 && last < len(raw) {
		t.segments = append(t.segments, segment{text: raw[last:]})
	}
	return t, nil
}

// IsStatic reports whether the template contains no expressions.
func (t *Template) IsStatic() bool {
	return len(t.segments) == 0
}

// Eval renders the template as a string.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if t.IsStatic() {
		return t.raw, nil
	}
	var sb strings.Builder
	for _, seg := range t.segments {
		if seg.script == nil {
			sb.WriteString(seg.text)
			continue
		}
		result, err := seg.script.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		sb.WriteString(result.String())
	}
	return sb.String(), nil
}

// Value renders the template. A template that consists of a single
// expression yields the expression's typed value instead of its string form.
func (t *Template) Value(ctx context.Context, globals map[string]any) (any, error) {
	if len(t.segments) == 1 && t.segments[0].script != nil {
		result, err := t.segments[0].script.Evaluate(ctx, globals)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		return result.Value(), nil
	}
	return t.Eval(ctx, globals)
}

// Render walks a parameter document and evaluates every string leaf as a
// template. Maps and lists are copied; other values pass through unchanged.
func Render(ctx context.Context, c Compiler, value any, globals map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		t, err := NewTemplate(c, v)
		if err != nil {
			return nil, err
		}
		return t.Value(ctx, globals)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			rendered, err := Render(ctx, c, item, globals)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := Render(ctx, c, item, globals)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// Check compiles every string leaf of a parameter document without
// evaluating it.
func Check(c Compiler, value any) error {
	switch v := value.(type) {
	case string:
		_, err := NewTemplate(c, v)
		return err
	case map[string]any:
		for key, item := range v {
			if err := Check(c, item); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	case []any:
		for i, item := range v {
			if err := Check(c, item); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	}
	return nil
}
