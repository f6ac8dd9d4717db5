package stateflow

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/deepnoodle-ai/stateflow/script"
	"gopkg.in/yaml.v3"
)

// Options is the document form of a workflow definition. JSON documents are
// accepted too since JSON is a subset of YAML.
type Options struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	StartAt     string            `json:"start_at" yaml:"start_at"`
	States      map[string]*State `json:"states" yaml:"states"`
}

// Definition is a validated, immutable workflow graph.
type Definition struct {
	name        string
	description string
	startAt     string
	states      map[string]*State
	conditions  map[string]script.Script
}

// New validates opts and returns a Definition. Choice conditions are compiled
// with the default script compiler.
func New(opts Options) (*Definition, error) {
	return NewWithCompiler(opts, script.NewDefaultCompiler())
}

// NewWithCompiler is like New but compiles conditions and checks parameter
// templates with the given compiler.
func NewWithCompiler(opts Options, compiler script.Compiler) (*Definition, error) {
	v := &validator{
		err:        &ValidationError{Definition: opts.Name},
		compiler:   compiler,
		conditions: map[string]script.Script{},
	}
	if opts.Name == "" {
		v.err.add("name required")
	}
	v.graph("", opts.StartAt, opts.States)
	if len(v.err.Problems) > 0 {
		return nil, v.err
	}
	return &Definition{
		name:        opts.Name,
		description: opts.Description,
		startAt:     opts.StartAt,
		states:      opts.States,
		conditions:  v.conditions,
	}, nil
}

// Load parses and validates a YAML or JSON definition document.
func Load(data []byte) (*Definition, error) {
	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	return New(opts)
}

// LoadString loads a definition from a YAML string
func LoadString(data string) (*Definition, error) {
	return Load([]byte(data))
}

// LoadFile loads a definition from a YAML or JSON file
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	return Load(data)
}

// Name returns the definition id
func (d *Definition) Name() string {
	return d.name
}

// Description returns the definition description
func (d *Definition) Description() string {
	return d.description
}

// StartAt returns the name of the first state
func (d *Definition) StartAt() string {
	return d.startAt
}

// State returns a top-level state by name
func (d *Definition) State(name string) (*State, bool) {
	s, ok := d.states[name]
	return s, ok
}

// StateNames returns the top-level state names in sorted order
func (d *Definition) StateNames() []string {
	return sortedStateNames(d.states)
}

// TaskSteps returns the names of every step referenced by a Task state,
// including states nested inside Parallel branches.
func (d *Definition) TaskSteps() []string {
	seen := map[string]bool{}
	var walk func(states map[string]*State)
	walk = func(states map[string]*State) {
		for _, s := range states {
			switch s.Type {
			case StateTask:
				seen[s.Step] = true
			case StateParallel:
				for _, b := range s.Branches {
					walk(b.States)
				}
			}
		}
	}
	walk(d.states)
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Definition) condition(code string) (script.Script, bool) {
	s, ok := d.conditions[code]
	return s, ok
}

// Successors returns the states reachable in one transition from s.
func Successors(s *State) []string {
	var next []string
	add := func(name string) {
		if name == "" {
			return
		}
		for _, existing := range next {
			if existing == name {
				return
			}
		}
		next = append(next, name)
	}
	add(s.Next)
	for _, rule := range s.Choices {
		add(rule.Next)
	}
	add(s.Default)
	for _, c := range s.Catch {
		add(c.Next)
	}
	return next
}

func sortedStateNames(states map[string]*State) []string {
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var knownOperators = map[string]bool{
	"==":       true,
	"!=":       true,
	"<":        true,
	"<=":       true,
	">":        true,
	">=":       true,
	"exists":   true,
	"in":       true,
	"contains": true,
	"prefix":   true,
	"suffix":   true,
}

type validator struct {
	err        *ValidationError
	compiler   script.Compiler
	conditions map[string]script.Script
}

// graph validates one graph. Parallel branches recurse with their own scope.
func (v *validator) graph(scope, startAt string, states map[string]*State) {
	where := func(name string) string {
		if scope == "" {
			return fmt.Sprintf("state %q", name)
		}
		return fmt.Sprintf("%s state %q", scope, name)
	}
	if len(states) == 0 {
		v.err.add("%sno states defined", prefix(scope))
		return
	}
	if startAt == "" {
		v.err.add("%sstart_at required", prefix(scope))
	} else if _, ok := states[startAt]; !ok {
		v.err.add("%sstart_at %q does not reference a state", prefix(scope), startAt)
	}
	ref := func(name, field, target string) {
		if _, ok := states[target]; !ok {
			v.err.add("%s: %s %q does not reference a state", where(name), field, target)
		}
	}

	for _, name := range sortedStateNames(states) {
		s := states[name]
		if s == nil {
			v.err.add("%s: empty definition", where(name))
			continue
		}
		switch s.Type {
		case StateTask, StatePass, StateParallel, StateWait:
			if s.Type == StateWait && scope != "" {
				v.err.add("%s: wait states are not allowed inside parallel branches", where(name))
			}
			switch {
			case s.Next != "" && s.End:
				v.err.add("%s: next and end are mutually exclusive", where(name))
			case s.Next != "":
				ref(name, "next", s.Next)
			case !s.End:
				v.err.add("%s: next or end required", where(name))
			}
		case StateChoice:
			if s.Next != "" || s.End {
				v.err.add("%s: choice states transition through their rules", where(name))
			}
		case StateSucceed, StateFail:
			if s.Next != "" {
				v.err.add("%s: terminal states cannot have next", where(name))
			}
		case "":
			v.err.add("%s: type required", where(name))
			continue
		default:
			v.err.add("%s: unknown type %q", where(name), s.Type)
			continue
		}

		switch s.Type {
		case StateTask:
			if s.Step == "" {
				v.err.add("%s: step required", where(name))
			}
			if s.Timeout < 0 {
				v.err.add("%s: timeout must not be negative", where(name))
			}
			if s.ResultMode != "" && s.ResultMode != ResultMerge && s.ResultMode != ResultReplace {
				v.err.add("%s: unknown result_mode %q", where(name), s.ResultMode)
			}
			if s.ResultPath != "" && s.ResultMode == ResultReplace {
				v.err.add("%s: result_path cannot be combined with result_mode replace", where(name))
			}
			v.field(where(name), "result_path", s.ResultPath)
			if err := script.Check(v.compiler, s.Parameters); err != nil {
				v.err.add("%s: parameters: %v", where(name), err)
			}
			for i, r := range s.Retry {
				if r == nil {
					v.err.add("%s: retry[%d] is empty", where(name), i)
					continue
				}
				if r.MaxRetries < 0 {
					v.err.add("%s: retry[%d]: max_retries must not be negative", where(name), i)
				}
				if r.BackoffRate < 0 {
					v.err.add("%s: retry[%d]: backoff_rate must not be negative", where(name), i)
				}
				if r.JitterStrategy != "" && r.JitterStrategy != JitterNone && r.JitterStrategy != JitterFull {
					v.err.add("%s: retry[%d]: unknown jitter_strategy %q", where(name), i, r.JitterStrategy)
				}
			}
			for i, c := range s.Catch {
				if c == nil {
					v.err.add("%s: catch[%d] is empty", where(name), i)
					continue
				}
				if len(c.ErrorEquals) == 0 {
					v.err.add("%s: catch[%d]: error_equals required", where(name), i)
				}
				if c.Next == "" {
					v.err.add("%s: catch[%d]: next required", where(name), i)
				} else {
					ref(name, fmt.Sprintf("catch[%d].next", i), c.Next)
				}
				v.field(where(name), fmt.Sprintf("catch[%d].result_path", i), c.ResultPath)
			}

		case StateChoice:
			if len(s.Choices) == 0 {
				v.err.add("%s: at least one choice rule required", where(name))
			}
			for i, rule := range s.Choices {
				label := fmt.Sprintf("%s: choices[%d]", where(name), i)
				if rule == nil {
					v.err.add("%s is empty", label)
					continue
				}
				v.rule(label, rule)
				if rule.Next == "" {
					v.err.add("%s: next required", label)
				} else {
					ref(name, fmt.Sprintf("choices[%d].next", i), rule.Next)
				}
			}
			if s.Default == "" {
				v.err.add("%s: default required", where(name))
			} else {
				ref(name, "default", s.Default)
			}

		case StateParallel:
			if len(s.Branches) == 0 {
				v.err.add("%s: at least one branch required", where(name))
			}
			v.field(where(name), "result_path", s.ResultPath)
			for i, b := range s.Branches {
				branchScope := fmt.Sprintf("%s[%d]", name, i)
				if scope != "" {
					branchScope = scope + "/" + branchScope
				}
				if b == nil {
					v.err.add("branch %s is empty", branchScope)
					continue
				}
				v.graph("branch "+branchScope, b.StartAt, b.States)
			}
		}
	}
}

// rule validates a choice predicate. Nested rules of and/or/not must not
// carry a transition.
func (v *validator) rule(label string, rule *ChoiceRule) {
	forms := 0
	if rule.Variable != "" || rule.Operator != "" {
		forms++
	}
	if rule.Condition != "" {
		forms++
	}
	if len(rule.And) > 0 {
		forms++
	}
	if len(rule.Or) > 0 {
		forms++
	}
	if rule.Not != nil {
		forms++
	}
	if forms != 1 {
		v.err.add("%s: exactly one of variable/operator, condition, and, or, not required", label)
		return
	}

	switch {
	case rule.Variable != "" || rule.Operator != "":
		if rule.Variable == "" {
			v.err.add("%s: variable required", label)
		} else if _, err := parsePath(rule.Variable); err != nil {
			v.err.add("%s: %v", label, err)
		}
		if !knownOperators[rule.Operator] {
			v.err.add("%s: unknown operator %q", label, rule.Operator)
		}
	case rule.Condition != "":
		if _, ok := v.conditions[rule.Condition]; ok {
			return
		}
		compiled, err := v.compiler.Compile(context.Background(), rule.Condition)
		if err != nil {
			v.err.add("%s: condition: %v", label, err)
			return
		}
		v.conditions[rule.Condition] = compiled
	}

	nested := func(i int, child *ChoiceRule, kind string) {
		childLabel := fmt.Sprintf("%s.%s[%d]", label, kind, i)
		if child == nil {
			v.err.add("%s is empty", childLabel)
			return
		}
		if child.Next != "" || len(child.Assign) > 0 {
			v.err.add("%s: nested rules cannot set next or assign", childLabel)
		}
		v.rule(childLabel, child)
	}
	for i, child := range rule.And {
		nested(i, child, "and")
	}
	for i, child := range rule.Or {
		nested(i, child, "or")
	}
	if rule.Not != nil {
		nested(0, rule.Not, "not")
	}
}

// field checks a result_path, which names a top-level context field.
func (v *validator) field(where, name, value string) {
	if value == "" {
		return
	}
	if strings.ContainsAny(value, ".$[] ") {
		v.err.add("%s: %s must be a top-level field name, got %q", where, name, value)
	}
}

func prefix(scope string) string {
	if scope == "" {
		return ""
	}
	return scope + ": "
}
