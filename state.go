package stateflow

import (
	"time"
)

// StateType identifies the kind of node in a workflow graph.
type StateType string

const (
	StateTask     StateType = "task"
	StateChoice   StateType = "choice"
	StateParallel StateType = "parallel"
	StatePass     StateType = "pass"
	StateSucceed  StateType = "succeed"
	StateFail     StateType = "fail"
	// StateWait parks the run until Engine.Signal releases it.
	StateWait StateType = "wait"
)

// ResultMode controls how a Task's output is applied to the run context.
type ResultMode string

const (
	// ResultMerge overwrites same-named fields and keeps the rest.
	ResultMerge ResultMode = "merge"
	// ResultReplace discards the previous context.
	ResultReplace ResultMode = "replace"
)

// State is one node of a workflow graph. Which fields apply depends on Type.
type State struct {
	Type    StateType `json:"type" yaml:"type"`
	Comment string    `json:"comment,omitempty" yaml:"comment,omitempty"`
	Next    string    `json:"next,omitempty" yaml:"next,omitempty"`
	End     bool      `json:"end,omitempty" yaml:"end,omitempty"`

	// Task
	Step       string         `json:"step,omitempty" yaml:"step,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	// Timeout in seconds for a single step invocation.
	Timeout    int            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ResultMode ResultMode     `json:"result_mode,omitempty" yaml:"result_mode,omitempty"`
	ResultPath string         `json:"result_path,omitempty" yaml:"result_path,omitempty"`
	Retry      []*RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
	Catch      []*CatchConfig `json:"catch,omitempty" yaml:"catch,omitempty"`

	// Choice
	Choices       []*ChoiceRule  `json:"choices,omitempty" yaml:"choices,omitempty"`
	Default       string         `json:"default,omitempty" yaml:"default,omitempty"`
	DefaultAssign map[string]any `json:"default_assign,omitempty" yaml:"default_assign,omitempty"`

	// Parallel
	Branches []*Branch `json:"branches,omitempty" yaml:"branches,omitempty"`

	// Pass
	Result map[string]any `json:"result,omitempty" yaml:"result,omitempty"`

	// Fail
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
	Cause string `json:"cause,omitempty" yaml:"cause,omitempty"`
}

// IsTerminal reports whether the state ends its (sub-)graph.
func (s *State) IsTerminal() bool {
	return s.Type == StateSucceed || s.Type == StateFail
}

// TaskTimeout returns the configured per-invocation timeout, or zero.
func (s *State) TaskTimeout() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// Branch is an independent sub-graph of a Parallel state.
type Branch struct {
	StartAt string            `json:"start_at" yaml:"start_at"`
	States  map[string]*State `json:"states" yaml:"states"`
}

// ChoiceRule is one predicate of a Choice state. A rule is either a
// comparison (Variable, Operator, Value), an expression (Condition), or a
// combination of nested rules (And, Or, Not). Only top-level rules carry Next.
type ChoiceRule struct {
	Variable  string         `json:"variable,omitempty" yaml:"variable,omitempty"`
	Operator  string         `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value     any            `json:"value,omitempty" yaml:"value,omitempty"`
	Condition string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	And       []*ChoiceRule  `json:"and,omitempty" yaml:"and,omitempty"`
	Or        []*ChoiceRule  `json:"or,omitempty" yaml:"or,omitempty"`
	Not       *ChoiceRule    `json:"not,omitempty" yaml:"not,omitempty"`
	Next      string         `json:"next,omitempty" yaml:"next,omitempty"`
	Assign    map[string]any `json:"assign,omitempty" yaml:"assign,omitempty"`
}

// JitterStrategy defines the jitter strategy for retry delays
type JitterStrategy string

const (
	JitterNone JitterStrategy = "NONE"
	JitterFull JitterStrategy = "FULL"
)

// RetryConfig configures retry behavior for a Task.
type RetryConfig struct {
	ErrorEquals    []string       `json:"error_equals,omitempty" yaml:"error_equals,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	BaseDelay      time.Duration  `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay       time.Duration  `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	BackoffRate    float64        `json:"backoff_rate,omitempty" yaml:"backoff_rate,omitempty"`
	JitterStrategy JitterStrategy `json:"jitter_strategy,omitempty" yaml:"jitter_strategy,omitempty"`
}

// CatchConfig routes matching errors to a fallback state
type CatchConfig struct {
	ErrorEquals []string `json:"error_equals" yaml:"error_equals"`
	Next        string   `json:"next" yaml:"next"`
	ResultPath  string   `json:"result_path,omitempty" yaml:"result_path,omitempty"`
}

func (r *RetryConfig) matches(err error) bool {
	if len(r.ErrorEquals) == 0 {
		return MatchesErrorType(err, ErrorTypeAll)
	}
	for _, errorType := range r.ErrorEquals {
		if MatchesErrorType(err, errorType) {
			return true
		}
	}
	return false
}

func (c *CatchConfig) matches(err error) bool {
	for _, errorType := range c.ErrorEquals {
		if MatchesErrorType(err, errorType) {
			return true
		}
	}
	return false
}
