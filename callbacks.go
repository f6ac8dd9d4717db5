package stateflow

import (
	"context"
	"time"
)

// Callbacks receives engine lifecycle events. Implementations must be safe for
// concurrent use: Parallel branches and independent runs report concurrently.
type Callbacks interface {
	// Run-level callbacks
	BeforeRun(ctx context.Context, event *RunEvent)
	AfterRun(ctx context.Context, event *RunEvent)

	// State-level callbacks
	BeforeState(ctx context.Context, event *StateEvent)
	AfterState(ctx context.Context, event *StateEvent)

	// Step-level callbacks, once per attempt
	BeforeStep(ctx context.Context, event *StepEvent)
	AfterStep(ctx context.Context, event *StepEvent)
}

// RunEvent describes a run starting or reaching a terminal status
type RunEvent struct {
	RunID        string
	Key          string
	DefinitionID string
	Status       RunStatus
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Error        *RunError
}

// StateEvent describes one state transition
type StateEvent struct {
	RunID        string
	DefinitionID string
	State        string
	Type         StateType
	Branch       string
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Outcome      Outcome
	Next         string
	Error        error
}

// StepEvent describes one step invocation
type StepEvent struct {
	RunID        string
	DefinitionID string
	State        string
	Branch       string
	StepName     string
	Attempt      int
	Parameters   map[string]any
	Result       map[string]any
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Error        error
}

// BaseCallbacks provides a default implementation that does nothing
type BaseCallbacks struct{}

func (n *BaseCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseCallbacks) BeforeState(ctx context.Context, event *StateEvent) {
	// noop
}

func (n *BaseCallbacks) AfterState(ctx context.Context, event *StateEvent) {
	// noop
}

func (n *BaseCallbacks) BeforeStep(ctx context.Context, event *StepEvent) {
	// noop
}

func (n *BaseCallbacks) AfterStep(ctx context.Context, event *StepEvent) {
	// noop
}

// NewBaseCallbacks creates a new no-op callbacks implementation.
// Embed this in your own callbacks to get a default implementation that does nothing.
func NewBaseCallbacks() Callbacks {
	return &BaseCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []Callbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...Callbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback Callbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeRun(ctx, event)
	}
}

func (c *CallbackChain) AfterRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.AfterRun(ctx, event)
	}
}

func (c *CallbackChain) BeforeState(ctx context.Context, event *StateEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeState(ctx, event)
	}
}

func (c *CallbackChain) AfterState(ctx context.Context, event *StateEvent) {
	for _, callback := range c.callbacks {
		callback.AfterState(ctx, event)
	}
}

func (c *CallbackChain) BeforeStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeStep(ctx, event)
	}
}

func (c *CallbackChain) AfterStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.AfterStep(ctx, event)
	}
}
