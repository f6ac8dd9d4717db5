package stateflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Step is the unit of work bound to a Task state. Given the current context it
// returns a partial context update. Steps must be logically idempotent: the
// engine may invoke a step again after a crash or a retryable failure.
type Step interface {

	// Name returns the name the step is registered under
	Name() string

	// Execute the step
	Execute(ctx context.Context, in StepInput) (map[string]any, error)
}

// StepInput is everything a step invocation receives.
type StepInput struct {
	RunID   string
	Key     string
	State   string
	Branch  string
	Attempt int

	// Payload is a private copy of the run context.
	Payload *Payload

	// Parameters are the Task's parameters with templates evaluated.
	Parameters map[string]any
}

// StepFunc is the signature of a plain function step.
type StepFunc func(ctx context.Context, in StepInput) (map[string]any, error)

// Confirm the interface is implemented correctly.
var _ Step = (*stepFunction)(nil)

type stepFunction struct {
	name string
	fn   StepFunc
}

// NewStepFunction returns a Step for the given function.
func NewStepFunction(name string, fn StepFunc) Step {
	return &stepFunction{name: name, fn: fn}
}

func (s *stepFunction) Name() string {
	return s.name
}

func (s *stepFunction) Execute(ctx context.Context, in StepInput) (map[string]any, error) {
	return s.fn(ctx, in)
}

// Registry maps step names to steps. It is safe for concurrent use, although
// registration normally completes before the engine starts.
type Registry struct {
	mutex sync.RWMutex
	steps map[string]Step
}

// NewRegistry returns a registry holding the given steps.
func NewRegistry(steps ...Step) (*Registry, error) {
	r := &Registry{steps: map[string]Step{}}
	for _, step := range steps {
		if err := r.Register(step); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a step. Names must be unique.
func (r *Registry) Register(step Step) error {
	if step == nil {
		return fmt.Errorf("step is nil")
	}
	name := step.Name()
	if name == "" {
		return fmt.Errorf("step name is required")
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.steps == nil {
		r.steps = map[string]Step{}
	}
	if _, exists := r.steps[name]; exists {
		return fmt.Errorf("step %q already registered", name)
	}
	r.steps[name] = step
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(step Step) {
	if err := r.Register(step); err != nil {
		panic(err)
	}
}

// Resolve returns the named step or a *StepNotFoundError.
func (r *Registry) Resolve(name string) (Step, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	step, ok := r.steps[name]
	if !ok {
		return nil, &StepNotFoundError{Name: name}
	}
	return step, nil
}

// Names returns the registered step names in sorted order.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
