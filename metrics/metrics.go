// Package metrics exports engine activity as Prometheus metrics. A Recorder
// is a stateflow.Callbacks implementation; chain it with other callbacks via
// stateflow.NewCallbackChain.
package metrics

import (
	"context"
	"sync"

	"github.com/deepnoodle-ai/stateflow"
	"github.com/prometheus/client_golang/prometheus"
)

var _ stateflow.Callbacks = (*Recorder)(nil)

// Recorder counts runs, state transitions and step attempts.
type Recorder struct {
	stateflow.BaseCallbacks

	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	activeRuns    *prometheus.GaugeVec
	runDuration   *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	stateDuration *prometheus.HistogramVec
	stepAttempts  *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	mutex   sync.Mutex
	started map[string]struct{}
}

// New creates a Recorder and registers its collectors with reg. Metric names
// are prefixed with namespace, "stateflow" when empty.
func New(reg prometheus.Registerer, namespace string) (*Recorder, error) {
	if namespace == "" {
		namespace = "stateflow"
	}
	r := &Recorder{
		started: map[string]struct{}{},
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs started, by definition.",
		}, []string{"definition"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs reaching a terminal status, by definition and status.",
		}, []string{"definition", "status"}),
		activeRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Runs started by this process and not yet terminal.",
		}, []string{"definition"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from run creation to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"definition", "status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Completed state transitions, by state and outcome.",
		}, []string{"definition", "state", "outcome"}),
		stateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_duration_seconds",
			Help:      "Time spent executing a state, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"definition", "state"}),
		stepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Step invocations, by step and result.",
		}, []string{"step", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of a single step attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
	}
	for _, c := range r.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.runsStarted, r.runsFinished, r.activeRuns, r.runDuration,
		r.transitions, r.stateDuration, r.stepAttempts, r.stepDuration,
	}
}

func (r *Recorder) BeforeRun(ctx context.Context, event *stateflow.RunEvent) {
	r.mutex.Lock()
	r.started[event.RunID] = struct{}{}
	r.mutex.Unlock()
	r.runsStarted.WithLabelValues(event.DefinitionID).Inc()
	r.activeRuns.WithLabelValues(event.DefinitionID).Inc()
}

func (r *Recorder) AfterRun(ctx context.Context, event *stateflow.RunEvent) {
	status := string(event.Status)
	r.runsFinished.WithLabelValues(event.DefinitionID, status).Inc()
	r.runDuration.WithLabelValues(event.DefinitionID, status).Observe(event.Duration.Seconds())
	// Runs resumed from another process were never counted as active here.
	r.mutex.Lock()
	_, ok := r.started[event.RunID]
	delete(r.started, event.RunID)
	r.mutex.Unlock()
	if ok {
		r.activeRuns.WithLabelValues(event.DefinitionID).Dec()
	}
}

func (r *Recorder) AfterState(ctx context.Context, event *stateflow.StateEvent) {
	r.transitions.WithLabelValues(event.DefinitionID, event.State, string(event.Outcome)).Inc()
	r.stateDuration.WithLabelValues(event.DefinitionID, event.State).Observe(event.Duration.Seconds())
}

func (r *Recorder) AfterStep(ctx context.Context, event *stateflow.StepEvent) {
	result := "success"
	if event.Error != nil {
		result = "error"
	}
	r.stepAttempts.WithLabelValues(event.StepName, result).Inc()
	r.stepDuration.WithLabelValues(event.StepName).Observe(event.Duration.Seconds())
}
