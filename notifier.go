package stateflow

import (
	"context"
	"errors"
)

// Level of a notification
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notification is a message for the external notification sink.
type Notification struct {
	Subject      string         `json:"subject"`
	Message      string         `json:"message"`
	Level        Level          `json:"level"`
	RunID        string         `json:"run_id,omitempty"`
	Key          string         `json:"key,omitempty"`
	DefinitionID string         `json:"definition_id,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// Notifier publishes notifications. Delivery failures are reported but never
// change a run's outcome.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NullNotifier drops every notification.
type NullNotifier struct{}

func (NullNotifier) Notify(ctx context.Context, n Notification) error {
	return nil
}

// MultiNotifier fans a notification out to several sinks.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
