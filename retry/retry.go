package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type options struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
	jitter     float64
	notify     func(err error, wait time.Duration)
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets how many times fn is retried after the first attempt.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithBaseWait sets the delay before the first retry.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.baseWait = d }
}

// WithMaxWait caps the delay between retries.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// WithJitter sets the randomization factor applied to each delay, in [0, 1].
func WithJitter(factor float64) Option {
	return func(o *options) { o.jitter = factor }
}

// WithNotify registers a function called before each retry.
func WithNotify(fn func(err error, wait time.Duration)) Option {
	return func(o *options) { o.notify = fn }
}

// Do calls fn until it succeeds, returns an error that is not recoverable, the
// retry budget is spent, or ctx is done. Delays grow exponentially.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{
		maxRetries: 3,
		baseWait:   100 * time.Millisecond,
		maxWait:    10 * time.Second,
		jitter:     0.5,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxRetries < 0 {
		o.maxRetries = 0
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = o.baseWait
	exp.MaxInterval = o.maxWait
	exp.RandomizationFactor = o.jitter
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(o.maxRetries)), ctx)

	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRecoverable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var notify backoff.Notify
	if o.notify != nil {
		notify = o.notify
	}
	return backoff.RetryNotify(op, b, notify)
}
