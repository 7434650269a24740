// Package retry is the exponential-backoff harness shared by every source
// adapter and the Embed stage. It wraps fn.Result so call sites return the
// same value on success or final failure, adding the telemetry emission and
// error-kind predicate the spec requires on top of a bare backoff loop.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rake-ingest/rake/pkg/fn"
	"github.com/rake-ingest/rake/pkg/rakeerr"
)

// Opts configures a retry run. Zero-value fields fall back to Defaults.
type Opts struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// RetryOn decides whether err is worth another attempt. Defaults to
	// rakeerr.Retriable (kind == transient_fetch) when nil.
	RetryOn func(error) bool
}

// Defaults mirror the spec's configuration defaults: attempts=3, base=1s,
// multiplier=2, max=60s.
var Defaults = Opts{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	Multiplier:  2,
	MaxDelay:    60 * time.Second,
}

func (o Opts) withDefaults() Opts {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = Defaults.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = Defaults.BaseDelay
	}
	if o.Multiplier <= 0 {
		o.Multiplier = Defaults.Multiplier
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = Defaults.MaxDelay
	}
	if o.RetryOn == nil {
		o.RetryOn = rakeerr.Retriable
	}
	return o
}

// Notifier is invoked once per failed attempt that will be retried, before
// the backoff sleep. Stages wire this to the telemetry sink's RetryAttempt
// emitter.
type Notifier func(attemptNumber, maxAttempts int, err error)

// Run retries op on failures that satisfy
// opts.RetryOn, up to opts.MaxAttempts times with exponential backoff:
// delay = min(BaseDelay * Multiplier^(attempt-1), MaxDelay). Attempt 1 runs
// immediately; ctx cancellation aborts before or during a backoff sleep.
func Run[T any](ctx context.Context, opts Opts, notify Notifier, op func(context.Context) fn.Result[T]) fn.Result[T] {
	opts = opts.withDefaults()

	var last fn.Result[T]
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		last = op(ctx)
		if last.IsOk() {
			return last
		}
		_, err := last.Unwrap()

		if attempt == opts.MaxAttempts || !opts.RetryOn(err) {
			return last
		}

		if notify != nil {
			notify(attempt, opts.MaxAttempts, err)
		}

		select {
		case <-ctx.Done():
			return fn.Err[T](ctx.Err())
		case <-time.After(backoff(opts, attempt)):
		}
	}
	return last
}

func backoff(opts Opts, attempt int) time.Duration {
	d := float64(opts.BaseDelay) * math.Pow(opts.Multiplier, float64(attempt-1))
	if d > float64(opts.MaxDelay) {
		d = float64(opts.MaxDelay)
	}
	// Small jitter keeps concurrent retries from synchronizing.
	jitter := 0.9 + 0.2*rand.Float64()
	return time.Duration(d * jitter)
}
