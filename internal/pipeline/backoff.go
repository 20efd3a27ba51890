package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/linnemanlabs/scribe/internal/analyst"
	"github.com/linnemanlabs/scribe/internal/siem"
)

// RetryPolicy bounds per-alert retries of transient failures.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget per alert, including the
	// first try. Exceeding it moves the alert to failed-permanent.
	MaxAttempts int

	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryPolicy matches the configured defaults in cfg.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         4,
		InitialInterval:     2 * time.Second,
		MaxInterval:         2 * time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.3,
	}
}

// newBackOff builds the exponential schedule for one alert. Each alert
// gets its own instance so retry delays do not leak across alerts.
func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.RandomizationFactor
	bo.Reset()
	return bo
}

type failureClass int

const (
	classTransient failureClass = iota
	classPermanent
	classFatal
)

// classify maps an error onto the retry taxonomy. Unknown errors are
// treated as permanent for the alert: retrying a failure we cannot name
// burns the rate budget without a reason to expect success.
func classify(err error) failureClass {
	var malformed *analyst.MalformedResponseError
	switch {
	case errors.Is(err, siem.ErrAuthFailure):
		return classFatal
	case errors.Is(err, siem.ErrBackendUnavailable),
		errors.Is(err, analyst.ErrRateLimited),
		errors.Is(err, analyst.ErrModelUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return classTransient
	case errors.Is(err, siem.ErrNotFound):
		return classPermanent
	case errors.As(err, &malformed):
		return classPermanent
	default:
		return classPermanent
	}
}

// retryDelay picks the next delay, honoring a provider-supplied rate-limit
// hint when it is longer than the backoff schedule's next step.
func retryDelay(bo *backoff.ExponentialBackOff, err error) time.Duration {
	delay := bo.NextBackOff()
	var rl *analyst.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > delay {
		delay = rl.RetryAfter
	}
	return delay
}

// sleep waits for d or until the context is canceled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
