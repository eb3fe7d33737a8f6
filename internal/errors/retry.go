package errors

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy drives retries for outbound calls and whole-source ingest
// attempts. Retries are policy records, not control flow: the caller owns
// the decision of what is retryable.
type RetryPolicy struct {
	// MaxRetries is the number of retry attempts after the initial try.
	MaxRetries int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
	// Multiplier grows the delay between attempts.
	Multiplier float64
	// Jitter randomizes each delay by ±Jitter fraction.
	Jitter float64
}

// DefaultRetryPolicy returns the retry policy used for embedding calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     16 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// IngestRetryPolicy returns the retry policy for whole-source ingest
// attempts (3 attempts total, backoff with jitter).
func IngestRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   2,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.3,
	}
}

// backoffFor builds the exponential backoff matching the policy.
func (p RetryPolicy) backoffFor(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0 // bounded by retry count, not wall clock
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// Retry executes fn under the policy. Non-retryable structured errors
// stop immediately; context cancellation is returned as-is.
func (p RetryPolicy) Retry(ctx context.Context, fn func() error) error {
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := fn()
		if err == nil {
			return nil
		}
		if IsCancelled(err) {
			return backoff.Permanent(err)
		}
		// Foreign errors (raw transport failures) are treated as retryable;
		// structured errors consult their own flag.
		if GetCode(err) != "" && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, p.backoffFor(ctx))
}
