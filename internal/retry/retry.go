// Package retry wraps cenkalti/backoff with the two policies the service
// uses: a short linear policy for downloads and an elapsed-time bounded
// exponential policy for service calls. Only transient errors (errs.IsTransient)
// are retried; everything else stops the loop immediately.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"voice-intake-go/internal/errs"
)

// Notify is called before each retry sleep.
type Notify func(attempt int, err error, wait time.Duration)

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

// Linear runs op up to attempts times with linearly increasing waits.
func Linear(ctx context.Context, attempts int, step time.Duration, op func() error, notify Notify) error {
	if attempts <= 0 {
		attempts = 1
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: step}, uint64(attempts-1)),
		ctx,
	)
	return run(bo, op, notify)
}

// Exponential runs op with exponential waits, bounded by maxRetries and maxElapsed.
func Exponential(ctx context.Context, maxRetries int, maxElapsed time.Duration, op func() error, notify Notify) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxElapsedTime = maxElapsed
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)
	return run(bo, op, notify)
}

func run(bo backoff.BackOff, op func() error, notify Notify) error {
	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !errs.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var n backoff.Notify
	if notify != nil {
		n = func(err error, wait time.Duration) { notify(attempt, err, wait) }
	}
	return backoff.RetryNotify(wrapped, bo, n)
}
