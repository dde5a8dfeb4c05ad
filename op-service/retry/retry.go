// Package retry provides a context-aware exponential-backoff retry
// helper, used by syncnode.RPCClient for its managed-node request calls
// (SPEC_FULL.md §5 "Ambient stack"). PullEvent, the event subscription and
// chain storage do not go through it.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Do retries f until it succeeds, ctx is cancelled, or maxAttempts is
// exhausted (0 means unlimited), backing off exponentially between
// attempts starting at the backoff library's default initial interval.
func Do[T any](ctx context.Context, maxAttempts uint64, strategy backoff.BackOff, f func() (T, error)) (T, error) {
	bo := backoff.WithContext(strategy, ctx)
	if maxAttempts > 0 {
		bo = backoff.WithContext(backoff.WithMaxRetries(strategy, maxAttempts-1), ctx)
	}

	var result T
	var attempt int
	err := backoff.Retry(func() error {
		attempt++
		r, err := f()
		if err != nil {
			return err
		}
		result = r
		return nil
	}, bo)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return result, permanent.Err
		}
		return result, err
	}
	return result, nil
}

// Exponential returns the default exponential-backoff strategy used
// across the supervisor's outbound RPC clients: a short initial interval
// capped at maxInterval so a wedged managed node doesn't stall event
// processing for minutes at a time.
func Exponential(maxInterval time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0 // bounded by the caller's context, not elapsed wall time
	return b
}
