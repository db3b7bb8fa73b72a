// Package retry runs operations against flaky infrastructure with bounded
// exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy is used by adapters that were not given an explicit policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Do calls op until it succeeds, returns an error for which retryable is
// false, the attempt budget is spent, or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	expBackoff := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		expBackoff.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		expBackoff.MaxInterval = p.MaxInterval
	}
	expBackoff.MaxElapsedTime = 0

	var bo backoff.BackOff = backoff.WithMaxRetries(expBackoff, uint64(p.MaxAttempts-1))
	bo = backoff.WithContext(bo, ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}
