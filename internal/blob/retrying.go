package blob

import (
	"context"
	"errors"

	"github.com/yashenkoxciv/image-moderation-platform/internal/retry"
)

// RetryingStore retries ErrUnavailable failures of the wrapped store with
// exponential backoff. ErrNotFound and other errors are returned at once.
type RetryingStore struct {
	next   Store
	policy retry.Policy
}

func Retrying(next Store, policy retry.Policy) *RetryingStore {
	return &RetryingStore{next: next, policy: policy}
}

// Unwrap returns the decorated store.
func (r *RetryingStore) Unwrap() Store { return r.next }

func (r *RetryingStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return retry.Do(ctx, r.policy, isUnavailable, func() error {
		return r.next.Put(ctx, key, data, contentType)
	})
}

func (r *RetryingStore) Get(ctx context.Context, key string) (*Object, error) {
	var obj *Object
	err := retry.Do(ctx, r.policy, isUnavailable, func() error {
		var err error
		obj, err = r.next.Get(ctx, key)
		return err
	})
	return obj, err
}

func (r *RetryingStore) Delete(ctx context.Context, key string) error {
	return retry.Do(ctx, r.policy, isUnavailable, func() error {
		return r.next.Delete(ctx, key)
	})
}

// Ping is not retried; health checks report the current state.
func (r *RetryingStore) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

func isUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
