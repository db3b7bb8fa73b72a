package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/yashenkoxciv/image-moderation-platform/internal/retry"
)

var errFlaky = errors.New("flaky")

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func always(error) bool { return true }

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastPolicy(5), always, func() error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastPolicy(4), always, func() error {
		calls++
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 4, calls)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	permanent := errors.New("not found")
	calls := 0
	err := retry.Do(context.Background(), fastPolicy(5), func(err error) bool {
		return errors.Is(err, errFlaky)
	}, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = retry.Do(context.Background(), retry.Policy{}, always, func() error {
		calls++
		return errFlaky
	})
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retry.Do(ctx, retry.Policy{MaxAttempts: 10, InitialInterval: time.Second}, always, func() error {
		calls++
		return errFlaky
	})
	assert.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
