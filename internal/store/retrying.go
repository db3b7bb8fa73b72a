package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/yashenkoxciv/image-moderation-platform/internal/jobstate"
	"github.com/yashenkoxciv/image-moderation-platform/internal/retry"
	"github.com/yashenkoxciv/image-moderation-platform/pkg/models"
)

// RetryingStore retries ErrUnavailable failures of the wrapped store with
// exponential backoff. Every other error is returned at once.
//
// A compare-and-swap whose commit succeeded but whose reply was lost is
// retried like any other; the retry then fails with ErrStateConflict, which
// callers already treat as the job having moved on.
type RetryingStore struct {
	next   Store
	policy retry.Policy
}

func Retrying(next Store, policy retry.Policy) *RetryingStore {
	return &RetryingStore{next: next, policy: policy}
}

// Unwrap returns the decorated store.
func (r *RetryingStore) Unwrap() Store { return r.next }

// Ping is not retried; health checks report the current state.
func (r *RetryingStore) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

// CreateJob retries the insert. A duplicate key seen after a failed try is
// the earlier insert having landed, and counts as success when the stored
// job carries the same image.
func (r *RetryingStore) CreateJob(ctx context.Context, job *models.Job) error {
	tries := 0
	return retry.Do(ctx, r.policy, isUnavailable, func() error {
		tries++
		err := r.next.CreateJob(ctx, job)
		if tries > 1 && errors.Is(err, ErrConflict) {
			existing, getErr := r.next.GetJob(ctx, job.ID)
			if getErr == nil && existing.ImageKey == job.ImageKey {
				return nil
			}
		}
		return err
	})
}

func (r *RetryingStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job *models.Job
	err := retry.Do(ctx, r.policy, isUnavailable, func() error {
		var err error
		job, err = r.next.GetJob(ctx, id)
		return err
	})
	return job, err
}

func (r *RetryingStore) CompareAndSwap(ctx context.Context, id uuid.UUID, expected models.JobState, mutate jobstate.Mutation) (*models.Job, error) {
	var job *models.Job
	err := retry.Do(ctx, r.policy, isUnavailable, func() error {
		var err error
		job, err = r.next.CompareAndSwap(ctx, id, expected, mutate)
		return err
	})
	return job, err
}

func (r *RetryingStore) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	var jobs []*models.Job
	err := retry.Do(ctx, r.policy, isUnavailable, func() error {
		var err error
		jobs, err = r.next.ListExpiredLeases(ctx, now, limit)
		return err
	})
	return jobs, err
}

func (r *RetryingStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.Job, error) {
	var jobs []*models.Job
	err := retry.Do(ctx, r.policy, isUnavailable, func() error {
		var err error
		jobs, err = r.next.ListStalePending(ctx, olderThan, limit)
		return err
	})
	return jobs, err
}

func isUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
