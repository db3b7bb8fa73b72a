package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yashenkoxciv/image-moderation-platform/internal/jobstate"
	"github.com/yashenkoxciv/image-moderation-platform/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrConflict = errors.New("duplicate key violation")
var ErrStateConflict = errors.New("job state changed concurrently")

// ErrUnavailable marks a transient failure reaching the database.
var ErrUnavailable = errors.New("metadata store unavailable")

// Store is the metadata store. Job records are created once and afterwards
// only change through CompareAndSwap.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// CompareAndSwap applies mutate to the job if its current state equals
	// expected, validates the result against the state machine and persists
	// it atomically. Mutation and validation errors are returned unchanged
	// and nothing is written.
	CompareAndSwap(ctx context.Context, id uuid.UUID, expected models.JobState, mutate jobstate.Mutation) (*models.Job, error)

	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.Job, error)
}

// swap is the compare step shared by every Store implementation.
func swap(prev *models.Job, expected models.JobState, mutate jobstate.Mutation) (*models.Job, error) {
	if prev.State != expected {
		return nil, fmt.Errorf("%w: job %s is %s, expected %s", ErrStateConflict, prev.ID, prev.State, expected)
	}
	next := prev.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := jobstate.Validate(prev, next); err != nil {
		return nil, err
	}
	return next, nil
}

func validateNew(job *models.Job) error {
	if job.ID == uuid.Nil {
		return fmt.Errorf("%w: job id is required", jobstate.ErrInvariant)
	}
	if job.ImageKey == "" {
		return fmt.Errorf("%w: image key is required", jobstate.ErrInvariant)
	}
	if job.State != models.JobStatePending {
		return fmt.Errorf("%w: new job must be %s, got %s", jobstate.ErrInvalidTransition, models.JobStatePending, job.State)
	}
	return jobstate.CheckInvariants(job)
}
