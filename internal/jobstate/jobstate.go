// Package jobstate is the single authority on how a moderation job may move
// through its lifecycle. Stores call Validate on every compare-and-swap, and
// workers build their updates from Policy mutations, so every component agrees
// on which transitions exist.
package jobstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/yashenkoxciv/image-moderation-platform/pkg/models"
)

var (
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrInvariant         = errors.New("job invariant violated")
	ErrImmutableField    = errors.New("immutable job field changed")
	ErrLeaseLost         = errors.New("job lease no longer held by this worker")
	ErrLeaseActive       = errors.New("job lease has not expired")
)

// Mutation edits a copy of a job inside a store compare-and-swap. Returning an
// error aborts the swap without writing anything.
type Mutation func(job *models.Job) error

var validTransitions = map[models.JobState][]models.JobState{
	models.JobStatePending:    {models.JobStateLeased},
	models.JobStateLeased:     {models.JobStateProcessing, models.JobStatePending, models.JobStateFailed},
	models.JobStateProcessing: {models.JobStateDone, models.JobStatePending, models.JobStateFailed},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to models.JobState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s models.JobState) bool {
	return s == models.JobStateDone || s == models.JobStateFailed
}

// HoldsLease reports whether a job in state s must carry a lease.
func HoldsLease(s models.JobState) bool {
	return s == models.JobStateLeased || s == models.JobStateProcessing
}

// CheckInvariants verifies the per-record invariants that must hold after
// every transition.
func CheckInvariants(j *models.Job) error {
	if !j.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvariant, j.State)
	}
	if (j.Report != nil) != (j.State == models.JobStateDone) {
		return fmt.Errorf("%w: report present=%t in state %s", ErrInvariant, j.Report != nil, j.State)
	}
	if (j.Lease != nil) != HoldsLease(j.State) {
		return fmt.Errorf("%w: lease present=%t in state %s", ErrInvariant, j.Lease != nil, j.State)
	}
	if j.Lease != nil && j.Lease.WorkerID == "" {
		return fmt.Errorf("%w: lease without worker id", ErrInvariant)
	}
	if j.AttemptCount < 0 {
		return fmt.Errorf("%w: negative attempt count", ErrInvariant)
	}
	if j.ReleaseCount < 0 || j.ReleaseCount > j.AttemptCount {
		return fmt.Errorf("%w: release count %d outside [0, %d]", ErrInvariant, j.ReleaseCount, j.AttemptCount)
	}
	return nil
}

// Validate checks that next is a legal successor of prev.
func Validate(prev, next *models.Job) error {
	if IsTerminal(prev.State) {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, prev.State)
	}
	if next.State != prev.State && !CanTransition(prev.State, next.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.State, next.State)
	}
	if next.ID != prev.ID || next.ImageKey != prev.ImageKey || next.ContentType != prev.ContentType ||
		!next.CreatedAt.Equal(prev.CreatedAt) || !sameRequest(next.Request, prev.Request) {
		return ErrImmutableField
	}
	if next.AttemptCount < prev.AttemptCount {
		return fmt.Errorf("%w: attempt count decreased from %d to %d", ErrInvariant, prev.AttemptCount, next.AttemptCount)
	}
	if next.ReleaseCount < prev.ReleaseCount {
		return fmt.Errorf("%w: release count decreased from %d to %d", ErrInvariant, prev.ReleaseCount, next.ReleaseCount)
	}
	return CheckInvariants(next)
}

// Policy carries the knobs that shape transitions.
type Policy struct {
	// RetryLimit is the number of retries after the first attempt. A failing
	// attempt re-queues the job while fewer than RetryLimit+1 charged
	// attempts (AttemptCount minus ReleaseCount) have been used.
	RetryLimit int
	// LeaseTTL bounds how long a worker may hold a job without finishing it.
	LeaseTTL time.Duration
}

// Exhausted reports whether the job has used up its retry budget.
func (p Policy) Exhausted(j *models.Job) bool {
	return j.AttemptCount-j.ReleaseCount > p.RetryLimit
}

// Lease claims a PENDING job for workerID and charges one attempt.
func (p Policy) Lease(workerID string, now time.Time) Mutation {
	return func(j *models.Job) error {
		if j.State != models.JobStatePending {
			return fmt.Errorf("%w: cannot lease job in state %s", ErrInvalidTransition, j.State)
		}
		j.State = models.JobStateLeased
		j.AttemptCount++
		j.Lease = &models.Lease{WorkerID: workerID, ExpiresAt: now.Add(p.LeaseTTL)}
		j.UpdatedAt = now
		return nil
	}
}

// Begin moves a LEASED job to PROCESSING and renews the lease for the
// classification window.
func (p Policy) Begin(workerID string, attempt int, now time.Time) Mutation {
	return func(j *models.Job) error {
		if err := checkOwner(j, workerID, attempt); err != nil {
			return err
		}
		if j.Lease.Expired(now) {
			return fmt.Errorf("%w: lease expired at %s", ErrLeaseLost, j.Lease.ExpiresAt.Format(time.RFC3339))
		}
		j.State = models.JobStateProcessing
		j.Lease.ExpiresAt = now.Add(p.LeaseTTL)
		j.UpdatedAt = now
		return nil
	}
}

// Complete records the report and moves a PROCESSING job to DONE.
func (p Policy) Complete(workerID string, attempt int, report models.Report, now time.Time) Mutation {
	return func(j *models.Job) error {
		if err := checkOwner(j, workerID, attempt); err != nil {
			return err
		}
		if report.Categories == nil {
			return fmt.Errorf("%w: report without categories", ErrInvariant)
		}
		j.State = models.JobStateDone
		j.Report = report.Clone()
		j.Lease = nil
		j.UpdatedAt = now
		return nil
	}
}

// Fail records a failed attempt. The job goes back to PENDING while retries
// remain, otherwise (or when permanent is set) to FAILED.
func (p Policy) Fail(workerID string, attempt int, cause error, permanent bool, now time.Time) Mutation {
	return func(j *models.Job) error {
		if err := checkOwner(j, workerID, attempt); err != nil {
			return err
		}
		msg := "unknown failure"
		if cause != nil {
			msg = cause.Error()
		}
		j.LastError = &msg
		j.Lease = nil
		j.UpdatedAt = now
		if permanent || p.Exhausted(j) {
			j.State = models.JobStateFailed
		} else {
			j.State = models.JobStatePending
		}
		return nil
	}
}

// Release hands a LEASED or PROCESSING job back to PENDING after an
// infrastructure failure the classifier had no part in. The attempt is
// recorded in ReleaseCount so it does not count against the retry budget.
func (p Policy) Release(workerID string, attempt int, cause error, now time.Time) Mutation {
	return func(j *models.Job) error {
		if err := checkOwner(j, workerID, attempt); err != nil {
			return err
		}
		msg := "released"
		if cause != nil {
			msg = cause.Error()
		}
		j.State = models.JobStatePending
		j.ReleaseCount++
		j.LastError = &msg
		j.Lease = nil
		j.UpdatedAt = now
		return nil
	}
}

// Reclaim returns a job whose lease expired to PENDING, or to FAILED when the
// crashed attempt was its last. The attempt was already charged at lease time.
func (p Policy) Reclaim(now time.Time) Mutation {
	return func(j *models.Job) error {
		if !HoldsLease(j.State) || j.Lease == nil {
			return fmt.Errorf("%w: no lease to reclaim in state %s", ErrInvalidTransition, j.State)
		}
		if !j.Lease.Expired(now) {
			return ErrLeaseActive
		}
		msg := fmt.Sprintf("lease held by %s expired at %s", j.Lease.WorkerID, j.Lease.ExpiresAt.UTC().Format(time.RFC3339))
		j.LastError = &msg
		j.Lease = nil
		j.UpdatedAt = now
		if p.Exhausted(j) {
			j.State = models.JobStateFailed
		} else {
			j.State = models.JobStatePending
		}
		return nil
	}
}

func checkOwner(j *models.Job, workerID string, attempt int) error {
	if j.Lease == nil || j.Lease.WorkerID != workerID || j.AttemptCount != attempt {
		return ErrLeaseLost
	}
	return nil
}

func sameRequest(a, b models.ModerationRequest) bool {
	if a.HideCategories != b.HideCategories || a.RemoveImageMetadata != b.RemoveImageMetadata {
		return false
	}
	if (a.Extra == nil) != (b.Extra == nil) || (a.Extra != nil && *a.Extra != *b.Extra) {
		return false
	}
	if len(a.Categories) != len(b.Categories) {
		return false
	}
	for i := range a.Categories {
		if a.Categories[i] != b.Categories[i] {
			return false
		}
	}
	return true
}
