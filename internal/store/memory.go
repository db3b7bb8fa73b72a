package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yashenkoxciv/image-moderation-platform/internal/jobstate"
	"github.com/yashenkoxciv/image-moderation-platform/pkg/models"
)

// MemoryStore is a Store kept in process memory. Every read and write copies
// the job so callers never share state with the store.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return ErrConflict
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, id uuid.UUID, expected models.JobState, mutate jobstate.Mutation) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := swap(prev, expected, mutate)
	if err != nil {
		return nil, err
	}
	m.jobs[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) ListExpiredLeases(_ context.Context, now time.Time, limit int) ([]*models.Job, error) {
	return m.list(limit, func(j *models.Job) bool {
		return jobstate.HoldsLease(j.State) && j.Lease != nil && j.Lease.Expired(now)
	}, func(j *models.Job) time.Time { return j.Lease.ExpiresAt })
}

func (m *MemoryStore) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]*models.Job, error) {
	return m.list(limit, func(j *models.Job) bool {
		return j.State == models.JobStatePending && j.UpdatedAt.Before(olderThan)
	}, func(j *models.Job) time.Time { return j.UpdatedAt })
}

func (m *MemoryStore) list(limit int, match func(*models.Job) bool, orderBy func(*models.Job) time.Time) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Job
	for _, j := range m.jobs {
		if match(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return orderBy(out[a]).Before(orderBy(out[b])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
