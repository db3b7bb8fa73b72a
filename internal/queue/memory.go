package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inflight struct {
	jobID    string
	deadline time.Time
}

// MemoryQueue is an in-process Queue with the same visibility semantics as
// RedisQueue. It is meant for tests and single-process runs.
type MemoryQueue struct {
	mu         sync.Mutex
	ready      []string
	inflight   map[string]inflight
	visibility time.Duration
	poll       time.Duration
	closed     bool
	notify     chan struct{}
}

func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	return &MemoryQueue{
		inflight:   make(map[string]inflight),
		visibility: visibility,
		poll:       10 * time.Millisecond,
		notify:     make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.ready = append(q.ready, jobID)
	q.signal()
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context) (*Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		now := time.Now()
		q.requeueExpired(now)
		if len(q.ready) > 0 {
			jobID := q.ready[0]
			q.ready = q.ready[1:]
			receipt := uuid.NewString()
			q.inflight[receipt] = inflight{jobID: jobID, deadline: now.Add(q.visibility)}
			q.mu.Unlock()
			return &Message{JobID: jobID, Receipt: receipt}, nil
		}
		q.mu.Unlock()

		timer := time.NewTimer(q.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[receipt]; !ok {
		return ErrUnknownReceipt
	}
	delete(q.inflight, receipt)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.inflight[receipt]
	if !ok {
		return ErrUnknownReceipt
	}
	delete(q.inflight, receipt)
	q.ready = append(q.ready, m.jobID)
	q.signal()
	return nil
}

func (q *MemoryQueue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Pending returns the number of visible messages.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// InFlight returns the number of received but unacknowledged messages.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// requeueExpired must be called with mu held.
func (q *MemoryQueue) requeueExpired(now time.Time) {
	for receipt, m := range q.inflight {
		if now.After(m.deadline) {
			delete(q.inflight, receipt)
			q.ready = append([]string{m.jobID}, q.ready...)
		}
	}
}

// signal must be called with mu held.
func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
