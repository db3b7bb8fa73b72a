// Package queue hands job ids from the gateway to the workers with
// at-least-once delivery. A received message that is neither acked nor
// nacked becomes visible again once its visibility window passes.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/yashenkoxciv/image-moderation-platform/internal/config"
	"github.com/yashenkoxciv/image-moderation-platform/internal/retry"
)

var (
	ErrClosed         = errors.New("queue closed")
	ErrUnknownReceipt = errors.New("unknown or expired receipt")
)

// Message is one delivery of a job id. Receipt identifies this delivery
// for Ack and Nack.
type Message struct {
	JobID   string
	Receipt string
}

type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (*Message, error)
	// Ack removes the delivery for good.
	Ack(ctx context.Context, receipt string) error
	// Nack makes the delivery visible again immediately.
	Nack(ctx context.Context, receipt string) error
	Ping(ctx context.Context) error
	Close() error
}

// New builds the backend selected by cfg.Queue.Backend. Enqueue on the
// returned queue is retried with backoff.
func New(ctx context.Context, cfg *config.Config) (Queue, error) {
	var (
		q   Queue
		err error
	)
	switch cfg.Queue.Backend {
	case "redis":
		q, err = NewRedisQueue(cfg.Redis.URL, cfg.Queue)
	case "amqp":
		q, err = NewAMQPQueue(cfg.Queue)
	default:
		return nil, fmt.Errorf("unknown queue backend: %q", cfg.Queue.Backend)
	}
	if err != nil {
		return nil, err
	}
	if err := q.Ping(ctx); err != nil {
		q.Close()
		return nil, fmt.Errorf("ping %s queue: %w", cfg.Queue.Backend, err)
	}
	return WithEnqueueRetry(q, retry.DefaultPolicy()), nil
}

type retryingQueue struct {
	Queue
	policy retry.Policy
}

// WithEnqueueRetry retries failed enqueues of q. Closed queues and
// cancelled contexts are not retried.
func WithEnqueueRetry(q Queue, policy retry.Policy) Queue {
	return &retryingQueue{Queue: q, policy: policy}
}

func (r *retryingQueue) Enqueue(ctx context.Context, jobID string) error {
	return retry.Do(ctx, r.policy, isTransient, func() error {
		return r.Queue.Enqueue(ctx, jobID)
	})
}

func isTransient(err error) bool {
	return !errors.Is(err, ErrClosed) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
