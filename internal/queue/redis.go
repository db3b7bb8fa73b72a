package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/yashenkoxciv/image-moderation-platform/internal/config"
)

// receiveScript moves expired in-flight deliveries back to the head of the
// ready list, then pops one job id and records it as in flight.
//
// KEYS: ready, inflight, receipts. ARGV: now_ms, deadline_ms, receipt.
var receiveScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, r in ipairs(expired) do
	local id = redis.call('HGET', KEYS[3], r)
	if id then
		redis.call('LPUSH', KEYS[1], id)
	end
	redis.call('ZREM', KEYS[2], r)
	redis.call('HDEL', KEYS[3], r)
end
local id = redis.call('LPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[3], id)
return id
`)

// KEYS: inflight, receipts. ARGV: receipt.
var ackScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return removed
`)

// KEYS: ready, inflight, receipts. ARGV: receipt.
var nackScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[3], ARGV[1])
if not id then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('RPUSH', KEYS[1], id)
return 1
`)

// RedisQueue keeps ready job ids in a list, in-flight receipts in a sorted
// set scored by their visibility deadline and receipt → job id in a hash.
// Every state change runs as a single Lua script.
type RedisQueue struct {
	client       *redis.Client
	visibility   time.Duration
	pollInterval time.Duration

	readyKey    string
	inflightKey string
	receiptsKey string
}

// NewRedisQueue creates a RedisQueue from a Redis URL.
func NewRedisQueue(redisURL string, cfg config.QueueConfig) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return newRedisQueue(redis.NewClient(opts), cfg), nil
}

func newRedisQueue(client *redis.Client, cfg config.QueueConfig) *RedisQueue {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &RedisQueue{
		client:       client,
		visibility:   cfg.VisibilityTimeout,
		pollInterval: poll,
		readyKey:     fmt.Sprintf("queue:{%s}:ready", cfg.Name),
		inflightKey:  fmt.Sprintf("queue:{%s}:inflight", cfg.Name),
		receiptsKey:  fmt.Sprintf("queue:{%s}:receipts", cfg.Name),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.client.RPush(ctx, q.readyKey, jobID).Err(); err != nil {
		return q.wrap("enqueue", err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context) (*Message, error) {
	for {
		msg, err := q.tryReceive(ctx)
		if err != nil || msg != nil {
			return msg, err
		}

		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *RedisQueue) tryReceive(ctx context.Context) (*Message, error) {
	now := time.Now()
	receipt := uuid.NewString()
	jobID, err := receiveScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey, q.receiptsKey},
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(), receipt,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, q.wrap("receive", err)
	}
	return &Message{JobID: jobID, Receipt: receipt}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, receipt string) error {
	removed, err := ackScript.Run(ctx, q.client, []string{q.inflightKey, q.receiptsKey}, receipt).Int()
	if err != nil {
		return q.wrap("ack", err)
	}
	if removed == 0 {
		return ErrUnknownReceipt
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, receipt string) error {
	moved, err := nackScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey, q.receiptsKey}, receipt).Int()
	if err != nil {
		return q.wrap("nack", err)
	}
	if moved == 0 {
		return ErrUnknownReceipt
	}
	return nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) wrap(op string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}
