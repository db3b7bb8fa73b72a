package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/yashenkoxciv/image-moderation-platform/internal/config"
)

// AMQPQueue uses a durable RabbitMQ queue with manual acknowledgements.
// The receipt is the delivery tag. Unacked deliveries return to the queue
// when the channel closes or the broker's consumer timeout fires.
type AMQPQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	name    string

	consumeOnce sync.Once
	deliveries  <-chan amqp.Delivery
	consumeErr  error
}

// NewAMQPQueue dials the broker and declares the queue.
func NewAMQPQueue(cfg config.QueueConfig) (*AMQPQueue, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("amqp connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}

	_, err = ch.QueueDeclare(
		cfg.Name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp declare queue %s: %w", cfg.Name, err)
	}

	return &AMQPQueue{conn: conn, channel: ch, name: cfg.Name}, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, jobID string) error {
	err := q.channel.PublishWithContext(ctx,
		"",     // default exchange
		q.name, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType:  "text/plain",
			DeliveryMode: amqp.Persistent,
			Body:         []byte(jobID),
		},
	)
	if err != nil {
		return q.wrap("enqueue", err)
	}
	return nil
}

func (q *AMQPQueue) Receive(ctx context.Context) (*Message, error) {
	q.consumeOnce.Do(func() {
		q.deliveries, q.consumeErr = q.channel.Consume(
			q.name,
			"",    // consumer tag, generated by the broker
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,
		)
	})
	if q.consumeErr != nil {
		return nil, q.wrap("consume", q.consumeErr)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		return &Message{JobID: string(d.Body), Receipt: strconv.FormatUint(d.DeliveryTag, 10)}, nil
	}
}

func (q *AMQPQueue) Ack(_ context.Context, receipt string) error {
	tag, err := strconv.ParseUint(receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("ack %q: %w", receipt, ErrUnknownReceipt)
	}
	if err := q.channel.Ack(tag, false); err != nil {
		return q.wrap("ack", err)
	}
	return nil
}

func (q *AMQPQueue) Nack(_ context.Context, receipt string) error {
	tag, err := strconv.ParseUint(receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("nack %q: %w", receipt, ErrUnknownReceipt)
	}
	if err := q.channel.Nack(tag, false, true); err != nil {
		return q.wrap("nack", err)
	}
	return nil
}

func (q *AMQPQueue) Ping(context.Context) error {
	if q.conn.IsClosed() || q.channel.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (q *AMQPQueue) Close() error {
	chErr := q.channel.Close()
	connErr := q.conn.Close()
	if chErr != nil && !errors.Is(chErr, amqp.ErrClosed) {
		return chErr
	}
	if connErr != nil && !errors.Is(connErr, amqp.ErrClosed) {
		return connErr
	}
	return nil
}

func (q *AMQPQueue) wrap(op string, err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}
