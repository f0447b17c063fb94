package deadletter

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-brokermonitor/internal/rabbitmq"
)

// Channel is the broker session an action runs on. Messages fetched with Get
// and not acknowledged are returned to their queue when the channel closes.
type Channel interface {
	// Get fetches the next message without acknowledging it. ok is false when the queue is empty.
	Get(queue string, autoAck bool) (msg amqp.Delivery, ok bool, err error)
	Ack(tag uint64, multiple bool) error
	// Publish sends msg to queue through the default exchange and waits for the broker to confirm it.
	// It returns ErrUnroutable when no such queue exists.
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
	// DeclareQueue creates a durable queue if it does not exist.
	DeclareQueue(name string) error
	Close() error
}

// ChannelOpener opens one Channel per action
type ChannelOpener interface {
	Open(ctx context.Context) (Channel, error)
}

// AMQPOpener opens confirm-mode channels on a managed RabbitMQ connection
type AMQPOpener struct {
	conn *rabbitmq.ConnectionManager
}

// NewAMQPOpener creates an opener on conn
func NewAMQPOpener(conn *rabbitmq.ConnectionManager) *AMQPOpener {
	return &AMQPOpener{conn: conn}
}

// Open implements ChannelOpener
func (o *AMQPOpener) Open(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ride out a reconnect in progress
	var ch *amqp.Channel
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 5), ctx)
	err := backoff.Retry(func() error {
		var err error
		ch, err = o.conn.Channel()
		if err != nil && !rabbitmq.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, &rabbitmq.ChannelError{Op: "confirm", Err: err, Timestamp: time.Now()}
	}

	return &amqpChannel{
		Channel: ch,
		returns: ch.NotifyReturn(make(chan amqp.Return, 1)),
	}, nil
}

type amqpChannel struct {
	*amqp.Channel
	returns chan amqp.Return
}

func (c *amqpChannel) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, "", queue, true, false, msg)
	if err != nil {
		return &rabbitmq.PublishError{RoutingKey: queue, Err: err, Timestamp: time.Now()}
	}

	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return &rabbitmq.PublishError{RoutingKey: queue, Err: err, Timestamp: time.Now()}
	}
	if !ok {
		return &rabbitmq.PublishError{RoutingKey: queue, Err: rabbitmq.ErrPublishNotConfirmed, Timestamp: time.Now()}
	}

	// basic.return precedes the ack of a mandatory publish
	select {
	case <-c.returns:
		return &rabbitmq.PublishError{RoutingKey: queue, Err: ErrUnroutable, Timestamp: time.Now()}
	default:
		return nil
	}
}

func (c *amqpChannel) DeclareQueue(name string) error {
	_, err := c.Channel.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return &rabbitmq.ChannelError{Op: "declare", Queue: name, Err: err, Timestamp: time.Now()}
	}
	return nil
}
