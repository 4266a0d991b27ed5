package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/opsmailer/mailing-service/internal/logger"
)

// HandlerFunc processes one delivery. A nil return acknowledges the
// message; an error rejects it without requeue, which the main queue's DLX
// routes to the dead-letter queue. Handlers that want a deferred retry
// publish to a retry queue themselves and return nil, and handlers
// interrupted before reaching a decision wrap the cause with Requeue.
type HandlerFunc func(ctx context.Context, d amqp.Delivery) error

// requeueError marks a failure where the delivery must go back to the main
// queue instead of the DLX: shutdown caught the handler mid-job, or a retry
// republish failed and dead-lettering the original would lose the job.
type requeueError struct {
	err error
}

func (e *requeueError) Error() string { return e.err.Error() }
func (e *requeueError) Unwrap() error { return e.err }

// Requeue wraps err so the consumer nacks the delivery with requeue=true.
func Requeue(err error) error { return &requeueError{err: err} }

// IsRequeue reports whether err carries the requeue marker.
func IsRequeue(err error) bool {
	var rerr *requeueError
	return errors.As(err, &rerr)
}

type Consumer struct {
	client  *Client
	queue   string
	tag     string
	handler HandlerFunc
	log     zerolog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func NewConsumer(client *Client, queue, tag string, handler HandlerFunc) *Consumer {
	return &Consumer{
		client:  client,
		queue:   queue,
		tag:     tag,
		handler: handler,
		log:     logger.Component("consumer"),
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if c.handler == nil {
		return errors.New("nil delivery handler")
	}

	c.running = true
	c.done = make(chan struct{})
	go c.run(ctx)
	return nil
}

// Stop cancels the broker-side consumer and waits until the in-flight
// delivery, if any, has been handled.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	done := c.done
	c.mu.Unlock()

	if err := c.client.cancelConsumer(c.tag); err != nil {
		c.log.Warn().Err(err).Msg("cancel consumer failed")
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !c.isRunning() {
			return
		}

		deliveries, err := c.client.consume(c.queue, c.tag)
		if err != nil {
			c.log.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("consume setup failed")
			if !sleepOrDone(ctx, reconnectDelay) {
				return
			}
			continue
		}
		c.log.Info().Str("queue", c.queue).Msg("consumer ready")

		c.consumeLoop(ctx, deliveries)

		select {
		case <-ctx.Done():
			return
		default:
		}
		if !c.isRunning() {
			return
		}

		// Deliveries close when the connection drops; the client supervisor
		// is already redialing.
		c.log.Warn().Dur("retry_in", reconnectDelay).Msg("deliveries closed, waiting for reconnect")
		if !sleepOrDone(ctx, reconnectDelay) {
			return
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}

			start := time.Now()
			if err := c.handler(ctx, d); err != nil {
				var rerr *requeueError
				if errors.As(err, &rerr) {
					_ = d.Nack(false, true)
					c.log.Warn().
						Err(err).
						Str("message_id", d.MessageId).
						Dur("took", time.Since(start)).
						Msg("delivery requeued")
					continue
				}
				// requeue=false: the DLX carries the message to the DLQ. If
				// the channel is already dead the broker requeues the
				// unacked delivery on its own.
				_ = d.Nack(false, false)
				c.log.Error().
					Err(err).
					Str("message_id", d.MessageId).
					Dur("took", time.Since(start)).
					Msg("delivery rejected")
				continue
			}

			_ = d.Ack(false)
			c.log.Debug().
				Str("message_id", d.MessageId).
				Dur("took", time.Since(start)).
				Msg("delivery acknowledged")
		}
	}
}

func (c *Consumer) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
