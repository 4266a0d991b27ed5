package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/opsmailer/mailing-service/internal/logger"
	"github.com/opsmailer/mailing-service/internal/metrics"
)

// reconnectDelay is deliberately fixed, not exponential: the broker is a
// hard dependency and a steady 5 s probe keeps recovery time predictable.
const reconnectDelay = 5 * time.Second

var (
	ErrNotConnected = errors.New("broker not connected")
	ErrClosed       = errors.New("broker client closed")
)

type Config struct {
	URL            string
	Prefetch       int
	ConfirmTimeout time.Duration
}

// Client owns the single broker connection and its two channels: one for
// consuming, one for publishing with confirms. A channel error on the
// publish side must never kill the consumer, hence the split.
type Client struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	conn       *amqp.Connection
	chConsume  *amqp.Channel
	chPublish  *amqp.Channel
	confirmCh  <-chan amqp.Confirmation
	returnCh   <-chan amqp.Return
	connClosed chan *amqp.Error
	live       bool
	closed     bool

	done chan struct{}
}

// Connect dials, declares the topology and arms confirms. The first
// attempt is synchronous so a topology mismatch aborts startup instead of
// being retried forever; after that a supervisor goroutine redials on
// connection loss.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}

	c := &Client{
		cfg:  cfg,
		log:  logger.Component("rabbitmq"),
		done: make(chan struct{}),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}

	go c.supervise(ctx)
	return c, nil
}

// Live reports whether the channels are currently usable. Pollers check it
// to skip a tick instead of burning attempts during an outage.
func (c *Client) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeLocked()
	c.mu.Unlock()

	<-c.done
	return nil
}

func (c *Client) connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("broker dial: %w", err)
	}

	chConsume, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open consume channel: %w", err)
	}

	chPublish, err := conn.Channel()
	if err != nil {
		_ = chConsume.Close()
		_ = conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}

	if err := declareTopology(chConsume); err != nil {
		_ = chPublish.Close()
		_ = chConsume.Close()
		_ = conn.Close()
		return err
	}

	if c.cfg.Prefetch > 0 {
		if err := chConsume.Qos(c.cfg.Prefetch, 0, false); err != nil {
			_ = chPublish.Close()
			_ = chConsume.Close()
			_ = conn.Close()
			return fmt.Errorf("set qos: %w", err)
		}
	}

	if err := chPublish.Confirm(false); err != nil {
		_ = chPublish.Close()
		_ = chConsume.Close()
		_ = conn.Close()
		return fmt.Errorf("enable confirm mode: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = chPublish.Close()
		_ = chConsume.Close()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.chConsume = chConsume
	c.chPublish = chPublish
	// Registered after Confirm; capacity 1 because publishes are serialized
	// under the client mutex.
	c.confirmCh = chPublish.NotifyPublish(make(chan amqp.Confirmation, 1))
	c.returnCh = chPublish.NotifyReturn(make(chan amqp.Return, 1))
	c.connClosed = conn.NotifyClose(make(chan *amqp.Error, 1))
	c.live = true
	c.mu.Unlock()

	c.log.Info().Int("prefetch", c.cfg.Prefetch).Msg("broker connected, topology declared")
	return nil
}

func (c *Client) supervise(ctx context.Context) {
	defer close(c.done)

	for {
		c.mu.Lock()
		notify := c.connClosed
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		select {
		case <-ctx.Done():
			return
		case amqpErr := <-notify:
			if c.isClosed() {
				return
			}
			c.markDown()
			c.log.Warn().Err(amqpErr).Dur("backoff", reconnectDelay).Msg("broker connection lost")
		}

		for {
			if !sleepOrDone(ctx, reconnectDelay) {
				return
			}
			if c.isClosed() {
				return
			}

			err := c.connect()
			if err == nil {
				metrics.RecordBrokerReconnect()
				c.log.Info().Msg("broker connection restored")
				break
			}
			if errors.Is(err, ErrClosed) {
				return
			}
			if isPreconditionFailed(err) {
				c.log.Error().Err(err).Msg("broker topology mismatch, supervisor stopped; fix the queue arguments and restart")
				return
			}
			c.log.Warn().Err(err).Dur("backoff", reconnectDelay).Msg("broker reconnect failed")
		}
	}
}

// publish sends one message through the exchange and blocks until the
// broker confirms it, a Return reports it unroutable, or the window runs
// out. The mutex serializes publishes so the next confirmation always
// belongs to this publish.
func (c *Client) publish(ctx context.Context, routingKey, messageID string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.live || c.chPublish == nil {
		return ErrNotConnected
	}

	err := c.chPublish.PublishWithContext(ctx,
		Exchange,
		routingKey,
		true,  // mandatory: surface NO_ROUTE via the return channel
		false, // immediate
		amqp.Publishing{
			MessageId:    messageID,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", routingKey, err)
	}

	return c.waitAckOrReturn(ctx, routingKey)
}

func (c *Client) waitAckOrReturn(ctx context.Context, routingKey string) error {
	timer := time.NewTimer(c.cfg.ConfirmTimeout)
	defer timer.Stop()

	var returned *amqp.Return
	for {
		select {
		case r := <-c.returnCh:
			// A Return precedes its confirm. Remember it and keep waiting so
			// the trailing ack cannot leak into the next publish.
			returned = &r

		case conf := <-c.confirmCh:
			if returned != nil {
				return fmt.Errorf("no route for %q: %s", returned.RoutingKey, returned.ReplyText)
			}
			if !conf.Ack {
				return fmt.Errorf("broker nacked publish to %q", routingKey)
			}
			return nil

		case <-timer.C:
			return fmt.Errorf("no confirm for publish to %q within %s", routingKey, c.cfg.ConfirmTimeout)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consume registers a consumer on the consume channel. The returned
// deliveries channel closes when the connection drops; callers loop and
// call consume again once the supervisor has redialed.
func (c *Client) consume(queue, tag string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if !c.live || c.chConsume == nil {
		return nil, ErrNotConnected
	}

	deliveries, err := c.chConsume.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, nil
}

// cancelConsumer asks the broker to stop sending to the tag. Buffered
// deliveries still drain, so in-flight work finishes before the consumer's
// channel closes.
func (c *Client) cancelConsumer(tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chConsume == nil {
		return nil
	}
	return c.chConsume.Cancel(tag, false)
}

func (c *Client) markDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = false
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) closeLocked() {
	c.live = false
	if c.chPublish != nil {
		_ = c.chPublish.Close()
		c.chPublish = nil
	}
	if c.chConsume != nil {
		_ = c.chConsume.Close()
		c.chConsume = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
