package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/austindbirch/bunny_bridge/internal/logging"
)

var (
	// ErrChannelClosed is returned once the connection is gone.
	ErrChannelClosed = errors.New("broker: channel closed")
	// ErrNotConfirmed is returned when the broker nacks a confirmed publish.
	ErrNotConfirmed = errors.New("broker: publish not confirmed")
)

// amqpChannel is the subset of *amqp.Channel used by Conn.
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Cancel(consumer string, noWait bool) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// connection is the subset of *amqp.Connection used by Conn.
type connection interface {
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Factories overridable in tests.
var (
	dialAMQP       = amqp.Dial
	newDialBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
)

// DialMaxTries bounds the connection attempts made by Dial.
const DialMaxTries = 5

// Conn owns one AMQP connection with a regular channel (consume, ack, nack,
// get, unconfirmed publish) and a confirm-mode channel (confirmed publish).
type Conn struct {
	conn        connection
	ch          amqpChannel
	confirm     amqpChannel
	openChannel func() (amqpChannel, error)
	logger      *logging.Logger

	closing   atomic.Bool
	closed    chan error
	closeOnce sync.Once
}

// Dial connects to the broker, retrying with exponential backoff, and opens
// the regular and confirm channels.
func Dial(ctx context.Context, url string, logger *logging.Logger) (*Conn, error) {
	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		return dialAMQP(url)
	},
		backoff.WithBackOff(newDialBackOff()),
		backoff.WithMaxTries(DialMaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Plain().WithError(err).WithField("retry_in", next.String()).Warn("amqp connection failed, retrying")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	open := func() (amqpChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}

	ch, err := open()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	confirm, err := open()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open confirm channel: %w", err)
	}
	if err := confirm.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	return newConn(conn, ch, confirm, open, logger), nil
}

func newConn(conn connection, ch, confirm amqpChannel, open func() (amqpChannel, error), logger *logging.Logger) *Conn {
	c := &Conn{
		conn:        conn,
		ch:          ch,
		confirm:     confirm,
		openChannel: open,
		logger:      logger,
		closed:      make(chan error, 1),
	}
	c.watch(
		conn.NotifyClose(make(chan *amqp.Error, 1)),
		ch.NotifyClose(make(chan *amqp.Error, 1)),
		confirm.NotifyClose(make(chan *amqp.Error, 1)),
	)
	return c
}

// watch reports the first close carrying an error that was not requested
// through Close.
func (c *Conn) watch(sources ...chan *amqp.Error) {
	for _, src := range sources {
		go func(src chan *amqp.Error) {
			amqpErr, ok := <-src
			if !ok || amqpErr == nil || c.closing.Load() {
				return
			}
			c.closeOnce.Do(func() {
				c.closed <- amqpErr
			})
		}(src)
	}
}

// Closed delivers the first unexpected connection or channel close.
func (c *Conn) Closed() <-chan error {
	return c.closed
}

// Prefetch limits unacknowledged deliveries for the next registered consumer.
func (c *Conn) Prefetch(n int) error {
	if err := c.ch.Qos(n, 0, false); err != nil {
		return fmt.Errorf("set prefetch %d: %w", n, err)
	}
	return nil
}

// Consume registers a manual-ack consumer. Deliveries are passed to handler
// one by one; handler(nil) is called once the delivery stream ends.
func (c *Conn) Consume(queue, consumerTag string, handler Handler) error {
	deliveries, err := c.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	go func() {
		for d := range deliveries {
			handler(fromConsumed(d))
		}
		handler(nil)
	}()
	return nil
}

func (c *Conn) Ack(msg *Message) error {
	if err := c.ch.Ack(msg.DeliveryTag, false); err != nil {
		return fmt.Errorf("ack %d: %w", msg.DeliveryTag, err)
	}
	return nil
}

// Nack rejects the message and asks the broker to requeue it.
func (c *Conn) Nack(msg *Message) error {
	if err := c.ch.Nack(msg.DeliveryTag, false, true); err != nil {
		return fmt.Errorf("nack %d: %w", msg.DeliveryTag, err)
	}
	return nil
}

func (c *Conn) Cancel(consumerTag string) error {
	if err := c.ch.Cancel(consumerTag, false); err != nil {
		return fmt.Errorf("cancel consumer %s: %w", consumerTag, err)
	}
	return nil
}

// PublishToQueue publishes through the default exchange on the confirm
// channel and waits for the broker confirmation.
func (c *Conn) PublishToQueue(ctx context.Context, queue string, body []byte, props Properties) error {
	dc, err := c.confirm.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, toPublishing(body, props))
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	if dc == nil {
		return nil
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm from %s: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("publish to %s: %w", queue, ErrNotConfirmed)
	}
	return nil
}

// Send publishes through the default exchange without waiting for a confirm.
func (c *Conn) Send(ctx context.Context, queue string, body []byte, props Properties) error {
	if err := c.ch.PublishWithContext(ctx, "", queue, false, false, toPublishing(body, props)); err != nil {
		return fmt.Errorf("send to %s: %w", queue, err)
	}
	return nil
}

// Get fetches a single message with auto-ack. ok is false when the queue is empty.
func (c *Conn) Get(queue string) (*Message, bool, error) {
	d, ok, err := c.ch.Get(queue, true)
	if err != nil {
		return nil, false, fmt.Errorf("get from %s: %w", queue, err)
	}
	if !ok {
		return nil, false, nil
	}
	return fromGet(d), true, nil
}

// DeclareQueue asserts a durable queue.
func (c *Conn) DeclareQueue(queue string) error {
	if _, err := c.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return nil
}

// QueueDepth returns the number of ready messages in queue. The passive
// declare runs on a throwaway channel since a missing queue closes the
// channel it was issued on.
func (c *Conn) QueueDepth(queue string) (int, error) {
	ch, err := c.openChannel()
	if err != nil {
		return 0, fmt.Errorf("open inspection channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", queue, err)
	}
	return q.Messages, nil
}

// Ping reports whether the connection is still open.
func (c *Conn) Ping() error {
	if c.conn.IsClosed() {
		return ErrChannelClosed
	}
	return nil
}

// Close closes both channels and the connection. Close events caused by it
// are not reported on Closed.
func (c *Conn) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := c.confirm.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
