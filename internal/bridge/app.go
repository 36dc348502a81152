package bridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/austindbirch/bunny_bridge/internal/consumer"
	"github.com/austindbirch/bunny_bridge/internal/logging"
	"github.com/austindbirch/bunny_bridge/internal/publisher"
	"github.com/austindbirch/bunny_bridge/internal/push"
)

// Transport is everything the bridge needs from the broker connection.
// *broker.Conn implements it.
type Transport interface {
	push.Channel
	publisher.Transport
	consumer.Source
	QueueDepth(queue string) (int, error)
	Ping() error
	Closed() <-chan error
	Close() error
}

// Subscriber is the part of *push.Subscriber the shutdown coordinator drives.
type Subscriber interface {
	Start() error
	Stop(isConnectionFailure bool) error
	InFlight() int
	RetryInFlight() int
	Config() push.Config
}

type Options struct {
	// DrainRetries is the number of in-flight polls before the connection
	// is closed forcibly.
	DrainRetries int
	// DrainInterval separates two polls.
	DrainInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.DrainRetries <= 0 {
		o.DrainRetries = 5
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = time.Second
	}
	return o
}

// App is the process wide state shared by the HTTP surface, the subscribers
// and the shutdown coordinator. It is created once at startup and torn down
// after the broker connection is closed.
type App struct {
	conn   Transport
	logger *logging.Logger
	opts   Options

	mu          sync.RWMutex
	subscribers []Subscriber
	publishers  []*publisher.Publisher
	consumers   []*consumer.Consumer

	pending       atomic.Bool
	errorShutdown atomic.Bool

	fatal     chan error
	closeOnce sync.Once
	closeErr  error
}

func New(conn Transport, logger *logging.Logger, opts Options) *App {
	if logger == nil {
		logger = logging.Nop()
	}
	return &App{
		conn:   conn,
		logger: logger,
		opts:   opts.withDefaults(),
		fatal:  make(chan error, 1),
	}
}

func (a *App) Conn() Transport { return a.conn }

// AddPublisher asserts the publisher's queue and makes it available to the
// HTTP surface.
func (a *App) AddPublisher(p *publisher.Publisher) error {
	if err := p.AssertQueue(); err != nil {
		return fmt.Errorf("assert publisher queue: %w", err)
	}
	a.mu.Lock()
	a.publishers = append(a.publishers, p)
	a.mu.Unlock()
	return nil
}

func (a *App) AddConsumer(c *consumer.Consumer) {
	a.mu.Lock()
	a.consumers = append(a.consumers, c)
	a.mu.Unlock()
}

func (a *App) AddSubscriber(s Subscriber) {
	a.mu.Lock()
	a.subscribers = append(a.subscribers, s)
	a.mu.Unlock()
}

func (a *App) Publishers() []*publisher.Publisher {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*publisher.Publisher(nil), a.publishers...)
}

func (a *App) Consumers() []*consumer.Consumer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*consumer.Consumer(nil), a.consumers...)
}

func (a *App) Subscribers() []Subscriber {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Subscriber(nil), a.subscribers...)
}

// StartSubscribers starts every subscriber one after the other. Prefetch is
// scoped to the next consumer registered on the shared channel, so starts
// must not overlap.
func (a *App) StartSubscribers() error {
	for _, s := range a.Subscribers() {
		if err := s.Start(); err != nil {
			return err
		}
		cfg := s.Config()
		a.logger.Plain().
			WithQueue(cfg.QueueName).
			WithTarget(cfg.Target).
			WithFields(map[string]any{
				"prefetch":           cfg.Prefetch,
				"retries":            cfg.Retries,
				"backoff_strategy":   cfg.BackoffStrategy,
				"dead_letter_policy": cfg.DeadLetterPolicy,
			}).
			Info("subscriber registered")
	}
	return nil
}

// ShutdownPending reports whether a graceful shutdown has begun. The HTTP
// surface answers 503 while it is set.
func (a *App) ShutdownPending() bool { return a.pending.Load() }

// ErrorShutdown reports whether the broker connection failed unexpectedly.
func (a *App) ErrorShutdown() bool { return a.errorShutdown.Load() }

// MarkPending flags the start of a graceful shutdown.
func (a *App) MarkPending() {
	if a.pending.CompareAndSwap(false, true) {
		a.logger.Plain().Info("Starting graceful shutdown sequence.")
	}
}

// Fatal delivers the error that triggered an error shutdown.
func (a *App) Fatal() <-chan error { return a.fatal }

// HandleTransportClose reacts to the broker connection or a channel closing.
// Outside of a pending shutdown it switches the app into error shutdown.
func (a *App) HandleTransportClose(err error) {
	if a.pending.Load() {
		a.logger.Plain().WithError(err).Info("AMQP connection was closed.")
		return
	}
	if !a.errorShutdown.CompareAndSwap(false, true) {
		return
	}
	a.logger.Plain().WithError(err).Fatal("AMQP connection was closed unexpectedly. Bridge is shutting down")
	if err == nil {
		err = errors.New("broker connection closed")
	}
	a.fatal <- err
}

// HandleTransportError is called when an ack, nack, cancel or publish fails.
// The channel is no longer trustworthy, so it is treated as a close.
func (a *App) HandleTransportError(err error) {
	a.logger.Plain().WithError(err).Error("broker operation failed")
	a.HandleTransportClose(err)
}

// Watch forwards close notifications from the transport until done is closed.
func (a *App) Watch(done <-chan struct{}) {
	go func() {
		select {
		case err, ok := <-a.conn.Closed():
			if ok {
				a.HandleTransportClose(err)
			}
		case <-done:
		}
	}()
}

// InFlight sums direct and retry pushes across all subscribers.
func (a *App) InFlight() int {
	n := 0
	for _, s := range a.Subscribers() {
		n += s.InFlight() + s.RetryInFlight()
	}
	return n
}

func (a *App) closeConn() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.conn.Close()
	})
	return a.closeErr
}
