package push

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/austindbirch/bunny_bridge/internal/broker"
	"github.com/austindbirch/bunny_bridge/internal/logging"
	"github.com/austindbirch/bunny_bridge/internal/tracing"
)

// State is the lifecycle state of a Subscriber.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Subscriber consumes one queue and pushes every message to its target.
// Failed pushes are handed to the RetryManager.
type Subscriber struct {
	cfg         Config
	ch          Channel
	pusher      Pusher
	retries     *RetryManager
	metrics     Metrics
	logger      *logging.Logger
	consumerTag string

	state    atomic.Int32
	inFlight atomic.Int64
}

// New validates cfg and builds a stopped subscriber.
func New(cfg Config, ch Channel, opts ...Option) (*Subscriber, error) {
	if err := validateTarget(cfg.Target); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	pusher := o.pusher
	if pusher == nil {
		pusher = NewSender(cfg.QueueName, cfg.Target, cfg.Timeout, o.client, o.metrics)
	}
	retries, err := newRetryManager(cfg, ch, pusher, o)
	if err != nil {
		return nil, fmt.Errorf("subscriber %s: %w", cfg.QueueName, err)
	}
	return &Subscriber{
		cfg:         cfg,
		ch:          ch,
		pusher:      pusher,
		retries:     retries,
		metrics:     o.metrics,
		logger:      o.logger,
		consumerTag: uuid.NewString(),
	}, nil
}

func (s *Subscriber) Config() Config         { return s.cfg }
func (s *Subscriber) ConsumerTag() string    { return s.consumerTag }
func (s *Subscriber) State() State           { return State(s.state.Load()) }
func (s *Subscriber) Retries() *RetryManager { return s.retries }

// InFlight returns the number of direct pushes awaiting a response.
func (s *Subscriber) InFlight() int { return int(s.inFlight.Load()) }

// RetryInFlight returns the number of retry pushes awaiting a response.
func (s *Subscriber) RetryInFlight() int { return s.retries.InFlight() }

// Start sets the prefetch limit and registers the consumer. Prefetch applies
// to the next consumer registered on the channel, so callers sharing a
// channel must not start subscribers concurrently.
func (s *Subscriber) Start() error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("subscriber %s: cannot start while %s", s.cfg.QueueName, s.State())
	}
	s.logger.Plain().
		WithQueue(s.cfg.QueueName).
		WithTarget(s.cfg.Target).
		WithField("consumer_tag", s.consumerTag).
		Info("starting subscriber")

	s.retries.resume()
	if err := s.ch.Prefetch(s.cfg.Prefetch); err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("subscriber %s: %w", s.cfg.QueueName, err)
	}
	if err := s.ch.Consume(s.cfg.QueueName, s.consumerTag, s.HandleMessage); err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("subscriber %s: %w", s.cfg.QueueName, err)
	}
	s.state.Store(int32(StateRunning))
	s.logger.Plain().WithQueue(s.cfg.QueueName).Debug("subscriber started")
	return nil
}

// Stop cancels planned retries and, unless the connection failed, cancels
// the consumer so no new deliveries arrive. Pushes already in flight run to
// completion.
func (s *Subscriber) Stop(isConnectionFailure bool) error {
	prev := State(s.state.Swap(int32(StateStopping)))
	s.logger.Plain().
		WithQueue(s.cfg.QueueName).
		WithTarget(s.cfg.Target).
		WithFields(map[string]any{
			"consumer_tag":       s.consumerTag,
			"connection_failure": isConnectionFailure,
		}).
		Info("stopping subscriber")

	s.retries.CancelPlannedDeliveryRetries(isConnectionFailure)

	var err error
	if !isConnectionFailure && (prev == StateRunning || prev == StateStarting) {
		if err = s.ch.Cancel(s.consumerTag); err != nil {
			err = fmt.Errorf("subscriber %s: %w", s.cfg.QueueName, err)
		}
	}
	s.state.Store(int32(StateStopped))
	return err
}

// HandleMessage is the consumer callback. A nil message means the delivery
// stream ended and is ignored.
func (s *Subscriber) HandleMessage(msg *broker.Message) {
	if msg == nil {
		s.logger.Plain().WithQueue(s.cfg.QueueName).Debug("delivery stream closed")
		return
	}
	s.logger.Plain().
		WithQueue(s.cfg.QueueName).
		WithMessage(msg.Properties.MessageID).
		WithField("redelivered", msg.Redelivered).
		Trace("received message")

	s.inFlight.Add(1)
	go s.deliver(msg)
}

func (s *Subscriber) deliver(msg *broker.Message) {
	ctx := tracing.ExtractTraceFromHeaders(context.Background(), msg.StringHeaders())
	res := s.pusher.Push(ctx, msg)
	s.inFlight.Add(-1)

	entry := s.logger.WithContext(ctx).
		WithQueue(s.cfg.QueueName).
		WithTarget(s.cfg.Target).
		WithMessage(msg.Properties.MessageID)

	if res.OK() {
		entry.Debug("message delivered, acknowledging")
		s.retries.ack(msg)
		return
	}
	s.metrics.RecordFailedDelivery(s.cfg.QueueName, s.cfg.Target)
	entry.WithFields(map[string]any{
		"reason": res.Reason(),
		"class":  res.Class(),
	}).Warn("message delivery failed")
	s.retries.PlanDeliveryRetry(msg, 1, res)
}
