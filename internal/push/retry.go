package push

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/bunny_bridge/internal/broker"
	"github.com/austindbirch/bunny_bridge/internal/journal"
	"github.com/austindbirch/bunny_bridge/internal/logging"
	"github.com/austindbirch/bunny_bridge/internal/tracing"
)

// deadLetterTimeout bounds the confirmed publish to a dead letter queue.
const deadLetterTimeout = 10 * time.Second

type plannedRetry struct {
	msg     *broker.Message
	attempt int
	last    Result
	timer   *time.Timer
}

// RetryManager schedules delivery retries for one subscriber and hands
// messages that exhaust the retry budget to the dead letter policy.
//
// A message has at most one planned retry: a record leaves the pending set
// when its timer fires, before the push is issued, and a new record is only
// created from the outcome of that push.
type RetryManager struct {
	cfg              Config
	ch               Channel
	pusher           Pusher
	policy           DeadLetterPolicy
	backoff          Backoff
	metrics          Metrics
	journal          Journal
	logger           *logging.Logger
	onTransportError func(error)

	mu       sync.Mutex
	pending  map[*plannedRetry]struct{}
	stopped  bool
	connLost bool

	inFlight atomic.Int64
}

// NewRetryManager validates the backoff and dead letter settings of cfg.
func NewRetryManager(cfg Config, ch Channel, pusher Pusher, opts ...Option) (*RetryManager, error) {
	return newRetryManager(cfg, ch, pusher, buildOptions(opts))
}

func newRetryManager(cfg Config, ch Channel, pusher Pusher, o *options) (*RetryManager, error) {
	backoff := o.backoff
	if backoff == nil {
		var err error
		if backoff, err = ParseBackoff(cfg.BackoffStrategy, o.rand); err != nil {
			return nil, err
		}
	}
	policy, err := ParseDeadLetterPolicy(cfg.DeadLetterPolicy, cfg.DeadLetterQueueName)
	if err != nil {
		return nil, err
	}
	return &RetryManager{
		cfg:              cfg,
		ch:               ch,
		pusher:           pusher,
		policy:           policy,
		backoff:          backoff,
		metrics:          o.metrics,
		journal:          o.journal,
		logger:           o.logger,
		onTransportError: o.onTransportError,
		pending:          make(map[*plannedRetry]struct{}),
	}, nil
}

// Policy returns the dead letter policy in use.
func (r *RetryManager) Policy() DeadLetterPolicy { return r.policy }

// Pending returns the number of scheduled retries.
func (r *RetryManager) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// InFlight returns the number of retry pushes awaiting a response.
func (r *RetryManager) InFlight() int {
	return int(r.inFlight.Load())
}

// traced is entry with the trace id carried by ctx.
func (r *RetryManager) traced(ctx context.Context, msg *broker.Message) *logging.LogEntry {
	return r.entry(msg).WithTraceID(tracing.GetTraceID(ctx))
}

func (r *RetryManager) entry(msg *broker.Message) *logging.LogEntry {
	return r.logger.Plain().
		WithQueue(r.cfg.QueueName).
		WithTarget(r.cfg.Target).
		WithMessage(msg.Properties.MessageID)
}

// PlanDeliveryRetry schedules retry number attempt for msg, or dead letters
// it right away when attempt exceeds the retry budget. last is the failed
// attempt that led here.
func (r *RetryManager) PlanDeliveryRetry(msg *broker.Message, attempt int, last Result) {
	r.mu.Lock()
	if r.stopped {
		connLost := r.connLost
		r.mu.Unlock()
		r.entry(msg).WithField("attempt", attempt).Debug("subscriber stopped, not planning delivery retry")
		if !connLost {
			r.report(r.ch.Nack(msg))
		}
		return
	}
	if attempt > r.cfg.Retries {
		r.mu.Unlock()
		r.deadLetter(msg, attempt, last)
		return
	}

	pr := &plannedRetry{msg: msg, attempt: attempt, last: last}
	delay := r.backoff(r.cfg.RetryDelay, attempt)
	r.pending[pr] = struct{}{}
	pr.timer = time.AfterFunc(delay, func() { r.fire(pr) })
	r.mu.Unlock()

	r.entry(msg).WithFields(map[string]any{
		"attempt": attempt,
		"delay":   delay.String(),
	}).Debug("delivery retry planned")
}

func (r *RetryManager) fire(pr *plannedRetry) {
	r.mu.Lock()
	if _, ok := r.pending[pr]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, pr)
	r.inFlight.Add(1)
	r.mu.Unlock()

	ctx := tracing.ExtractTraceFromHeaders(context.Background(), pr.msg.StringHeaders())
	ctx, span := tracing.StartSpan(ctx, "push.retry",
		attribute.String("queue", r.cfg.QueueName),
		attribute.String("message_id", pr.msg.Properties.MessageID),
		attribute.Int("attempt", pr.attempt),
	)
	defer span.End()

	r.traced(ctx, pr.msg).WithField("attempt", pr.attempt).Info("retrying message delivery")

	res := r.pusher.Push(ctx, pr.msg)
	r.inFlight.Add(-1)

	if res.OK() {
		tracing.AddSpanEvent(ctx, "delivery.retry.succeeded", attribute.Int("http.status_code", res.Status))
		r.traced(ctx, pr.msg).WithField("attempt", pr.attempt).Info("message delivery retry succeeded")
		r.ack(pr.msg)
		return
	}
	tracing.AddSpanEvent(ctx, "delivery.retry.failed",
		attribute.String("reason", res.Reason()),
		attribute.String("class", res.Class()),
	)
	r.traced(ctx, pr.msg).WithFields(map[string]any{
		"attempt": pr.attempt,
		"reason":  res.Reason(),
		"class":   res.Class(),
	}).Warn("message delivery retry failed")
	r.PlanDeliveryRetry(pr.msg, pr.attempt+1, res)
}

func (r *RetryManager) deadLetter(msg *broker.Message, attempts int, last Result) {
	r.metrics.RecordDeadMessage(r.cfg.QueueName, r.cfg.Target)

	ctx, cancel := context.WithTimeout(context.Background(), deadLetterTimeout)
	defer cancel()
	ctx = tracing.ExtractTraceFromHeaders(ctx, msg.StringHeaders())
	ctx, span := tracing.StartSpan(ctx, "push.dead_letter",
		attribute.String("queue", r.cfg.QueueName),
		attribute.String("message_id", msg.Properties.MessageID),
	)
	defer span.End()

	r.traced(ctx, msg).WithFields(map[string]any{
		"attempts": attempts,
		"policy":   r.policy.String(),
	}).Warnf("maximum number of delivery retries exceeded, %s", r.policy.Describe())

	d := r.policy.Handle(ctx, r.ch, msg)
	if d.RouteErr != nil {
		r.traced(ctx, msg).WithError(d.RouteErr).WithField("dlq", r.policy.Queue).Error("dead letter publish failed, nacking message")
	}
	tracing.AddSpanEvent(ctx, "delivery.dead_lettered",
		attribute.String("policy", r.policy.String()),
		attribute.String("outcome", string(d.Outcome)),
		attribute.Int("attempts", attempts),
	)
	r.report(d.Err)

	if r.journal == nil {
		return
	}
	dl := journal.NewDeadLetter(r.cfg.QueueName, r.cfg.Target, msg.Properties.MessageID,
		msg.Properties.CorrelationID, attempts, last.Status, last.Reason())
	dl.Policy = r.policy.String()
	dl.Disposition = string(d.Outcome)
	if err := r.journal.Record(ctx, dl); err != nil {
		r.entry(msg).WithError(err).Warn("dead letter journal write failed")
	}
}

// ack settles a delivered message unless the connection is known to be gone.
func (r *RetryManager) ack(msg *broker.Message) {
	r.mu.Lock()
	connLost := r.connLost
	r.mu.Unlock()
	if connLost {
		r.entry(msg).Debug("connection lost, skipping ack")
		return
	}
	r.report(r.ch.Ack(msg))
}

func (r *RetryManager) report(err error) {
	if err != nil {
		r.onTransportError(err)
	}
}

// CancelPlannedDeliveryRetries stops every pending timer and empties the
// pending set. Unless the cancellation stems from a connection failure the
// pending messages are nacked so the broker redelivers them.
func (r *RetryManager) CancelPlannedDeliveryRetries(isConnectionFailure bool) {
	r.mu.Lock()
	r.stopped = true
	if isConnectionFailure {
		r.connLost = true
	}
	pending := r.pending
	r.pending = make(map[*plannedRetry]struct{})
	for pr := range pending {
		pr.timer.Stop()
	}
	r.mu.Unlock()

	if len(pending) > 0 {
		r.logger.Plain().WithQueue(r.cfg.QueueName).WithFields(map[string]any{
			"pending":            len(pending),
			"connection_failure": isConnectionFailure,
		}).Info("cancelled planned delivery retries")
	}
	if isConnectionFailure {
		return
	}
	for pr := range pending {
		r.report(r.ch.Nack(pr.msg))
	}
}

// resume clears the stopped state before a restart.
func (r *RetryManager) resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = false
	r.connLost = false
}
