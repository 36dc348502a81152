package push

import (
	"context"
	"fmt"

	"github.com/austindbirch/bunny_bridge/internal/broker"
)

// Channel is the transport surface used by the delivery subsystem.
type Channel interface {
	Prefetch(n int) error
	Consume(queue, consumerTag string, handler broker.Handler) error
	Ack(msg *broker.Message) error
	Nack(msg *broker.Message) error
	Cancel(consumerTag string) error
	PublishToQueue(ctx context.Context, queue string, body []byte, props broker.Properties) error
}

// DeadLetterKind selects the terminal disposition of an exhausted message.
type DeadLetterKind int

const (
	Requeue DeadLetterKind = iota
	Discard
	RouteToQueue
)

// Dead letter policy names accepted by ParseDeadLetterPolicy.
const (
	PolicyRequeue = "requeue"
	PolicyDiscard = "discard"
	PolicyDLQ     = "dlq"
)

var DeadLetterPolicies = []string{PolicyRequeue, PolicyDiscard, PolicyDLQ}

// DeadLetterPolicy is a tagged variant; Queue is set only for RouteToQueue.
type DeadLetterPolicy struct {
	Kind  DeadLetterKind
	Queue string
}

func ParseDeadLetterPolicy(name, queue string) (DeadLetterPolicy, error) {
	switch name {
	case PolicyRequeue:
		return DeadLetterPolicy{Kind: Requeue}, nil
	case PolicyDiscard:
		return DeadLetterPolicy{Kind: Discard}, nil
	case PolicyDLQ:
		if queue == "" {
			return DeadLetterPolicy{}, ErrMissingDeadLetterQueue
		}
		return DeadLetterPolicy{Kind: RouteToQueue, Queue: queue}, nil
	}
	return DeadLetterPolicy{}, fmt.Errorf("%w: %s", ErrInvalidDeadLetterPolicy, name)
}

func (p DeadLetterPolicy) String() string {
	switch p.Kind {
	case Discard:
		return PolicyDiscard
	case RouteToQueue:
		return PolicyDLQ
	default:
		return PolicyRequeue
	}
}

// Describe returns a human readable description of the policy behavior.
func (p DeadLetterPolicy) Describe() string {
	switch p.Kind {
	case Discard:
		return "discarding (acking) message"
	case RouteToQueue:
		return fmt.Sprintf("sending message to DLQ %s and discarding (acking)", p.Queue)
	default:
		return "requeuing (nacking) message"
	}
}

// Outcome is the transport action a disposition ended with.
type Outcome string

const (
	OutcomeAcked  Outcome = "acked"
	OutcomeNacked Outcome = "nacked"
	OutcomeRouted Outcome = "routed"
)

// Disposition reports how a dead message was handled. RouteErr is set when
// publishing to the dead letter queue failed and the message was nacked
// instead; Err is set when the ack or nack itself failed.
type Disposition struct {
	Outcome  Outcome
	RouteErr error
	Err      error
}

// Handle applies the policy to msg.
func (p DeadLetterPolicy) Handle(ctx context.Context, ch Channel, msg *broker.Message) Disposition {
	switch p.Kind {
	case Discard:
		return Disposition{Outcome: OutcomeAcked, Err: ch.Ack(msg)}
	case RouteToQueue:
		if err := ch.PublishToQueue(ctx, p.Queue, msg.Body, msg.Properties); err != nil {
			return Disposition{Outcome: OutcomeNacked, RouteErr: err, Err: ch.Nack(msg)}
		}
		return Disposition{Outcome: OutcomeRouted, Err: ch.Ack(msg)}
	default:
		return Disposition{Outcome: OutcomeNacked, Err: ch.Nack(msg)}
	}
}
