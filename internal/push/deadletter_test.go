package push

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterPolicyHandle(t *testing.T) {
	tests := []struct {
		name        string
		policy      string
		queue       string
		publishErr  error
		wantOutcome Outcome
		wantAck     int
		wantNack    int
		wantPublish int
		wantRoute   bool
	}{
		{name: "discard acks", policy: PolicyDiscard, wantOutcome: OutcomeAcked, wantAck: 1},
		{name: "requeue nacks", policy: PolicyRequeue, wantOutcome: OutcomeNacked, wantNack: 1},
		{name: "dlq publishes then acks", policy: PolicyDLQ, queue: "orders.dead", wantOutcome: OutcomeRouted, wantAck: 1, wantPublish: 1},
		{
			name: "dlq falls back to nack", policy: PolicyDLQ, queue: "orders.dead",
			publishErr: errors.New("NOT_FOUND - no queue"), wantOutcome: OutcomeNacked,
			wantNack: 1, wantPublish: 1, wantRoute: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newFakeChannel()
			ch.publishErr = tt.publishErr
			p, err := ParseDeadLetterPolicy(tt.policy, tt.queue)
			require.NoError(t, err)

			d := p.Handle(context.Background(), ch, message("m-1"))

			assert.Equal(t, tt.wantOutcome, d.Outcome)
			assert.NoError(t, d.Err)
			assert.Equal(t, tt.wantRoute, d.RouteErr != nil)
			assert.Equal(t, tt.wantAck, ch.count("ack:"))
			assert.Equal(t, tt.wantNack, ch.count("nack:"))
			assert.Equal(t, tt.wantPublish, ch.count("publish:"+tt.queue))
		})
	}
}

func TestDeadLetterQueueReceivesOriginalBody(t *testing.T) {
	ch := newFakeChannel()
	p, err := ParseDeadLetterPolicy(PolicyDLQ, "dead")
	require.NoError(t, err)

	msg := message("m-7")
	p.Handle(context.Background(), ch, msg)

	require.Len(t, ch.published["dead"], 1)
	assert.Equal(t, msg.Body, ch.published["dead"][0])
	assert.Equal(t, []string{"publish:dead", "ack:m-7"}, ch.snapshot(), "ack must follow a confirmed publish")
}

func TestDeadLetterPolicyTransportError(t *testing.T) {
	ch := newFakeChannel()
	ch.ackErr = errBroker
	p, err := ParseDeadLetterPolicy(PolicyDiscard, "")
	require.NoError(t, err)

	d := p.Handle(context.Background(), ch, message("m-1"))
	assert.ErrorIs(t, d.Err, errBroker)
}

func TestParseDeadLetterPolicy(t *testing.T) {
	_, err := ParseDeadLetterPolicy(PolicyDLQ, "")
	assert.ErrorIs(t, err, ErrMissingDeadLetterQueue)

	_, err = ParseDeadLetterPolicy("shred", "")
	assert.ErrorIs(t, err, ErrInvalidDeadLetterPolicy)
	assert.Contains(t, err.Error(), "shred")

	for _, name := range DeadLetterPolicies {
		p, err := ParseDeadLetterPolicy(name, "dead")
		require.NoError(t, err)
		assert.Equal(t, name, p.String())
	}
}

func TestDeadLetterPolicyDescribe(t *testing.T) {
	assert.Equal(t, "discarding (acking) message", DeadLetterPolicy{Kind: Discard}.Describe())
	assert.Equal(t, "requeuing (nacking) message", DeadLetterPolicy{Kind: Requeue}.Describe())
	assert.Contains(t, DeadLetterPolicy{Kind: RouteToQueue, Queue: "dead"}.Describe(), "DLQ dead")
}
