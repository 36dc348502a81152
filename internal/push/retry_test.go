package push

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/austindbirch/bunny_bridge/internal/tracing"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func mustRetryManager(t *testing.T, cfg Config, ch *fakeChannel, p Pusher, opts ...Option) *RetryManager {
	t.Helper()
	rm, err := NewRetryManager(cfg, ch, p, opts...)
	require.NoError(t, err)
	return rm
}

func TestRetrySuccessClearsPending(t *testing.T) {
	ch := newFakeChannel()
	p := &scriptedPusher{results: []Result{{Status: 200}}}
	rm := mustRetryManager(t, testConfig(), ch, p, WithBackoff(immediateUntil(10)))

	rm.PlanDeliveryRetry(message("m-1"), 1, Result{Status: 500})

	require.Eventually(t, func() bool { return ch.count("ack:m-1") == 1 }, waitFor, tick)
	assert.Equal(t, 0, rm.Pending())
	assert.Equal(t, 0, rm.InFlight())
	assert.Equal(t, 0, ch.count("nack:"))
	assert.Equal(t, 1, p.Calls())
}

func TestRetryReschedulesWithIncreasingAttempt(t *testing.T) {
	ch := newFakeChannel()
	p := failing()
	var attempts []int
	record := func(_ time.Duration, attempt int) time.Duration {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return 0
		}
		return time.Hour
	}
	rm := mustRetryManager(t, testConfig(), ch, p, WithBackoff(record))

	rm.PlanDeliveryRetry(message("m-1"), 1, Result{Status: 500})

	require.Eventually(t, func() bool { return p.Calls() == 2 && rm.Pending() == 1 }, waitFor, tick)
	rm.CancelPlannedDeliveryRetries(true)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestExhaustedRetriesDeadLetterOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Retries = 3
	cfg.DeadLetterPolicy = PolicyDiscard

	ch := newFakeChannel()
	p := failing()
	m := &fakeMetrics{}
	j := &fakeJournal{}
	rm := mustRetryManager(t, cfg, ch, p, WithBackoff(immediateUntil(100)), WithMetrics(m), WithJournal(j))

	rm.PlanDeliveryRetry(message("m-1"), 1, Result{Status: 500})

	require.Eventually(t, func() bool { return len(j.all()) == 1 }, waitFor, tick)
	assert.Equal(t, 1, ch.count("ack:"))
	assert.Equal(t, 3, p.Calls())
	assert.Equal(t, 0, rm.Pending())
	assert.Equal(t, 0, ch.count("nack:"))
	_, dead := m.counts()
	assert.Equal(t, 1, dead)

	entries := j.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "m-1", entries[0].MessageID)
	assert.Equal(t, 4, entries[0].Attempts)
	assert.Equal(t, "discard", entries[0].Policy)
	assert.Equal(t, "acked", entries[0].Disposition)
	assert.Equal(t, 500, entries[0].HTTPStatus)
}

func TestAttemptBeyondBudgetDeadLettersWithoutTimer(t *testing.T) {
	cfg := testConfig()
	cfg.Retries = 0

	ch := newFakeChannel()
	p := failing()
	rm := mustRetryManager(t, cfg, ch, p, WithBackoff(parked))

	rm.PlanDeliveryRetry(message("m-1"), 1, Result{Status: 500})

	assert.Equal(t, 1, ch.count("nack:m-1"), "requeue policy nacks synchronously")
	assert.Equal(t, 0, rm.Pending())
	assert.Equal(t, 0, p.Calls())
}

func TestDeadLetterJournalFailureDoesNotBlock(t *testing.T) {
	cfg := testConfig()
	cfg.Retries = 0
	cfg.DeadLetterPolicy = PolicyDLQ
	cfg.DeadLetterQueueName = "orders.dead"

	ch := newFakeChannel()
	j := &fakeJournal{err: errBroker}
	rm := mustRetryManager(t, cfg, ch, failing(), WithJournal(j))

	rm.PlanDeliveryRetry(message("m-1"), 1, Result{Status: 502})

	assert.Equal(t, []string{"publish:orders.dead", "ack:m-1"}, ch.snapshot())
	require.Len(t, j.all(), 1)
	assert.Equal(t, "routed", j.all()[0].Disposition)
}

func TestCancelPlannedRetriesNacksPending(t *testing.T) {
	ch := newFakeChannel()
	p := failing()
	rm := mustRetryManager(t, testConfig(), ch, p, WithBackoff(parked))

	for _, id := range []string{"a", "b", "c"} {
		rm.PlanDeliveryRetry(message(id), 1, Result{Status: 500})
	}
	require.Equal(t, 3, rm.Pending())

	rm.CancelPlannedDeliveryRetries(false)

	assert.Equal(t, 0, rm.Pending())
	assert.Equal(t, 3, ch.count("nack:"))
	assert.Equal(t, 0, ch.count("ack:"))
	assert.Equal(t, 0, p.Calls())
}

func TestCancelPlannedRetriesOnConnectionFailureMakesNoTransportCalls(t *testing.T) {
	ch := newFakeChannel()
	rm := mustRetryManager(t, testConfig(), ch, failing(), WithBackoff(parked))

	rm.PlanDeliveryRetry(message("a"), 1, Result{Status: 500})
	rm.PlanDeliveryRetry(message("b"), 2, Result{Status: 500})
	require.Equal(t, 2, rm.Pending())

	rm.CancelPlannedDeliveryRetries(true)

	assert.Equal(t, 0, rm.Pending())
	assert.Empty(t, ch.snapshot())
}

func TestCancelledRetryNeverFires(t *testing.T) {
	ch := newFakeChannel()
	p := &scriptedPusher{results: []Result{{Status: 200}}}
	delay := func(time.Duration, int) time.Duration { return 20 * time.Millisecond }
	rm := mustRetryManager(t, testConfig(), ch, p, WithBackoff(delay))

	rm.PlanDeliveryRetry(message("m-1"), 1, Result{Status: 500})
	rm.CancelPlannedDeliveryRetries(true)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, p.Calls())
}

func TestSettlementAfterStop(t *testing.T) {
	tests := []struct {
		name              string
		connectionFailure bool
		result            Result
		want              []string
	}{
		{name: "graceful stop still acks a success", result: Result{Status: 200}, want: []string{"ack:m-1"}},
		{name: "graceful stop nacks a failure instead of rescheduling", result: Result{Status: 500}, want: []string{"nack:m-1"}},
		{name: "connection failure skips the ack", connectionFailure: true, result: Result{Status: 200}},
		{name: "connection failure skips the nack", connectionFailure: true, result: Result{Status: 500}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newFakeChannel()
			gate := make(chan struct{})
			p := &scriptedPusher{results: []Result{tt.result}, gate: gate}
			rm := mustRetryManager(t, testConfig(), ch, p, WithBackoff(immediateUntil(2)))

			rm.PlanDeliveryRetry(message("m-1"), 1, Result{Status: 500})
			require.Eventually(t, func() bool { return rm.InFlight() == 1 }, waitFor, tick)

			rm.CancelPlannedDeliveryRetries(tt.connectionFailure)
			close(gate)

			require.Eventually(t, func() bool { return rm.InFlight() == 0 }, waitFor, tick)
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, tt.want, ch.snapshot())
			assert.Equal(t, 0, rm.Pending())
		})
	}
}

func TestTransportErrorsAreReported(t *testing.T) {
	ch := newFakeChannel()
	ch.ackErr = errBroker
	errs := make(chan error, 1)
	p := &scriptedPusher{results: []Result{{Status: 200}}}
	rm := mustRetryManager(t, testConfig(), ch, p,
		WithBackoff(immediateUntil(10)),
		WithTransportErrorHandler(func(err error) { errs <- err }),
	)

	rm.PlanDeliveryRetry(message("m-1"), 1, Result{Status: 500})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, errBroker)
	case <-time.After(waitFor):
		t.Fatal("transport error was not reported")
	}
}

func TestNewRetryManagerValidates(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffStrategy = "unicorn"
	_, err := NewRetryManager(cfg, newFakeChannel(), failing())
	assert.ErrorIs(t, err, ErrInvalidBackoffStrategy)

	cfg = testConfig()
	cfg.DeadLetterPolicy = PolicyDLQ
	_, err = NewRetryManager(cfg, newFakeChannel(), failing())
	assert.ErrorIs(t, err, ErrMissingDeadLetterQueue)
}

func TestRetryAndDeadLetterRecordSpanEvents(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)))
	otel.SetTextMapPropagator(propagation.TraceContext{})

	parent, span := tracing.StartSpan(context.Background(), "publish")
	msg := message("m-1")
	msg.Properties.Headers = map[string]any{}
	for k, v := range tracing.PropagateTraceToHeaders(parent) {
		msg.Properties.Headers[k] = v
	}
	span.End()

	cfg := testConfig()
	cfg.Retries = 1
	cfg.DeadLetterPolicy = PolicyDiscard
	ch := newFakeChannel()
	rm := mustRetryManager(t, cfg, ch, failing(), WithBackoff(immediateUntil(10)))

	rm.PlanDeliveryRetry(msg, 1, Result{Status: 500})

	events := func(name string) []string {
		for _, s := range exporter.GetSpans() {
			if s.Name != name {
				continue
			}
			assert.Equal(t, tracing.GetTraceID(parent), s.SpanContext.TraceID().String())
			var out []string
			for _, e := range s.Events {
				out = append(out, e.Name)
			}
			return out
		}
		return nil
	}
	require.Eventually(t, func() bool { return events("push.retry") != nil }, waitFor, tick)

	assert.Equal(t, 1, ch.count("ack:m-1"))
	assert.Equal(t, []string{"delivery.dead_lettered"}, events("push.dead_letter"))
	assert.Equal(t, []string{"delivery.retry.failed"}, events("push.retry"))
}
