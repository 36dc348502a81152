package push

import (
	"context"

	"github.com/austindbirch/bunny_bridge/internal/journal"
)

// Metrics receives delivery measurements.
type Metrics interface {
	// StartSubscriberTimer starts timing a push; the returned func records
	// the final HTTP status, 0 when no response was received.
	StartSubscriberTimer(queue, target string) func(status int)
	RecordFailedDelivery(queue, target string)
	RecordDeadMessage(queue, target string)
}

type nopMetrics struct{}

func (nopMetrics) StartSubscriberTimer(string, string) func(int) { return func(int) {} }
func (nopMetrics) RecordFailedDelivery(string, string)           {}
func (nopMetrics) RecordDeadMessage(string, string)              {}

// Journal stores dead letters. Failures are logged and never block the
// disposition.
type Journal interface {
	Record(ctx context.Context, dl journal.DeadLetter) error
}
