package push

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/bunny_bridge/internal/broker"
	"github.com/austindbirch/bunny_bridge/internal/journal"
)

type fakeChannel struct {
	mu         sync.Mutex
	calls      []string
	published  map[string][][]byte
	handler    broker.Handler
	publishErr error
	ackErr     error
	consumeErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{published: make(map[string][][]byte)}
}

func (f *fakeChannel) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeChannel) Prefetch(n int) error {
	f.record("prefetch")
	return nil
}

func (f *fakeChannel) Consume(queue, consumerTag string, handler broker.Handler) error {
	f.record("consume:" + queue)
	if f.consumeErr != nil {
		return f.consumeErr
	}
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Ack(msg *broker.Message) error {
	f.record("ack:" + msg.Properties.MessageID)
	return f.ackErr
}

func (f *fakeChannel) Nack(msg *broker.Message) error {
	f.record("nack:" + msg.Properties.MessageID)
	return nil
}

func (f *fakeChannel) Cancel(consumerTag string) error {
	f.record("cancel:" + consumerTag)
	return nil
}

func (f *fakeChannel) PublishToQueue(_ context.Context, queue string, body []byte, _ broker.Properties) error {
	f.record("publish:" + queue)
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	f.published[queue] = append(f.published[queue], body)
	f.mu.Unlock()
	return nil
}

// count returns the number of recorded calls starting with prefix.
func (f *fakeChannel) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeChannel) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// scriptedPusher returns results in order, repeating the last one. When
// gate is set every push blocks until it is closed.
type scriptedPusher struct {
	mu      sync.Mutex
	results []Result
	calls   int
	gate    chan struct{}
}

func failing() *scriptedPusher {
	return &scriptedPusher{results: []Result{{Status: 500}}}
}

func (p *scriptedPusher) Push(context.Context, *broker.Message) Result {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	p.calls++
	return p.results[i]
}

func (p *scriptedPusher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeMetrics struct {
	mu       sync.Mutex
	statuses []int
	failed   int
	dead     int
}

func (m *fakeMetrics) StartSubscriberTimer(string, string) func(int) {
	return func(status int) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.statuses = append(m.statuses, status)
	}
}

func (m *fakeMetrics) RecordFailedDelivery(string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *fakeMetrics) RecordDeadMessage(string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead++
}

func (m *fakeMetrics) counts() (failed, dead int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed, m.dead
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []journal.DeadLetter
	err     error
}

func (j *fakeJournal) Record(_ context.Context, dl journal.DeadLetter) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, dl)
	return j.err
}

func (j *fakeJournal) all() []journal.DeadLetter {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.DeadLetter(nil), j.entries...)
}

// parked keeps every retry pending for the duration of a test.
func parked(time.Duration, int) time.Duration { return time.Hour }

// immediateUntil fires retries below attempt n at once and parks the rest.
func immediateUntil(n int) Backoff {
	return func(_ time.Duration, attempt int) time.Duration {
		if attempt < n {
			return 0
		}
		return time.Hour
	}
}

func testConfig() Config {
	return Config{
		QueueName:        "orders",
		Target:           "http://hooks.local/orders",
		Prefetch:         10,
		Timeout:          time.Second,
		BackoffStrategy:  BackoffLinear,
		Retries:          5,
		RetryDelay:       time.Second,
		DeadLetterPolicy: PolicyRequeue,
	}
}

func message(id string) *broker.Message {
	return &broker.Message{
		Body:         []byte(`{"id":"` + id + `"}`),
		Properties:   broker.Properties{MessageID: id, ContentType: "application/json"},
		MessageCount: -1,
	}
}

var errBroker = errors.New("channel/connection is not open")
