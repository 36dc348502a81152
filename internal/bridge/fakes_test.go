package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/austindbirch/bunny_bridge/internal/broker"
	"github.com/austindbirch/bunny_bridge/internal/push"
)

var errBroker = errors.New("broker unavailable")

type fakeTransport struct {
	mu       sync.Mutex
	closes   int
	declared []string
	depths   map[string]int
	depthErr error
	depthQs  []string
	closed   chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{depths: map[string]int{}, closed: make(chan error, 1)}
}

func (f *fakeTransport) Prefetch(int) error                           { return nil }
func (f *fakeTransport) Consume(string, string, broker.Handler) error { return nil }
func (f *fakeTransport) Ack(*broker.Message) error                    { return nil }
func (f *fakeTransport) Nack(*broker.Message) error                   { return nil }
func (f *fakeTransport) Cancel(string) error                          { return nil }
func (f *fakeTransport) Get(string) (*broker.Message, bool, error)    { return nil, false, nil }
func (f *fakeTransport) Ping() error                                  { return nil }
func (f *fakeTransport) Closed() <-chan error                         { return f.closed }

func (f *fakeTransport) Send(context.Context, string, []byte, broker.Properties) error {
	return nil
}

func (f *fakeTransport) PublishToQueue(context.Context, string, []byte, broker.Properties) error {
	return nil
}

func (f *fakeTransport) DeclareQueue(queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, queue)
	return nil
}

func (f *fakeTransport) QueueDepth(queue string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depthQs = append(f.depthQs, queue)
	if f.depthErr != nil {
		return 0, f.depthErr
	}
	return f.depths[queue], nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeSubscriber struct {
	queue    string
	inFlight atomic.Int32
	retry    atomic.Int32
	polls    atomic.Int32
	started  atomic.Int32
	startErr error

	mu    sync.Mutex
	stops []bool
}

func newFakeSubscriber(queue string) *fakeSubscriber {
	return &fakeSubscriber{queue: queue}
}

func (f *fakeSubscriber) Start() error {
	f.started.Add(1)
	return f.startErr
}

func (f *fakeSubscriber) Stop(isConnectionFailure bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, isConnectionFailure)
	return nil
}

func (f *fakeSubscriber) InFlight() int {
	f.polls.Add(1)
	return int(f.inFlight.Load())
}

func (f *fakeSubscriber) RetryInFlight() int { return int(f.retry.Load()) }

func (f *fakeSubscriber) Config() push.Config {
	return push.Config{QueueName: f.queue, Target: "http://target.local/hook"}
}

func (f *fakeSubscriber) stopCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.stops...)
}
