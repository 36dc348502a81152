package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var latencyBuckets = prometheus.ExponentialBuckets(0.001, 2, 12)

var (
	SubscriberLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bunny_subscriber_latency_seconds",
			Help:    "Latency of subscriber HTTP push requests.",
			Buckets: latencyBuckets,
		},
		[]string{"status", "queue", "target"},
	)

	PublisherLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bunny_publisher_latency_seconds",
			Help:    "Latency of HTTP publish requests.",
			Buckets: latencyBuckets,
		},
		[]string{"status", "queue"},
	)

	ConsumerLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bunny_consumer_latency_seconds",
			Help:    "Latency of HTTP consume requests.",
			Buckets: latencyBuckets,
		},
		[]string{"status", "queue"},
	)

	SubscriberFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunny_subscriber_failed_messages_total",
			Help: "Messages that failed the initial delivery attempt.",
		},
		[]string{"queue", "target"},
	)

	SubscriberDeadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunny_subscriber_dead_messages_total",
			Help: "Messages that exceeded the max number of delivery retries.",
		},
		[]string{"queue", "target"},
	)

	QueueBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bunny_queue_backlog",
			Help: "Ready messages in a subscribed queue.",
		},
		[]string{"queue"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		SubscriberLatencySeconds,
		PublisherLatencySeconds,
		ConsumerLatencySeconds,
		SubscriberFailedTotal,
		SubscriberDeadTotal,
		QueueBacklog,
	)
}

// statusLabel maps a zero status (no HTTP response) to "error".
func statusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}

// StartSubscriberTimer starts timing a push; the returned func records the final status.
func StartSubscriberTimer(queue, target string) func(status int) {
	start := time.Now()
	return func(status int) {
		SubscriberLatencySeconds.WithLabelValues(statusLabel(status), queue, target).Observe(time.Since(start).Seconds())
	}
}

func StartPublisherTimer(queue string) func(status int) {
	start := time.Now()
	return func(status int) {
		PublisherLatencySeconds.WithLabelValues(statusLabel(status), queue).Observe(time.Since(start).Seconds())
	}
}

func StartConsumerTimer(queue string) func(status int) {
	start := time.Now()
	return func(status int) {
		ConsumerLatencySeconds.WithLabelValues(statusLabel(status), queue).Observe(time.Since(start).Seconds())
	}
}

func RecordFailedDelivery(queue, target string) {
	SubscriberFailedTotal.WithLabelValues(queue, target).Inc()
}

func RecordDeadMessage(queue, target string) {
	SubscriberDeadTotal.WithLabelValues(queue, target).Inc()
}

func UpdateQueueBacklog(queue string, depth float64) {
	QueueBacklog.WithLabelValues(queue).Set(depth)
}

// NewInFlightGauge samples inFlight on every scrape.
func NewInFlightGauge(inFlight func() int) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "bunny_subscriber_in_flight",
			Help: "Direct and retry pushes awaiting a response.",
		},
		func() float64 { return float64(inFlight()) },
	)
}

// Collector exposes the package level metrics through the interfaces consumed
// by the push, publisher and consumer packages.
type Collector struct{}

func (Collector) StartSubscriberTimer(queue, target string) func(status int) {
	return StartSubscriberTimer(queue, target)
}

func (Collector) RecordFailedDelivery(queue, target string) { RecordFailedDelivery(queue, target) }

func (Collector) RecordDeadMessage(queue, target string) { RecordDeadMessage(queue, target) }

func (Collector) StartPublisherTimer(queue string) func(status int) {
	return StartPublisherTimer(queue)
}

func (Collector) StartConsumerTimer(queue string) func(status int) {
	return StartConsumerTimer(queue)
}
