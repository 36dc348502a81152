package push

import (
	"net/http"

	"github.com/austindbirch/bunny_bridge/internal/logging"
)

type options struct {
	client           *http.Client
	pusher           Pusher
	backoff          Backoff
	rand             Rand
	metrics          Metrics
	journal          Journal
	logger           *logging.Logger
	onTransportError func(error)
}

// Option customises a Subscriber or RetryManager.
type Option func(*options)

// WithHTTPClient sets the client used for pushes. The per-attempt timeout
// is applied through the request context.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithPusher replaces the HTTP sender.
func WithPusher(p Pusher) Option {
	return func(o *options) { o.pusher = p }
}

// WithBackoff overrides the strategy named in Config.
func WithBackoff(b Backoff) Option {
	return func(o *options) { o.backoff = b }
}

// WithRand sets the random source of the randomized backoff strategies.
func WithRand(r Rand) Option {
	return func(o *options) { o.rand = r }
}

func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithJournal(j Journal) Option {
	return func(o *options) { o.journal = j }
}

func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransportErrorHandler is called whenever an ack, nack or cancel fails.
func WithTransportErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onTransportError = fn }
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = nopMetrics{}
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}
	if o.onTransportError == nil {
		o.onTransportError = func(error) {}
	}
	return o
}
