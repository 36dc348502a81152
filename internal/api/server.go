package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/bunny_bridge/internal/auth"
	"github.com/austindbirch/bunny_bridge/internal/bridge"
	"github.com/austindbirch/bunny_bridge/internal/consumer"
	"github.com/austindbirch/bunny_bridge/internal/health"
	"github.com/austindbirch/bunny_bridge/internal/httperr"
	"github.com/austindbirch/bunny_bridge/internal/logging"
	"github.com/austindbirch/bunny_bridge/internal/publisher"
	"github.com/austindbirch/bunny_bridge/internal/tracing"
)

// Response headers describing a consumed message.
const (
	HeaderMessageID     = "X-Bunny-MessageID"
	HeaderCorrelationID = "X-Bunny-CorrelationID"
	HeaderAppID         = "X-Bunny-AppID"
	HeaderMessageCount  = "X-Bunny-Message-Count"
)

// DefaultBodyLimit caps publish payloads.
const DefaultBodyLimit = 1 << 20

const greeting = "Hello from Bunny Bridge"

// Metrics times publish and consume requests.
type Metrics interface {
	StartPublisherTimer(queue string) func(status int)
	StartConsumerTimer(queue string) func(status int)
}

type nopMetrics struct{}

func (nopMetrics) StartPublisherTimer(string) func(int) { return func(int) {} }
func (nopMetrics) StartConsumerTimer(string) func(int)  { return func(int) {} }

type Option func(*Server)

func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithBodyLimit(n int64) Option {
	return func(s *Server) { s.bodyLimit = n }
}

// WithHealth mounts /healthz with the given handler.
func WithHealth(h http.HandlerFunc) Option {
	return func(s *Server) { s.health = h }
}

type publishRoute struct {
	p     *publisher.Publisher
	guard *auth.Guard
}

type consumeRoute struct {
	c     *consumer.Consumer
	guard *auth.Guard
}

// Server is the HTTP face of the bridge: publish, consume and health.
type Server struct {
	app       *bridge.App
	metrics   Metrics
	logger    *logging.Logger
	bodyLimit int64
	health    http.HandlerFunc

	publishers map[string]publishRoute
	consumers  map[string]consumeRoute
	mux        *http.ServeMux
}

// NewServer routes every publisher and consumer registered on app.
// identities is the full identity list resources refer to by name.
func NewServer(app *bridge.App, identities []auth.Identity, opts ...Option) *Server {
	s := &Server{
		app:        app,
		metrics:    nopMetrics{},
		logger:     logging.Nop(),
		bodyLimit:  DefaultBodyLimit,
		publishers: make(map[string]publishRoute),
		consumers:  make(map[string]consumeRoute),
		mux:        http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = health.HTTPHandler(app.Conn(), nil)
	}

	for _, p := range app.Publishers() {
		s.publishers[p.QueueName()] = publishRoute{p: p, guard: auth.NewGuard(p.Identities(), identities)}
	}
	for _, c := range app.Consumers() {
		s.consumers[c.QueueName()] = consumeRoute{c: c, guard: auth.NewGuard(c.Identities(), identities)}
	}

	s.mux.HandleFunc("GET /{$}", s.handleGreeting)
	s.mux.HandleFunc("GET /healthz", s.health)
	s.mux.HandleFunc("POST /publish/{queue}", s.handlePublish)
	s.mux.HandleFunc("GET /consume/{queue}", s.handleConsume)
	return s
}

// ServeHTTP rejects every request with 503 once a graceful shutdown is
// pending; requests already being served run to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.app.ShutdownPending() {
		httperr.Write(w, httperr.ShuttingDown())
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleGreeting(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, greeting)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	queue := r.PathValue("queue")
	route, ok := s.publishers[queue]
	if !ok {
		notFound(w, r)
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), "api.publish", attribute.String("queue", queue))
	defer span.End()

	completed := s.metrics.StartPublisherTimer(queue)
	fail := func(err error) {
		completed(httperr.StatusOf(err))
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithQueue(queue).WithError(err).Debug("publish rejected")
		httperr.Write(w, err)
	}

	if _, err := route.guard.Verify(r.Header); err != nil {
		fail(err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.bodyLimit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(httperr.PayloadTooLarge(tooLarge.Limit))
			return
		}
		fail(err)
		return
	}

	res, err := route.p.Publish(ctx, r.Header.Get("Content-Type"), r.Header.Get(publisher.HeaderPersistent), body)
	if err != nil {
		fail(err)
		return
	}

	completed(http.StatusCreated)
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	queue := r.PathValue("queue")
	route, ok := s.consumers[queue]
	if !ok {
		notFound(w, r)
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), "api.consume", attribute.String("queue", queue))
	defer span.End()

	completed := s.metrics.StartConsumerTimer(queue)
	if _, err := route.guard.Verify(r.Header); err != nil {
		completed(httperr.StatusOf(err))
		httperr.Write(w, err)
		return
	}

	msg, err := route.c.GetMessage()
	if err != nil {
		completed(httperr.StatusOf(err))
		tracing.SetSpanError(ctx, err)
		httperr.Write(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", msg.Properties.ContentType)
	h.Set(HeaderMessageID, msg.Properties.MessageID)
	h.Set(HeaderCorrelationID, msg.Properties.CorrelationID)
	h.Set(HeaderAppID, msg.Properties.AppID)
	h.Set(HeaderMessageCount, strconv.Itoa(msg.MessageCount))
	w.WriteHeader(http.StatusResetContent)
	_, _ = w.Write(msg.Body)
	completed(http.StatusResetContent)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	httperr.Write(w, httperr.NotFound(fmt.Sprintf("Route %s:%s not found", r.Method, r.URL.Path)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
