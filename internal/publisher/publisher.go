package publisher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"mime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/austindbirch/bunny_bridge/internal/broker"
	"github.com/austindbirch/bunny_bridge/internal/httperr"
	"github.com/austindbirch/bunny_bridge/internal/logging"
	"github.com/austindbirch/bunny_bridge/internal/tracing"
)

// Payload kinds accepted by a publisher.
const (
	ContentBinary = "binary"
	ContentJSON   = "json"
)

var ContentKinds = []string{ContentBinary, ContentJSON}

var mimeTypes = map[string]string{
	ContentBinary: "application/octet-stream",
	ContentJSON:   "application/json",
}

// HeaderPersistent opts a message out of persistence when set to "false".
const HeaderPersistent = "X-Bunny-Persistent"

var ErrInvalidContentKind = errors.New("invalid publisher content type")

// Transport is the slice of the broker connection a publisher writes to.
type Transport interface {
	PublishToQueue(ctx context.Context, queue string, body []byte, props broker.Properties) error
	Send(ctx context.Context, queue string, body []byte, props broker.Properties) error
	DeclareQueue(queue string) error
}

type Config struct {
	QueueName   string
	ContentType string
	Confirm     bool
	Identities  []string
}

// Result is returned to the HTTP caller after a successful publish.
type Result struct {
	ContentLengthBytes int    `json:"contentLengthBytes"`
	MessageID          string `json:"messageId"`
}

type Publisher struct {
	cfg       Config
	mime      string
	transport Transport
	logger    *logging.Logger
	inFlight  atomic.Int64
}

func New(cfg Config, transport Transport, logger *logging.Logger) (*Publisher, error) {
	m, ok := mimeTypes[cfg.ContentType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContentKind, cfg.ContentType)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Publisher{cfg: cfg, mime: m, transport: transport, logger: logger}, nil
}

func (p *Publisher) QueueName() string    { return p.cfg.QueueName }
func (p *Publisher) Identities() []string { return p.cfg.Identities }

// MIMEType is the only request Content-Type the publisher accepts.
func (p *Publisher) MIMEType() string { return p.mime }

// InFlight is the number of publishes awaiting the broker.
func (p *Publisher) InFlight() int { return int(p.inFlight.Load()) }

// AssertQueue declares the target queue as durable.
func (p *Publisher) AssertQueue() error {
	return p.transport.DeclareQueue(p.cfg.QueueName)
}

// Publish validates payload and writes it to the queue. contentType is the
// raw request header and persistent the raw X-Bunny-Persistent header.
func (p *Publisher) Publish(ctx context.Context, contentType, persistent string, payload []byte) (Result, error) {
	if !p.allowed(contentType) {
		return Result{}, httperr.ContentType(contentType)
	}
	if err := p.validate(payload); err != nil {
		return Result{}, err
	}

	props := broker.Properties{
		ContentType:  p.mime,
		MessageID:    newMessageID(),
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      traceHeaders(ctx),
	}
	if persistent == "false" {
		props.DeliveryMode = amqp.Transient
	}

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	send := p.transport.Send
	if p.cfg.Confirm {
		send = p.transport.PublishToQueue
	}
	if err := send(ctx, p.cfg.QueueName, payload, props); err != nil {
		p.logger.WithContext(ctx).
			WithQueue(p.cfg.QueueName).
			WithError(err).
			Errorf("publishing to queue %s failed", p.cfg.QueueName)
		return Result{}, httperr.QueueDown(err)
	}

	return Result{ContentLengthBytes: len(payload), MessageID: props.MessageID}, nil
}

// traceHeaders carries the caller's trace context so the push that later
// delivers the message continues the same trace.
func traceHeaders(ctx context.Context) map[string]any {
	carrier := tracing.PropagateTraceToHeaders(ctx)
	if len(carrier) == 0 {
		return nil
	}
	headers := make(map[string]any, len(carrier))
	for k, v := range carrier {
		headers[k] = v
	}
	return headers
}

func (p *Publisher) allowed(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == p.mime
}

func (p *Publisher) validate(payload []byte) error {
	if p.cfg.ContentType != ContentJSON || sonic.Valid(payload) {
		return nil
	}
	var v any
	detail := "malformed JSON document"
	if err := sonic.Unmarshal(payload, &v); err != nil {
		detail = err.Error()
	}
	return httperr.SchemaValidation(detail)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newMessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
