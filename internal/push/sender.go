package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/bunny_bridge/internal/broker"
	"github.com/austindbirch/bunny_bridge/internal/tracing"
)

// Push request headers.
const (
	HeaderMessageID     = "X-Bunny-MessageID"
	HeaderCorrelationID = "X-Bunny-CorrelationID"
	HeaderRedelivered   = "X-Bunny-Redelivered"
	HeaderMessageCount  = "X-Bunny-Message-Count"
	HeaderAppID         = "X-Bunny-AppID"
	HeaderFromQueue     = "X-Bunny-From-Queue"
)

// Pusher performs a single delivery attempt.
type Pusher interface {
	Push(ctx context.Context, msg *broker.Message) Result
}

// Result is the outcome of one delivery attempt. Status is 0 when no HTTP
// response was received.
type Result struct {
	Status int
	Err    error
}

func (r Result) OK() bool {
	return r.Err == nil && r.Status >= 200 && r.Status < 300
}

// Reason describes a failed attempt for logs.
func (r Result) Reason() string {
	if r.Err != nil {
		return fmt.Sprintf("HTTP request failed with error: %v", r.Err)
	}
	if r.OK() {
		return ""
	}
	return fmt.Sprintf("target responded with HTTP code %d", r.Status)
}

// Class buckets the failure into a short label.
func (r Result) Class() string {
	if r.Err != nil {
		var netErr net.Error
		if errors.Is(r.Err, context.DeadlineExceeded) || (errors.As(r.Err, &netErr) && netErr.Timeout()) {
			return "timeout"
		}
		errLower := strings.ToLower(r.Err.Error())
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	switch {
	case r.OK():
		return "ok"
	case r.Status >= 500:
		return "http_5xx"
	case r.Status == http.StatusTooManyRequests:
		return "http_429"
	case r.Status >= 400:
		return "http_4xx"
	}
	return "other"
}

// Sender POSTs messages to one target.
type Sender struct {
	queue   string
	target  string
	timeout time.Duration
	client  *http.Client
	metrics Metrics
}

func NewSender(queue, target string, timeout time.Duration, client *http.Client, m Metrics) *Sender {
	if client == nil {
		client = http.DefaultClient
	}
	if m == nil {
		m = nopMetrics{}
	}
	return &Sender{queue: queue, target: target, timeout: timeout, client: client, metrics: m}
}

// Push issues one POST bounded by the configured timeout. The body is the
// raw message payload.
func (s *Sender) Push(ctx context.Context, msg *broker.Message) Result {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "push.deliver",
		attribute.String("queue", s.queue),
		attribute.String("target", s.target),
		attribute.String("message_id", msg.Properties.MessageID),
	)
	defer span.End()

	done := s.metrics.StartSubscriberTimer(s.queue, s.target)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.target, bytes.NewReader(msg.Body))
	if err != nil {
		done(0)
		tracing.SetSpanError(ctx, err)
		return Result{Err: err}
	}
	s.setHeaders(req.Header, msg)
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		done(0)
		tracing.SetSpanError(ctx, err)
		return Result{Err: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	done(resp.StatusCode)

	res := Result{Status: resp.StatusCode}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if !res.OK() {
		tracing.SetSpanError(ctx, errors.New(res.Reason()))
	}
	return res
}

func (s *Sender) setHeaders(h http.Header, msg *broker.Message) {
	p := msg.Properties
	if p.ContentType != "" {
		h.Set("Content-Type", p.ContentType)
	}
	if p.MessageID != "" {
		h.Set(HeaderMessageID, p.MessageID)
	}
	if p.CorrelationID != "" {
		h.Set(HeaderCorrelationID, p.CorrelationID)
	}
	if p.AppID != "" {
		h.Set(HeaderAppID, p.AppID)
	}
	h.Set(HeaderRedelivered, strconv.FormatBool(msg.Redelivered))
	h.Set(HeaderMessageCount, strconv.Itoa(msg.MessageCount))
	h.Set(HeaderFromQueue, s.queue)
}
