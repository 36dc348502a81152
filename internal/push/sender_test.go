package push

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/bunny_bridge/internal/broker"
)

func TestSenderMapsHeaders(t *testing.T) {
	type captured struct {
		method string
		header http.Header
		body   []byte
	}
	reqs := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs <- captured{method: r.Method, header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := &fakeMetrics{}
	s := NewSender("orders", srv.URL, time.Second, srv.Client(), m)
	msg := &broker.Message{
		Body: []byte("raw payload"),
		Properties: broker.Properties{
			ContentType:   "text/plain",
			MessageID:     "m-1",
			CorrelationID: "c-1",
			AppID:         "billing",
		},
		Redelivered:  true,
		MessageCount: -1,
	}

	res := s.Push(context.Background(), msg)
	require.True(t, res.OK(), res.Reason())

	req := <-reqs
	got := req.header
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "raw payload", string(req.body))
	assert.Equal(t, "text/plain", got.Get("Content-Type"))
	assert.Equal(t, "m-1", got.Get(HeaderMessageID))
	assert.Equal(t, "c-1", got.Get(HeaderCorrelationID))
	assert.Equal(t, "true", got.Get(HeaderRedelivered))
	assert.Equal(t, "-1", got.Get(HeaderMessageCount))
	assert.Equal(t, "billing", got.Get(HeaderAppID))
	assert.Equal(t, "orders", got.Get(HeaderFromQueue))
	assert.Equal(t, []int{http.StatusNoContent}, m.statuses)
}

func TestSenderMessageCountAndRedeliveredDefaults(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
	}))
	defer srv.Close()

	s := NewSender("q", srv.URL, time.Second, nil, nil)
	res := s.Push(context.Background(), &broker.Message{MessageCount: 12})
	require.True(t, res.OK())
	got := <-headers
	assert.Equal(t, "12", got.Get(HeaderMessageCount))
	assert.Equal(t, "false", got.Get(HeaderRedelivered))
}

func TestSenderFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/500":
			w.WriteHeader(http.StatusInternalServerError)
		case "/429":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/404":
			w.WriteHeader(http.StatusNotFound)
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		}
	}))
	defer srv.Close()

	tests := []struct {
		name       string
		path       string
		timeout    time.Duration
		wantStatus int
		wantReason string
		wantClass  string
	}{
		{name: "server error", path: "/500", timeout: time.Second, wantStatus: 500, wantReason: "target responded with HTTP code 500", wantClass: "http_5xx"},
		{name: "rate limited", path: "/429", timeout: time.Second, wantStatus: 429, wantReason: "target responded with HTTP code 429", wantClass: "http_429"},
		{name: "not found", path: "/404", timeout: time.Second, wantStatus: 404, wantReason: "target responded with HTTP code 404", wantClass: "http_4xx"},
		{name: "timeout", path: "/slow", timeout: 20 * time.Millisecond, wantStatus: 0, wantReason: "HTTP request failed with error", wantClass: "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeMetrics{}
			s := NewSender("q", srv.URL+tt.path, tt.timeout, srv.Client(), m)

			res := s.Push(context.Background(), message("m-1"))
			assert.False(t, res.OK())
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Contains(t, res.Reason(), tt.wantReason)
			assert.Equal(t, tt.wantClass, res.Class())
			assert.Equal(t, []int{tt.wantStatus}, m.statuses, "latency is recorded regardless of outcome")
		})
	}
}

func TestSenderConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := NewSender("q", url, time.Second, nil, nil).Push(context.Background(), message("m-1"))
	require.Error(t, res.Err)
	assert.False(t, res.OK())
	assert.Contains(t, []string{"connection_refused", "network"}, res.Class())
}

func TestSenderReportsInvalidTarget(t *testing.T) {
	m := &fakeMetrics{}
	res := NewSender("q", "://no-scheme", time.Second, nil, m).Push(context.Background(), message("m-1"))

	require.Error(t, res.Err)
	assert.False(t, res.OK())
	assert.Equal(t, []int{0}, m.statuses)
}

func TestResultClass(t *testing.T) {
	tests := []struct {
		res  Result
		want string
	}{
		{Result{Status: 200}, "ok"},
		{Result{Status: 302}, "other"},
		{Result{Err: context.DeadlineExceeded}, "timeout"},
		{Result{Err: errors.New("dial tcp: lookup nowhere: no such host")}, "dns_error"},
		{Result{Err: errors.New("EOF")}, "network"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.res.Class(), tt.res)
	}
	assert.Empty(t, Result{Status: 201}.Reason())
}
