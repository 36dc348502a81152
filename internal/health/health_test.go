package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"
)

type mockBroker struct {
	err error
}

func (m mockBroker) Ping() error { return m.err }

type mockJournal struct {
	err     error
	sawCtx  bool
	deadSet bool
}

func (m *mockJournal) Ping(ctx context.Context) error {
	m.sawCtx = ctx != nil
	_, m.deadSet = ctx.Deadline()
	return m.err
}

func boolPtr(b bool) *bool { return &b }

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		broker             Broker
		journal            Journal
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "no dependencies",
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Broker: true},
		},
		{
			name:               "broker open without journal",
			broker:             mockBroker{},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Broker: true},
		},
		{
			name:               "broker and journal healthy",
			broker:             mockBroker{},
			journal:            &mockJournal{},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Broker: true, Journal: boolPtr(true)},
		},
		{
			name:               "broker closed",
			broker:             mockBroker{err: errors.New("closed")},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "broker connection closed", Broker: false},
		},
		{
			name:               "journal unreachable",
			broker:             mockBroker{},
			journal:            &mockJournal{err: context.DeadlineExceeded},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "journal ping failed", Broker: true, Journal: boolPtr(false)},
		},
		{
			name:               "both down reports the broker first",
			broker:             mockBroker{err: errors.New("closed")},
			journal:            &mockJournal{err: context.DeadlineExceeded},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "broker connection closed", Broker: false, Journal: boolPtr(false)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := HTTPHandler(tt.broker, tt.journal)

			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()
			handler(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("HTTPHandler() Content-Type = %q, want %q", ct, "application/json")
			}

			var status Status
			if err := sonic.Unmarshal(w.Body.Bytes(), &status); err != nil {
				t.Fatalf("HTTPHandler() response JSON parse error: %v", err)
			}
			if status.OK != tt.expectedStatus.OK {
				t.Errorf("Status.OK = %v, want %v", status.OK, tt.expectedStatus.OK)
			}
			if status.Message != tt.expectedStatus.Message {
				t.Errorf("Status.Message = %q, want %q", status.Message, tt.expectedStatus.Message)
			}
			if status.Broker != tt.expectedStatus.Broker {
				t.Errorf("Status.Broker = %v, want %v", status.Broker, tt.expectedStatus.Broker)
			}
			switch {
			case tt.expectedStatus.Journal == nil && status.Journal != nil:
				t.Errorf("Status.Journal = %v, want omitted", *status.Journal)
			case tt.expectedStatus.Journal != nil && status.Journal == nil:
				t.Errorf("Status.Journal omitted, want %v", *tt.expectedStatus.Journal)
			case tt.expectedStatus.Journal != nil && *status.Journal != *tt.expectedStatus.Journal:
				t.Errorf("Status.Journal = %v, want %v", *status.Journal, *tt.expectedStatus.Journal)
			}
		})
	}
}

func TestHTTPHandler_JournalPingHasDeadline(t *testing.T) {
	j := &mockJournal{}
	handler := HTTPHandler(nil, j)

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/healthz", nil))

	if !j.sawCtx || !j.deadSet {
		t.Errorf("journal ping context deadline set = %v, want true", j.deadSet)
	}
}
