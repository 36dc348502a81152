package health

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// Broker reports whether the AMQP connection is open.
type Broker interface {
	Ping() error
}

// Journal is the optional dead-letter store.
type Journal interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Broker  bool   `json:"broker"`
	Journal *bool  `json:"journal,omitempty"`
}

// HTTPHandler returns an HTTP handler that reports the health status of the
// bridge. A nil journal is left out of the report.
func HTTPHandler(broker Broker, journal Journal) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Broker: true}
		code := http.StatusOK

		if broker != nil {
			if err := broker.Ping(); err != nil {
				st.OK = false
				st.Message = "broker connection closed"
				st.Broker = false
				code = http.StatusServiceUnavailable
			}
		}

		if journal != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			up := journal.Ping(ctx) == nil
			st.Journal = &up
			if !up {
				st.OK = false
				if st.Message == "ok" {
					st.Message = "journal ping failed"
				}
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = sonic.ConfigStd.NewEncoder(w).Encode(st)
	}
}
