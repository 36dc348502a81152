package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/austindbirch/bunny_bridge/internal/config"
	"github.com/austindbirch/bunny_bridge/internal/push"
)

var reqCount atomic.Int64

func main() {
	cfg := config.FakeReceiverFromEnv()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) { handleHook(w, r, cfg) })

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	log.Printf("fake-receiver listening on %s (fail first %d, delay %dms)", cfg.Port, cfg.FailFirstN, cfg.ResponseDelayMS)
	log.Fatal(srv.ListenAndServe())
}

func handleHook(w http.ResponseWriter, r *http.Request, cfg config.FakeReceiver) {
	n := reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(cfg.ResponseDelayMS) * time.Millisecond)
	}

	// Simulate flakiness: first N requests fail
	if n <= int64(cfg.FailFirstN) {
		log.Printf("FAILING (%d/%d) %s %s body=%s", n, cfg.FailFirstN, r.URL.Path, describe(r.Header), truncate(string(b), 160))
		status := cfg.FailStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		http.Error(w, "temporary failure", status)
		return
	}

	log.Printf("fake-receiver OK %s %s body=%q", r.URL.Path, describe(r.Header), truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// describe renders the delivery headers set by the bridge.
func describe(h http.Header) string {
	return fmt.Sprintf("queue=%s id=%s correlation=%s redelivered=%s count=%s",
		h.Get(push.HeaderFromQueue),
		h.Get(push.HeaderMessageID),
		h.Get(push.HeaderCorrelationID),
		h.Get(push.HeaderRedelivered),
		h.Get(push.HeaderMessageCount),
	)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
