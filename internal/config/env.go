package config

import (
	"os"
	"strconv"
	"time"
)

// FakeReceiver configures the local flaky push target.
type FakeReceiver struct {
	FailFirstN      int           // Number of requests to fail initially
	FailStatus      int           // Status returned while failing
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FakeReceiverFromEnv() FakeReceiver {
	return FakeReceiver{
		FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
		FailStatus:      getenvInt("FAIL_STATUS", 500),
		ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
		Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
		ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
	}
}
