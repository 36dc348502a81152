package push

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	ErrInvalidBackoffStrategy  = errors.New("invalid backoff strategy")
	ErrInvalidTarget           = errors.New("invalid subscriber target URL")
	ErrMissingDeadLetterQueue  = errors.New("dead letter queue name is required for the dlq policy")
	ErrInvalidDeadLetterPolicy = errors.New("invalid dead letter policy")
)

// Config describes one subscriber. It is not modified after New.
type Config struct {
	QueueName           string
	Target              string
	Prefetch            int
	Timeout             time.Duration
	BackoffStrategy     string
	Retries             int
	RetryDelay          time.Duration
	DeadLetterPolicy    string
	DeadLetterQueueName string
}

func validateTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %s", ErrInvalidTarget, target)
	}
	return nil
}
