package config

import (
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/austindbirch/bunny_bridge/internal/publisher"
	"github.com/austindbirch/bunny_bridge/internal/push"
)

var (
	ErrUnknownIdentity   = errors.New("unknown identity")
	ErrDuplicateIdentity = errors.New("duplicate identity")
	ErrDuplicateQueue    = errors.New("duplicate queue")
)

func oneOf(names []string) validation.Rule {
	vals := make([]any, len(names))
	for i, n := range names {
		vals[i] = n
	}
	return validation.In(vals...).Error(fmt.Sprintf("must be one of %v", names))
}

func (i Identity) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.Name, validation.Required),
		validation.Field(&i.Token, validation.Required),
	)
}

func (p Publisher) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.QueueName, validation.Required),
		validation.Field(&p.ContentType, validation.Required, oneOf(publisher.ContentKinds)),
	)
}

func (c Consumer) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.QueueName, validation.Required),
	)
}

func (s Subscriber) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.QueueName, validation.Required),
		validation.Field(&s.Target, validation.Required, is.RequestURL),
		validation.Field(&s.Prefetch, validation.Required, validation.Min(1)),
		validation.Field(&s.Timeout, validation.Required, validation.Min(1)),
		validation.Field(&s.BackoffStrategy, validation.Required, oneOf(push.BackoffStrategies)),
		validation.Field(&s.Retries, validation.Min(0)),
		validation.Field(&s.RetryDelay, validation.Min(0)),
		validation.Field(&s.DeadLetterPolicy, validation.Required, oneOf(push.DeadLetterPolicies)),
		validation.Field(&s.DeadLetterQueueName,
			validation.When(s.DeadLetterPolicy == push.PolicyDLQ, validation.Required)),
	)
}

// Validate checks every resource and the cross references between them.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.ConnectionString, validation.Required.Error(ErrMissingConnStr.Error())),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.MetricsPort, validation.Min(0), validation.Max(65535)),
		validation.Field(&c.DrainRetries, validation.Min(0)),
		validation.Field(&c.Publishers),
		validation.Field(&c.Consumers),
		validation.Field(&c.Subscribers),
		validation.Field(&c.Identities),
	)
	return errors.Join(err, c.validateReferences())
}

func (c Config) validateReferences() error {
	var errs []error

	known := make(map[string]bool, len(c.Identities))
	for _, id := range c.Identities {
		if known[id.Name] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateIdentity, id.Name))
		}
		known[id.Name] = true
	}
	checkRefs := func(kind, queue string, names []string) {
		for _, n := range names {
			if !known[n] {
				errs = append(errs, fmt.Errorf("%s %s: %w: %s", kind, queue, ErrUnknownIdentity, n))
			}
		}
	}

	published := make(map[string]bool, len(c.Publishers))
	for _, p := range c.Publishers {
		if published[p.QueueName] {
			errs = append(errs, fmt.Errorf("publisher: %w: %s", ErrDuplicateQueue, p.QueueName))
		}
		published[p.QueueName] = true
		checkRefs("publisher", p.QueueName, p.Identities)
	}

	consumed := make(map[string]bool, len(c.Consumers))
	for _, cs := range c.Consumers {
		if consumed[cs.QueueName] {
			errs = append(errs, fmt.Errorf("consumer: %w: %s", ErrDuplicateQueue, cs.QueueName))
		}
		consumed[cs.QueueName] = true
		checkRefs("consumer", cs.QueueName, cs.Identities)
	}

	return errors.Join(errs...)
}
