package consumer

import (
	"sync/atomic"

	"github.com/austindbirch/bunny_bridge/internal/broker"
	"github.com/austindbirch/bunny_bridge/internal/httperr"
	"github.com/austindbirch/bunny_bridge/internal/logging"
)

// Source fetches single messages from a queue.
type Source interface {
	Get(queue string) (*broker.Message, bool, error)
}

type Config struct {
	QueueName  string
	Identities []string
}

// Consumer serves pull requests for one queue. Messages are auto-acked by
// the broker as they are handed out.
type Consumer struct {
	cfg      Config
	source   Source
	logger   *logging.Logger
	inFlight atomic.Int64
}

func New(cfg Config, source Source, logger *logging.Logger) *Consumer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Consumer{cfg: cfg, source: source, logger: logger}
}

func (c *Consumer) QueueName() string    { return c.cfg.QueueName }
func (c *Consumer) Identities() []string { return c.cfg.Identities }

// InFlight is the number of get requests awaiting the broker.
func (c *Consumer) InFlight() int { return int(c.inFlight.Load()) }

// GetMessage fetches the next message or fails with ERR_QUEUE_EMPTY or
// ERR_QUEUE_DOWN_GET.
func (c *Consumer) GetMessage() (*broker.Message, error) {
	c.inFlight.Add(1)
	msg, ok, err := c.source.Get(c.cfg.QueueName)
	c.inFlight.Add(-1)

	if err != nil {
		c.logger.Plain().WithQueue(c.cfg.QueueName).WithError(err).Error("basic.get failed")
		return nil, httperr.QueueDownGet(err)
	}
	if !ok {
		return nil, httperr.QueueEmpty()
	}
	return msg, nil
}
