package broker

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Properties is the AMQP basic property set carried by a message.
type Properties struct {
	ContentType     string
	ContentEncoding string
	MessageID       string
	CorrelationID   string
	AppID           string
	Type            string
	ReplyTo         string
	Expiration      string
	Priority        uint8
	DeliveryMode    uint8
	Timestamp       time.Time
	Headers         map[string]any
}

// Persistent reports whether the broker should write the message to disk.
func (p Properties) Persistent() bool {
	return p.DeliveryMode == amqp.Persistent
}

// Message is a delivery received from a queue. The body is never modified
// once the broker hands it over.
type Message struct {
	Body        []byte
	Properties  Properties
	Redelivered bool
	// MessageCount is the number of messages left in the origin queue, -1
	// when the broker did not report one (consumer deliveries).
	MessageCount int
	DeliveryTag  uint64
	ConsumerTag  string
}

// Handler receives deliveries from a consumer. A nil message signals that
// the delivery stream has ended.
type Handler func(msg *Message)

func propertiesFromDelivery(d amqp.Delivery) Properties {
	return Properties{
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		MessageID:       d.MessageId,
		CorrelationID:   d.CorrelationId,
		AppID:           d.AppId,
		Type:            d.Type,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		Priority:        d.Priority,
		DeliveryMode:    d.DeliveryMode,
		Timestamp:       d.Timestamp,
		Headers:         headersFromTable(d.Headers),
	}
}

// fromConsumed converts a pushed delivery. basic.deliver carries no message
// count, so it is reported as -1.
func fromConsumed(d amqp.Delivery) *Message {
	return &Message{
		Body:         d.Body,
		Properties:   propertiesFromDelivery(d),
		Redelivered:  d.Redelivered,
		MessageCount: -1,
		DeliveryTag:  d.DeliveryTag,
		ConsumerTag:  d.ConsumerTag,
	}
}

// fromGet converts a basic.get reply, which does carry the remaining count.
func fromGet(d amqp.Delivery) *Message {
	return &Message{
		Body:         d.Body,
		Properties:   propertiesFromDelivery(d),
		Redelivered:  d.Redelivered,
		MessageCount: int(d.MessageCount),
		DeliveryTag:  d.DeliveryTag,
	}
}

func toPublishing(body []byte, p Properties) amqp.Publishing {
	return amqp.Publishing{
		Headers:         amqp.Table(p.Headers),
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationID,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageID,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		AppId:           p.AppID,
		Body:            body,
	}
}

func headersFromTable(t amqp.Table) map[string]any {
	if len(t) == 0 {
		return nil
	}
	out := make(map[string]any, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// StringHeaders returns the string valued headers of the message, used to
// carry trace context across the broker.
func (m *Message) StringHeaders() map[string]string {
	if m == nil || len(m.Properties.Headers) == 0 {
		return nil
	}
	out := make(map[string]string)
	for k, v := range m.Properties.Headers {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
