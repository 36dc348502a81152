package journal

import "time"

const DeadLetterType = "subscriber.dead_letter"

// DeadLetter records the terminal disposition of a message whose delivery
// retries were exhausted.
type DeadLetter struct {
	Type          string    `json:"type"`    // "subscriber.dead_letter"
	Version       string    `json:"version"` // schema version
	At            time.Time `json:"at"`
	Queue         string    `json:"queue"`
	Target        string    `json:"target"`
	MessageID     string    `json:"message_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Attempts      int       `json:"attempts"`    // push attempts including the direct one
	Disposition   string    `json:"disposition"` // acked, nacked or routed
	Policy        string    `json:"policy"`      // requeue, discard or dlq
	HTTPStatus    int       `json:"http_status,omitempty"`
	Reason        string    `json:"reason,omitempty"` // last delivery failure
}

func NewDeadLetter(queue, target, messageID, correlationID string, attempts, httpStatus int, reason string) DeadLetter {
	return DeadLetter{
		Type:          DeadLetterType,
		Version:       "v1",
		At:            time.Now().UTC(),
		Queue:         queue,
		Target:        target,
		MessageID:     messageID,
		CorrelationID: correlationID,
		Attempts:      attempts,
		HTTPStatus:    httpStatus,
		Reason:        reason,
	}
}
