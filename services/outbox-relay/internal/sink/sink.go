// Package sink publishes outbox messages to the message bus.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/outboxrelay/libs/events"
	otelx "github.com/md-rashed-zaman/outboxrelay/libs/otel"
	"github.com/md-rashed-zaman/outboxrelay/libs/outbox"
)

// Message is a decoded outbox row ready to publish.
type Message struct {
	ID          uuid.UUID
	EventID     uuid.UUID
	Type        string
	AggregateID string
	OccurredAt  time.Time
	Metadata    map[string]string
	// Payload is the serialized event exactly as stored.
	Payload []byte
	Event   events.Event
	Trace   otelx.TraceContext
}

func (m Message) Envelope() outbox.Envelope {
	return outbox.Envelope{
		EventID:     m.EventID.String(),
		Type:        m.Type,
		OccurredAt:  m.OccurredAt.UTC(),
		AggregateID: m.AggregateID,
		Metadata:    m.Metadata,
		Payload:     json.RawMessage(m.Payload),
	}
}

// Sink delivers messages. Publish returns only after the bus acknowledged
// the message durably. Implementations must be safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// PublishError carries the retry classification of a failed publish.
type PublishError struct {
	Sink      string
	Err       error
	Transient bool
}

func (e *PublishError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return e.Sink + " publish failed (" + kind + "): " + e.Err.Error()
}

func (e *PublishError) Unwrap() error { return e.Err }

func transient(sink string, err error) error {
	return &PublishError{Sink: sink, Err: err, Transient: true}
}

func permanent(sink string, err error) error {
	return &PublishError{Sink: sink, Err: err, Transient: false}
}

// IsTransient reports whether retrying err may succeed. Unclassified errors
// count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}

func encodeEnvelope(sink string, msg Message) ([]byte, error) {
	body, err := json.Marshal(msg.Envelope())
	if err != nil {
		return nil, permanent(sink, err)
	}
	return body, nil
}
