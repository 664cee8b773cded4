// Package outbox is the producer side of the relay: the outbox row schema and
// the capture step that writes domain events in the business transaction.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/outboxrelay/libs/events"
	otelx "github.com/md-rashed-zaman/outboxrelay/libs/otel"
)

const DefaultTable = "outbox_messages"

// Column names of the outbox table. The relay reads replicated rows by these
// names, so they are part of the wire contract.
const (
	ColumnID          = "id"
	ColumnEventID     = "event_id"
	ColumnType        = "type"
	ColumnAggregateID = "aggregate_id"
	ColumnPayload     = "payload"
	ColumnOccurredAt  = "occurred_at"
	ColumnTraceparent = "traceparent"
	ColumnTracestate  = "tracestate"
)

// Message is one immutable outbox row.
type Message struct {
	ID          uuid.UUID
	EventID     uuid.UUID
	Type        string
	AggregateID string
	Payload     []byte
	OccurredAt  time.Time
	Trace       otelx.TraceContext
}

// NewMessage serializes a stamped event into an outbox row with a
// time-ordered id.
func NewMessage(e events.Event, trace otelx.TraceContext) (Message, error) {
	if e.OccurredAt().IsZero() {
		return Message{}, fmt.Errorf("event %s has no occurredAt", e.EventID())
	}
	payload, err := events.Marshal(e)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s: %w", e.EventType(), err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:          id,
		EventID:     e.EventID(),
		Type:        e.EventType(),
		AggregateID: e.AggregateID(),
		Payload:     payload,
		OccurredAt:  e.OccurredAt(),
		Trace:       trace,
	}, nil
}

// Envelope is the message body published on the bus.
type Envelope struct {
	EventID     string            `json:"eventId"`
	Type        string            `json:"type"`
	OccurredAt  time.Time         `json:"occurredAt"`
	AggregateID string            `json:"aggregateId"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Payload     json.RawMessage   `json:"payload"`
}
