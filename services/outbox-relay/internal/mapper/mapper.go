// Package mapper turns replicated outbox rows into publishable messages.
package mapper

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/outboxrelay/libs/events"
	otelx "github.com/md-rashed-zaman/outboxrelay/libs/otel"
	"github.com/md-rashed-zaman/outboxrelay/libs/outbox"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/replication"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/sink"
)

type Reason string

const (
	ReasonUnknownType    Reason = "unknown_type"
	ReasonCorruptPayload Reason = "corrupt_payload"
	ReasonMissingColumn  Reason = "missing_column"
)

// DecodeError is returned for rows that can never be published as they are.
type DecodeError struct {
	Reason Reason
	Column string
	Type   string
	Err    error
}

func (e *DecodeError) Error() string {
	var b strings.Builder
	b.WriteString("decode outbox row: ")
	b.WriteString(string(e.Reason))
	if e.Column != "" {
		b.WriteString(" column=" + e.Column)
	}
	if e.Type != "" {
		b.WriteString(" type=" + e.Type)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PoisonReason reports why err marks a row that no retry will fix, and
// whether it does at all.
func PoisonReason(err error) (Reason, bool) {
	var de *DecodeError
	if !errors.As(err, &de) {
		return "", false
	}
	return de.Reason, true
}

// Postgres renders timestamptz as ISO with a numeric zone offset.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07:00:00",
	time.RFC3339Nano,
}

type Mapper struct {
	registry *events.Registry
}

func New(registry *events.Registry) *Mapper {
	return &Mapper{registry: registry}
}

func (m *Mapper) Map(rec replication.Record) (sink.Message, error) {
	id, err := uuidColumn(rec, outbox.ColumnID)
	if err != nil {
		return sink.Message{}, err
	}
	eventID, err := uuidColumn(rec, outbox.ColumnEventID)
	if err != nil {
		return sink.Message{}, err
	}
	eventType, err := requiredColumn(rec, outbox.ColumnType)
	if err != nil {
		return sink.Message{}, err
	}
	aggregateID, err := requiredColumn(rec, outbox.ColumnAggregateID)
	if err != nil {
		return sink.Message{}, err
	}
	payload, ok := rec.Columns[outbox.ColumnPayload]
	if !ok || payload == nil {
		return sink.Message{}, &DecodeError{Reason: ReasonMissingColumn, Column: outbox.ColumnPayload, Type: eventType}
	}
	rawOccurred, err := requiredColumn(rec, outbox.ColumnOccurredAt)
	if err != nil {
		return sink.Message{}, err
	}
	occurredAt, err := parseTimestamp(rawOccurred)
	if err != nil {
		return sink.Message{}, &DecodeError{Reason: ReasonCorruptPayload, Column: outbox.ColumnOccurredAt, Type: eventType, Err: err}
	}

	evt, err := m.registry.Decode(eventType, payload)
	if err != nil {
		if errors.Is(err, events.ErrUnknownType) {
			return sink.Message{}, &DecodeError{Reason: ReasonUnknownType, Type: eventType, Err: err}
		}
		return sink.Message{}, &DecodeError{Reason: ReasonCorruptPayload, Column: outbox.ColumnPayload, Type: eventType, Err: err}
	}

	return sink.Message{
		ID:          id,
		EventID:     eventID,
		Type:        eventType,
		AggregateID: aggregateID,
		OccurredAt:  occurredAt,
		Metadata:    evt.Metadata(),
		Payload:     append([]byte(nil), payload...),
		Event:       evt,
		Trace: otelx.TraceContext{
			Traceparent: string(rec.Columns[outbox.ColumnTraceparent]),
			Tracestate:  string(rec.Columns[outbox.ColumnTracestate]),
		},
	}, nil
}

func requiredColumn(rec replication.Record, name string) (string, error) {
	v, ok := rec.Columns[name]
	if !ok || v == nil || len(v) == 0 {
		return "", &DecodeError{Reason: ReasonMissingColumn, Column: name}
	}
	return string(v), nil
}

func uuidColumn(rec replication.Record, name string) (uuid.UUID, error) {
	v, err := requiredColumn(rec, name)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, &DecodeError{Reason: ReasonCorruptPayload, Column: name, Err: err}
	}
	return id, nil
}

func parseTimestamp(v string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}
