// Package events holds the domain events raised by the dialog aggregate and
// the type registry used to decode them back from the outbox.
package events

import (
	"time"

	"github.com/google/uuid"
)

// MetadataSilentUpdate marks an event whose change must not be announced to
// external subscribers. Internal consumers still receive it.
const MetadataSilentUpdate = "silent_update"

// Event is an immutable domain fact. Only types embedding Base satisfy it.
type Event interface {
	EventID() uuid.UUID
	EventType() string
	AggregateID() string
	OccurredAt() time.Time
	Metadata() map[string]string
	base() *Base
}

type Base struct {
	ID   uuid.UUID         `json:"eventId"`
	At   time.Time         `json:"occurredAt"`
	Meta map[string]string `json:"metadata,omitempty"`
}

// NewBase assigns a fresh time-ordered event id. OccurredAt stays zero until
// the event is committed.
func NewBase(meta map[string]string) Base {
	return Base{ID: uuid.Must(uuid.NewV7()), Meta: meta}
}

func (b *Base) EventID() uuid.UUID          { return b.ID }
func (b *Base) OccurredAt() time.Time       { return b.At }
func (b *Base) Metadata() map[string]string { return b.Meta }
func (b *Base) base() *Base                 { return b }

// Stamp sets the commit time of e.
func Stamp(e Event, at time.Time) {
	e.base().At = at.UTC()
}

func IsSilentUpdate(e Event) bool {
	return e.Metadata()[MetadataSilentUpdate] == "true"
}

// Publisher is implemented by aggregates that buffer domain events until
// their unit of work commits.
type Publisher interface {
	PopDomainEvents() []Event
}

// Pending is the per-aggregate event buffer. Embed it in an aggregate.
type Pending struct {
	events []Event
}

func (p *Pending) Raise(e Event) {
	p.events = append(p.events, e)
}

// PopDomainEvents returns the buffered events and clears the buffer so a
// retried save never emits them twice.
func (p *Pending) PopDomainEvents() []Event {
	events := p.events
	p.events = nil
	return events
}

func (p *Pending) HasEvents() bool {
	return len(p.events) > 0
}
