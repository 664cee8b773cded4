package events

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPendingPopClearsBuffer(t *testing.T) {
	var p Pending
	p.Raise(&DialogCreated{Base: NewBase(nil)})
	p.Raise(&DialogUpdated{Base: NewBase(nil)})

	if !p.HasEvents() {
		t.Fatal("expected pending events")
	}
	got := p.PopDomainEvents()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if p.HasEvents() || len(p.PopDomainEvents()) != 0 {
		t.Fatal("pop must clear the buffer")
	}
}

func TestRegistryDecodesDialogEvents(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterDialogEvents(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	dialogID := uuid.MustParse("0195f2c4-8d8c-7c1e-9a55-222222222222")
	in := &DialogActivityCreated{
		Base:         NewBase(map[string]string{MetadataSilentUpdate: "true"}),
		DialogRef:    DialogRef{DialogID: dialogID, ServiceResource: "urn:altinn:resource:demo", Party: "urn:altinn:person:1"},
		ActivityID:   uuid.MustParse("0195f2c4-8d8c-7c1e-9a55-333333333333"),
		ActivityType: "Information",
	}
	Stamp(in, time.Date(2026, 5, 1, 8, 0, 0, 0, time.FixedZone("CET", 3600)))

	payload, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := reg.Decode(TypeDialogActivityCreated, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := out.(*DialogActivityCreated)
	if !ok {
		t.Fatalf("expected *DialogActivityCreated, got %T", out)
	}
	if got.EventID() != in.EventID() || got.AggregateID() != dialogID.String() {
		t.Fatalf("identity lost: %+v", got)
	}
	if !got.OccurredAt().Equal(in.OccurredAt()) || got.OccurredAt().Location() != time.UTC {
		t.Fatalf("occurredAt must be stamped in UTC, got %s", got.OccurredAt())
	}
	if !IsSilentUpdate(got) {
		t.Fatal("metadata must survive the round trip")
	}
}

func TestRegistryErrors(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(" ", JSONDecoder[DialogSeen]()); !errors.Is(err, ErrEmptyType) {
		t.Fatalf("expected ErrEmptyType, got %v", err)
	}
	if err := reg.Register(TypeDialogSeen, nil); !errors.Is(err, ErrNilDecoder) {
		t.Fatalf("expected ErrNilDecoder, got %v", err)
	}
	if err := reg.Register(TypeDialogSeen, JSONDecoder[DialogSeen]()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(TypeDialogSeen, JSONDecoder[DialogSeen]()); !errors.Is(err, ErrDuplicateType) {
		t.Fatalf("expected ErrDuplicateType, got %v", err)
	}
	if _, err := reg.Decode("dialog.unknown.v1", []byte(`{}`)); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if _, err := reg.Decode(TypeDialogSeen, []byte(`{not json`)); err == nil {
		t.Fatal("expected corrupt payload to fail")
	}
	if types := reg.Types(); len(types) != 1 || types[0] != TypeDialogSeen {
		t.Fatalf("unexpected types %v", types)
	}
}
