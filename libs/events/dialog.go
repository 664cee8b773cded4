package events

import "github.com/google/uuid"

const (
	TypeDialogCreated         = "dialog.created.v1"
	TypeDialogUpdated         = "dialog.updated.v1"
	TypeDialogDeleted         = "dialog.deleted.v1"
	TypeDialogRestored        = "dialog.restored.v1"
	TypeDialogSeen            = "dialog.seen.v1"
	TypeDialogActivityCreated = "dialog.activity.created.v1"
)

// DialogRef identifies the dialog an event belongs to. The dialog id is the
// partition key, so every event of one dialog keeps its order on the bus.
type DialogRef struct {
	DialogID         uuid.UUID `json:"dialogId"`
	ServiceResource  string    `json:"serviceResource"`
	Party            string    `json:"party"`
	Process          string    `json:"process,omitempty"`
	PrecedingProcess string    `json:"precedingProcess,omitempty"`
}

func (d DialogRef) AggregateID() string { return d.DialogID.String() }

type DialogCreated struct {
	Base
	DialogRef
}

func (*DialogCreated) EventType() string { return TypeDialogCreated }

type DialogUpdated struct {
	Base
	DialogRef
}

func (*DialogUpdated) EventType() string { return TypeDialogUpdated }

type DialogDeleted struct {
	Base
	DialogRef
}

func (*DialogDeleted) EventType() string { return TypeDialogDeleted }

type DialogRestored struct {
	Base
	DialogRef
}

func (*DialogRestored) EventType() string { return TypeDialogRestored }

type DialogSeen struct {
	Base
	DialogRef
}

func (*DialogSeen) EventType() string { return TypeDialogSeen }

type DialogActivityCreated struct {
	Base
	DialogRef
	ActivityID   uuid.UUID `json:"activityId"`
	ActivityType string    `json:"activityType"`
	ExtendedType string    `json:"extendedType,omitempty"`
}

func (*DialogActivityCreated) EventType() string { return TypeDialogActivityCreated }

// RegisterDialogEvents adds a decoder for every dialog event shape.
func RegisterDialogEvents(r *Registry) error {
	decoders := map[string]Decoder{
		TypeDialogCreated:         JSONDecoder[DialogCreated](),
		TypeDialogUpdated:         JSONDecoder[DialogUpdated](),
		TypeDialogDeleted:         JSONDecoder[DialogDeleted](),
		TypeDialogRestored:        JSONDecoder[DialogRestored](),
		TypeDialogSeen:            JSONDecoder[DialogSeen](),
		TypeDialogActivityCreated: JSONDecoder[DialogActivityCreated](),
	}
	for _, t := range []string{
		TypeDialogCreated, TypeDialogUpdated, TypeDialogDeleted,
		TypeDialogRestored, TypeDialogSeen, TypeDialogActivityCreated,
	} {
		if err := r.Register(t, decoders[t]); err != nil {
			return err
		}
	}
	return nil
}
