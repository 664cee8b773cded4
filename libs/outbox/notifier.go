package outbox

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/md-rashed-zaman/outboxrelay/libs/events"
	"github.com/redis/go-redis/v9"
)

// Notifier is the best-effort channel fired after a successful commit.
// Delivery is not guaranteed and failures are never retried.
type Notifier interface {
	Notify(ctx context.Context, committed []events.Event) error
}

const (
	ChannelPrefix = "dialogevents:"

	NotificationUpdated = "DIALOG_UPDATED"
	NotificationDeleted = "DIALOG_DELETED"
)

type Notification struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	// Silent is set for silent updates so subscribers that announce changes
	// to external parties can skip them.
	Silent bool `json:"silent,omitempty"`
}

// RedisNotifier pushes dialog change notifications to per-dialog pub/sub
// channels read by live subscription endpoints.
type RedisNotifier struct {
	rdb redis.UniversalClient
}

func NewRedisNotifier(rdb redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) Notify(ctx context.Context, committed []events.Event) error {
	var errs []error
	for _, e := range committed {
		kind, ok := NotificationKind(e)
		if !ok {
			continue
		}
		body, err := json.Marshal(Notification{ID: e.AggregateID(), Type: kind, Silent: events.IsSilentUpdate(e)})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := n.rdb.Publish(ctx, ChannelPrefix+e.AggregateID(), body).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotificationKind maps an event to the notification it triggers. Event types
// nobody subscribes to map to nothing. Silent updates still notify: the flag
// only suppresses announcements to external parties, and open dialog views
// must refresh either way.
func NotificationKind(e events.Event) (string, bool) {
	switch e.EventType() {
	case events.TypeDialogUpdated, events.TypeDialogActivityCreated:
		return NotificationUpdated, true
	case events.TypeDialogDeleted:
		return NotificationDeleted, true
	default:
		return "", false
	}
}
