package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/outboxrelay/libs/config"
	"github.com/md-rashed-zaman/outboxrelay/libs/db"
	"github.com/md-rashed-zaman/outboxrelay/libs/events"
	"github.com/md-rashed-zaman/outboxrelay/libs/outbox"
	"github.com/md-rashed-zaman/outboxrelay/libs/redisx"
	"github.com/md-rashed-zaman/outboxrelay/libs/runtime"
)

// dialog is a minimal aggregate that only raises events.
type dialog struct {
	events.Pending
	ref events.DialogRef
}

func newDialog(party string) *dialog {
	d := &dialog{ref: events.DialogRef{
		DialogID:        uuid.Must(uuid.NewV7()),
		ServiceResource: "urn:altinn:resource:outbox-seed",
		Party:           party,
	}}
	d.Raise(&events.DialogCreated{Base: events.NewBase(nil), DialogRef: d.ref})
	return d
}

func (d *dialog) update(silent bool) {
	var meta map[string]string
	if silent {
		meta = map[string]string{events.MetadataSilentUpdate: "true"}
	}
	d.Raise(&events.DialogUpdated{Base: events.NewBase(meta), DialogRef: d.ref})
}

func (d *dialog) addActivity(activityType string) {
	d.Raise(&events.DialogActivityCreated{
		Base:         events.NewBase(nil),
		DialogRef:    d.ref,
		ActivityID:   uuid.Must(uuid.NewV7()),
		ActivityType: activityType,
	})
}

func main() {
	var (
		databaseURL = flag.String("database-url", config.String("DATABASE_URL", ""), "postgres connection string")
		redisAddr   = flag.String("redis-addr", config.String("REDIS_ADDR", ""), "redis address for change notifications")
		table       = flag.String("table", config.String("OUTBOX_TABLE", outbox.DefaultTable), "outbox table")
		dialogs     = flag.Int("dialogs", 10, "number of dialogs to create")
		updates     = flag.Int("updates", 3, "updates per dialog")
		party       = flag.String("party", "urn:altinn:person:identifier-no:01017012345", "party of the seeded dialogs")
	)
	flag.Parse()

	if strings.TrimSpace(*databaseURL) == "" {
		fatal("DATABASE_URL is required")
	}

	logger := runtime.NewLogger("outbox-seed")
	ctx, stop := runtime.SignalContext()
	defer stop()

	pool, err := db.Open(ctx, *databaseURL)
	if err != nil {
		fatal(err.Error())
	}
	defer pool.Close()

	var notifier outbox.Notifier
	rdb, err := redisx.Open(ctx, redisx.Config{Addr: *redisAddr})
	if err != nil {
		fatal(err.Error())
	}
	if rdb != nil {
		defer rdb.Close()
		notifier = outbox.NewRedisNotifier(rdb)
	}

	uow := outbox.NewUnitOfWork(pool, outbox.NewCapture(outbox.NewRepository(*table), notifier, logger))

	written := 0
	for i := 0; i < *dialogs; i++ {
		err := uow.Do(ctx, func(ctx context.Context, _ pgx.Tx, tracker *outbox.Tracker) error {
			d := newDialog(*party)
			for u := 0; u < *updates; u++ {
				d.update(u%2 == 1)
			}
			d.addActivity("Information")
			written += 2 + *updates
			tracker.Track(d)
			return nil
		})
		if err != nil {
			fatal(err.Error())
		}
	}

	fmt.Printf("dialogs=%d events=%d\n", *dialogs, written)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
