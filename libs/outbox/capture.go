package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/outboxrelay/libs/db"
	"github.com/md-rashed-zaman/outboxrelay/libs/events"
	otelx "github.com/md-rashed-zaman/outboxrelay/libs/otel"
)

// Capture turns the pending events of the tracked aggregates into outbox rows
// inside the business transaction.
type Capture struct {
	repo     *Repository
	notifier Notifier
	logger   *slog.Logger
}

// NewCapture builds a Capture. notifier may be nil.
func NewCapture(repo *Repository, notifier Notifier, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{repo: repo, notifier: notifier, logger: logger}
}

// Commit stamps every pending event with the transaction time, inserts them,
// commits tx and then notifies the side channel. Nothing is notified when the
// commit fails.
func (c *Capture) Commit(ctx context.Context, tx Tx, aggregates ...events.Publisher) error {
	var now time.Time
	if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return fmt.Errorf("read transaction time: %w", err)
	}
	trace := otelx.TraceContextFrom(ctx)

	var written []events.Event
	for _, agg := range aggregates {
		for _, e := range agg.PopDomainEvents() {
			events.Stamp(e, now)
			msg, err := NewMessage(e, trace)
			if err != nil {
				return err
			}
			if err := c.repo.Insert(ctx, tx, msg); err != nil {
				return fmt.Errorf("insert outbox %s: %w", msg.Type, err)
			}
			written = append(written, e)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if c.notifier != nil && len(written) > 0 {
		if err := c.notifier.Notify(ctx, written); err != nil {
			c.logger.Error("event notification failed", "err", err, "events", len(written))
		}
	}
	return nil
}

// Tracker collects the aggregates touched by one unit of work.
type Tracker struct {
	aggregates []events.Publisher
}

func (t *Tracker) Track(aggregates ...events.Publisher) {
	t.aggregates = append(t.aggregates, aggregates...)
}

type UnitOfWork struct {
	pool    *db.Pool
	capture *Capture
}

func NewUnitOfWork(pool *db.Pool, capture *Capture) *UnitOfWork {
	return &UnitOfWork{pool: pool, capture: capture}
}

// Do runs fn in a transaction and commits it through Capture. The transaction
// is rolled back if fn or the commit fails.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx, tracker *Tracker) error) error {
	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tracker Tracker
	if err := fn(ctx, tx, &tracker); err != nil {
		return err
	}
	return u.capture.Commit(ctx, tx, tracker.aggregates...)
}
