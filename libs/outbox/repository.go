package outbox

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Tx is the part of pgx.Tx the capture step needs.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
}

type Repository struct {
	table string
}

func NewRepository(table string) *Repository {
	if strings.TrimSpace(table) == "" {
		table = DefaultTable
	}
	return &Repository{table: table}
}

func (r *Repository) Table() string { return r.table }

// Insert adds one row. Rows are never updated or deleted by the application.
func (r *Repository) Insert(ctx context.Context, tx Tx, msg Message) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO `+pgx.Identifier(strings.Split(r.table, ".")).Sanitize()+` (id, event_id, type, aggregate_id, payload, occurred_at, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.EventID, msg.Type, msg.AggregateID, string(msg.Payload), msg.OccurredAt, msg.Trace.Traceparent, msg.Trace.Tracestate)
	return err
}
