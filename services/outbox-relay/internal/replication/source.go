// Package replication reads committed outbox rows from the database change
// stream: a consistent snapshot for the first start, then logical
// replication from a saved position.
package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrConnection marks failures that are cured by reconnecting.
	ErrConnection = errors.New("replication connection failed")
	// ErrSlotMissing means a checkpoint exists but the replication slot was
	// dropped, so changes since the checkpoint are lost.
	ErrSlotMissing = errors.New("replication slot does not exist")
)

// Position is a totally ordered point in the change stream (a Postgres LSN).
type Position uint64

func ParsePosition(s string) (Position, error) {
	lsn, err := pglogrepl.ParseLSN(s)
	if err != nil {
		return 0, fmt.Errorf("parse position %q: %w", s, err)
	}
	return Position(lsn), nil
}

func (p Position) String() string {
	return pglogrepl.LSN(p).String()
}

// Record is one committed outbox row. Column values are the text encoding the
// server sent; nil is SQL NULL.
type Record struct {
	Position Position
	// TxEnd is set on the last row of a transaction. Only such records may
	// become a checkpoint.
	TxEnd    bool
	Snapshot bool
	Table    string
	Columns  map[string][]byte
}

// Source opens snapshots and streams over one subscription.
type Source interface {
	// Snapshot recreates the subscription and returns every row that was
	// committed when it was created.
	Snapshot(ctx context.Context) (Snapshot, error)
	// Prepare makes sure the subscription exists without reading existing
	// rows and returns the current position of the change stream.
	Prepare(ctx context.Context) (Position, error)
	Stream(ctx context.Context, from Position) (Stream, error)
}

type Snapshot interface {
	// Position is where streaming continues once the snapshot is consumed.
	Position() Position
	// Next returns io.EOF after the last row.
	Next(ctx context.Context) (Record, error)
	Close(ctx context.Context) error
}

// Stream is not safe for concurrent use.
type Stream interface {
	// Next blocks until a record is available or ctx is done.
	Next(ctx context.Context) (Record, error)
	// Confirm tells the server everything up to pos is durably handled.
	Confirm(ctx context.Context, pos Position) error
	Close(ctx context.Context) error
}

// connectionError marks err as curable by reconnecting, unless the server
// refused the request for a reason that no reconnect changes.
func connectionError(op string, err error) error {
	if IsRefused(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrConnection, op, err)
}

// IsRefused reports whether the server rejected a request because of how the
// relay or the database is set up: a missing table or publication, missing
// privileges, bad credentials, an unknown database, or a server that cannot
// do logical decoding.
func IsRefused(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) != 5 {
		return false
	}
	if pgErr.Code == "55000" {
		return true
	}
	switch pgErr.Code[:2] {
	case "0A", "28", "3D", "42":
		return true
	}
	return false
}
