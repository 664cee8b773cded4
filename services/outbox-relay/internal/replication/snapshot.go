package replication

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/outboxrelay/libs/outbox"
)

// rowPager reads outbox rows in primary key order, limit rows after afterID
// at a time. An empty afterID starts at the first row.
type rowPager interface {
	page(ctx context.Context, afterID string, limit int) ([]map[string][]byte, error)
	close(ctx context.Context) error
}

// pgSnapshot pages through the outbox table as of the slot's snapshot.
type pgSnapshot struct {
	pager  rowPager
	pos    Position
	table  string
	batch  int
	lastID string
	buf    []Record
	done   bool
}

func (s *pgSnapshot) Position() Position { return s.pos }

func (s *pgSnapshot) Next(ctx context.Context) (Record, error) {
	if len(s.buf) == 0 && !s.done {
		if err := s.fetch(ctx); err != nil {
			return Record{}, err
		}
	}
	if len(s.buf) == 0 {
		return Record{}, io.EOF
	}
	rec := s.buf[0]
	s.buf = s.buf[1:]
	return rec, nil
}

func (s *pgSnapshot) fetch(ctx context.Context) error {
	rows, err := s.pager.page(ctx, s.lastID, s.batch)
	if err != nil {
		return err
	}
	for _, cols := range rows {
		id := string(cols[outbox.ColumnID])
		if id == "" {
			return fmt.Errorf("snapshot row without %s column", outbox.ColumnID)
		}
		s.lastID = id
		s.buf = append(s.buf, Record{Position: s.pos, Snapshot: true, Table: s.table, Columns: cols})
	}
	// A short page is the last one.
	if len(rows) < s.batch {
		s.done = true
	}
	return nil
}

func (s *pgSnapshot) Close(ctx context.Context) error {
	return s.pager.close(ctx)
}

// txPager reads pages inside the transaction that imported the snapshot.
type txPager struct {
	tx    pgx.Tx
	query string
}

func (p *txPager) page(ctx context.Context, afterID string, limit int) ([]map[string][]byte, error) {
	query := p.query + ` ORDER BY id LIMIT $1`
	args := []any{pgx.QueryExecModeSimpleProtocol, limit}
	if afterID != "" {
		query = p.query + ` WHERE id > $2::uuid ORDER BY id LIMIT $1`
		args = append(args, afterID)
	}
	// The simple protocol returns every value in text format, the same
	// encoding the change stream uses.
	rows, err := p.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, connectionError("snapshot query", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string][]byte
	for rows.Next() {
		raw := rows.RawValues()
		cols := make(map[string][]byte, len(fields))
		for i, f := range fields {
			if raw[i] == nil {
				cols[f.Name] = nil
				continue
			}
			cols[f.Name] = append([]byte(nil), raw[i]...)
		}
		out = append(out, cols)
	}
	if err := rows.Err(); err != nil {
		return nil, connectionError("snapshot rows", err)
	}
	return out, nil
}

func (p *txPager) close(ctx context.Context) error {
	return p.tx.Rollback(context.WithoutCancel(ctx))
}
