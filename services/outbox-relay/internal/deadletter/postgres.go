package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/md-rashed-zaman/outboxrelay/libs/db"
)

type PostgresStore struct {
	pool *db.Pool
}

func NewPostgresStore(pool *db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Put records e. The raw row is stored as a JSON object of text columns.
func (s *PostgresStore) Put(ctx context.Context, e Entry) error {
	row, err := json.Marshal(textColumns(e.Columns))
	if err != nil {
		return fmt.Errorf("encode dead letter row: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO outbox_dead_letters (subscription, position, message_id, event_type, reason, error, row_data)
		VALUES ($1, $2::pg_lsn, $3, $4, $5, $6, $7)
		ON CONFLICT (subscription, position, message_id) DO NOTHING
	`, e.Subscription, e.Position.String(), e.MessageID, e.EventType, e.Reason, e.Error, string(row))
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func textColumns(cols map[string][]byte) map[string]*string {
	out := make(map[string]*string, len(cols))
	for k, v := range cols {
		if v == nil {
			out[k] = nil
			continue
		}
		s := string(v)
		out[k] = &s
	}
	return out
}
