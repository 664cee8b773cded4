package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/outboxrelay/libs/db"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/replication"
)

type PostgresRepository struct {
	pool *db.Pool
}

func NewPostgresRepository(pool *db.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Load(ctx context.Context, subscription string) (Checkpoint, bool, error) {
	var (
		cp        Checkpoint
		position  string
		messageID *uuid.UUID
		eventID   *uuid.UUID
	)
	err := r.pool.QueryRow(ctx, `
		SELECT subscription, position::text, message_id, event_id, updated_at
		FROM outbox_checkpoints
		WHERE subscription = $1
	`, subscription).Scan(&cp.Subscription, &position, &messageID, &eventID, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", subscription, err)
	}
	pos, err := replication.ParsePosition(position)
	if err != nil {
		return Checkpoint{}, false, err
	}
	cp.Position = pos
	if messageID != nil {
		cp.MessageID = *messageID
	}
	if eventID != nil {
		cp.EventID = *eventID
	}
	return cp, true, nil
}

// Save upserts cp unless the stored position is already further ahead.
func (r *PostgresRepository) Save(ctx context.Context, cp Checkpoint) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO outbox_checkpoints (subscription, position, message_id, event_id, updated_at)
		VALUES ($1, $2::pg_lsn, $3, $4, now())
		ON CONFLICT (subscription) DO UPDATE
		SET position = EXCLUDED.position,
		    message_id = EXCLUDED.message_id,
		    event_id = EXCLUDED.event_id,
		    updated_at = EXCLUDED.updated_at
		WHERE outbox_checkpoints.position <= EXCLUDED.position
	`, cp.Subscription, cp.Position.String(), nullUUID(cp.MessageID), nullUUID(cp.EventID))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Subscription, err)
	}
	return nil
}

// Reset deletes the checkpoint so the next start begins from the configured
// initial mode. Operator use only.
func (r *PostgresRepository) Reset(ctx context.Context, subscription string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM outbox_checkpoints WHERE subscription = $1`, subscription)
	return err
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
