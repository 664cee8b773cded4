package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

// replicationConn is the part of a replication connection a stream uses.
type replicationConn interface {
	ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error)
	SendStandbyStatus(ctx context.Context, update pglogrepl.StandbyStatusUpdate) error
	Close(ctx context.Context) error
}

type pgReplicationConn struct {
	*pgconn.PgConn
}

func (c pgReplicationConn) SendStandbyStatus(ctx context.Context, update pglogrepl.StandbyStatusUpdate) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, c.PgConn, update)
}

type pgStream struct {
	conn           replicationConn
	dec            *txDecoder
	standbyTimeout time.Duration
	nextStandby    time.Time

	pending   []Record
	emitted   Position
	confirmed Position
}

func newPGStream(conn replicationConn, dec *txDecoder, from Position, standbyTimeout time.Duration) *pgStream {
	return &pgStream{
		conn:           conn,
		dec:            dec,
		standbyTimeout: standbyTimeout,
		nextStandby:    time.Now().Add(standbyTimeout),
		emitted:        from,
		confirmed:      from,
	}
}

func (s *pgStream) Next(ctx context.Context) (Record, error) {
	for {
		if len(s.pending) > 0 {
			rec := s.pending[0]
			s.pending = s.pending[1:]
			if rec.Position > s.emitted {
				s.emitted = rec.Position
			}
			return rec, nil
		}

		if !time.Now().Before(s.nextStandby) {
			if err := s.sendStandby(ctx); err != nil {
				return Record{}, err
			}
		}

		recvCtx, cancel := context.WithDeadline(ctx, s.nextStandby)
		msg, err := s.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return Record{}, ctx.Err()
			}
			if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return Record{}, connectionError("receive", err)
		}

		switch m := msg.(type) {
		case *pgproto3.CopyData:
			if err := s.handleCopyData(m.Data); err != nil {
				return Record{}, err
			}
		case *pgproto3.ErrorResponse:
			return Record{}, connectionError("server", pgconn.ErrorResponseToPgError(m))
		}
	}
}

func (s *pgStream) handleCopyData(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return fmt.Errorf("parse keepalive: %w", err)
		}
		// With no transaction buffered and every emitted record confirmed,
		// nothing before the server's WAL end is owed to us.
		if s.dec.idle() && len(s.pending) == 0 && s.confirmed >= s.emitted && Position(pkm.ServerWALEnd) > s.confirmed {
			s.confirmed = Position(pkm.ServerWALEnd)
			s.emitted = s.confirmed
		}
		if pkm.ReplyRequested {
			s.nextStandby = time.Time{}
		}
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return fmt.Errorf("parse xlog data: %w", err)
		}
		logical, err := pglogrepl.Parse(xld.WALData)
		if err != nil {
			return fmt.Errorf("parse logical message: %w", err)
		}
		s.pending = append(s.pending, s.dec.apply(logical)...)
	}
	return nil
}

func (s *pgStream) Confirm(ctx context.Context, pos Position) error {
	if pos <= s.confirmed {
		return nil
	}
	s.confirmed = pos
	return s.sendStandby(ctx)
}

func (s *pgStream) sendStandby(ctx context.Context) error {
	err := s.conn.SendStandbyStatus(ctx, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pglogrepl.LSN(s.confirmed),
	})
	if err != nil {
		return connectionError("standby status", err)
	}
	s.nextStandby = time.Now().Add(s.standbyTimeout)
	return nil
}

func (s *pgStream) Close(ctx context.Context) error {
	return s.conn.Close(context.WithoutCancel(ctx))
}
