package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/outboxrelay/libs/db"
)

const outputPlugin = "pgoutput"

type Config struct {
	// ReplicationURL is a connection string accepted by the replication
	// protocol. Derived from the pool's URL when empty.
	ReplicationURL    string
	Table             string
	Slot              string
	Publication       string
	SnapshotBatchSize int
	StandbyTimeout    time.Duration
}

// PostgresSource reads the outbox table through a pgoutput logical
// replication slot.
type PostgresSource struct {
	pool   *db.Pool
	cfg    Config
	schema string
	table  string
	logger *slog.Logger
}

func NewPostgresSource(pool *db.Pool, cfg Config, logger *slog.Logger) (*PostgresSource, error) {
	if pool == nil {
		return nil, errors.New("replication: pool is required")
	}
	if strings.TrimSpace(cfg.ReplicationURL) == "" {
		cfg.ReplicationURL = ReplicationURL(pool.Config().ConnString())
	}
	if cfg.Slot == "" || cfg.Publication == "" || cfg.Table == "" {
		return nil, errors.New("replication: table, slot and publication are required")
	}
	if cfg.SnapshotBatchSize <= 0 {
		cfg.SnapshotBatchSize = 500
	}
	if cfg.StandbyTimeout <= 0 {
		cfg.StandbyTimeout = 10 * time.Second
	}
	schema, table := splitTable(cfg.Table)
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSource{pool: pool, cfg: cfg, schema: schema, table: table, logger: logger}, nil
}

// ReplicationURL adds replication=database to a regular connection URL.
func ReplicationURL(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil || u.Scheme == "" {
		if strings.Contains(databaseURL, "replication=") {
			return databaseURL
		}
		return strings.TrimSpace(databaseURL + " replication=database")
	}
	q := u.Query()
	q.Set("replication", "database")
	u.RawQuery = q.Encode()
	return u.String()
}

func splitTable(name string) (string, string) {
	if schema, table, ok := strings.Cut(name, "."); ok {
		return schema, table
	}
	return "", name
}

func (s *PostgresSource) qualifiedTable() string {
	if s.schema == "" {
		return pgx.Identifier{s.table}.Sanitize()
	}
	return pgx.Identifier{s.schema, s.table}.Sanitize()
}

// EnsurePublication creates the insert-only publication for the outbox table
// if it does not exist.
func (s *PostgresSource) EnsurePublication(ctx context.Context) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)`, s.cfg.Publication).Scan(&exists); err != nil {
		return connectionError("lookup publication", err)
	}
	if exists {
		return nil
	}
	_, err := s.pool.Exec(ctx, `CREATE PUBLICATION `+pgx.Identifier{s.cfg.Publication}.Sanitize()+
		` FOR TABLE `+s.qualifiedTable()+` WITH (publish = 'insert')`)
	if err != nil && !isDuplicateObject(err) {
		return connectionError("create publication", err)
	}
	s.logger.Info("publication created", "publication", s.cfg.Publication, "table", s.cfg.Table)
	return nil
}

func (s *PostgresSource) slotExists(ctx context.Context) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)`, s.cfg.Slot).Scan(&exists)
	if err != nil {
		return false, connectionError("lookup slot", err)
	}
	return exists, nil
}

func (s *PostgresSource) connect(ctx context.Context) (*pgconn.PgConn, error) {
	conn, err := pgconn.Connect(ctx, s.cfg.ReplicationURL)
	if err != nil {
		return nil, connectionError("connect", err)
	}
	return conn, nil
}

func (s *PostgresSource) createSlot(ctx context.Context, conn *pgconn.PgConn, snapshotAction string) (pglogrepl.CreateReplicationSlotResult, Position, error) {
	res, err := pglogrepl.CreateReplicationSlot(ctx, conn, s.cfg.Slot, outputPlugin, pglogrepl.CreateReplicationSlotOptions{
		SnapshotAction: snapshotAction,
		Mode:           pglogrepl.LogicalReplication,
	})
	if err != nil {
		return res, 0, connectionError("create slot "+s.cfg.Slot, err)
	}
	pos, err := ParsePosition(res.ConsistentPoint)
	if err != nil {
		return res, 0, err
	}
	s.logger.Info("replication slot created", "slot", s.cfg.Slot, "position", pos.String())
	return res, pos, nil
}

// Snapshot drops any leftover slot, creates a fresh one that exports its
// snapshot, and reads the outbox table as of that snapshot. Every row
// committed later is delivered by Stream from Snapshot.Position.
func (s *PostgresSource) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := s.EnsurePublication(ctx); err != nil {
		return nil, err
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	// The exported snapshot lives until conn runs another command.
	defer conn.Close(context.WithoutCancel(ctx))

	exists, err := s.slotExists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		s.logger.Warn("dropping replication slot left by an unfinished snapshot", "slot", s.cfg.Slot)
		if err := pglogrepl.DropReplicationSlot(ctx, conn, s.cfg.Slot, pglogrepl.DropReplicationSlotOptions{Wait: true}); err != nil && !db.IsUndefinedObject(err) {
			return nil, connectionError("drop slot", err)
		}
	}

	res, pos, err := s.createSlot(ctx, conn, "EXPORT_SNAPSHOT")
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, connectionError("begin snapshot", err)
	}
	if _, err := tx.Exec(ctx, `SET TRANSACTION SNAPSHOT '`+strings.ReplaceAll(res.SnapshotName, "'", "''")+`'`); err != nil {
		_ = tx.Rollback(ctx)
		return nil, connectionError("import snapshot "+res.SnapshotName, err)
	}
	s.logger.Info("snapshot started", "snapshot", res.SnapshotName, "position", pos.String())

	return &pgSnapshot{
		pager: &txPager{tx: tx, query: `SELECT * FROM ` + s.qualifiedTable()},
		pos:   pos,
		table: s.table,
		batch: s.cfg.SnapshotBatchSize,
	}, nil
}

func (s *PostgresSource) Prepare(ctx context.Context) (Position, error) {
	if err := s.EnsurePublication(ctx); err != nil {
		return 0, err
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	exists, err := s.slotExists(ctx)
	if err != nil {
		return 0, err
	}
	if !exists {
		_, pos, err := s.createSlot(ctx, conn, "NOEXPORT_SNAPSHOT")
		return pos, err
	}
	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return 0, connectionError("identify system", err)
	}
	return Position(sys.XLogPos), nil
}

func (s *PostgresSource) Stream(ctx context.Context, from Position) (Stream, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	err = pglogrepl.StartReplication(ctx, conn, s.cfg.Slot, pglogrepl.LSN(from), pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			"publication_names '" + strings.ReplaceAll(s.cfg.Publication, "'", "''") + "'",
		},
	})
	if err != nil {
		_ = conn.Close(context.WithoutCancel(ctx))
		if db.IsUndefinedObject(err) {
			return nil, fmt.Errorf("%w: %s", ErrSlotMissing, s.cfg.Slot)
		}
		return nil, connectionError("start replication", err)
	}
	s.logger.Info("replication started", "slot", s.cfg.Slot, "position", from.String())
	return newPGStream(pgReplicationConn{conn}, newTxDecoder(s.schema, s.table), from, s.cfg.StandbyTimeout), nil
}

func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42710"
}
