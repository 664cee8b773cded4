package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/outboxrelay/libs/config"
	"github.com/md-rashed-zaman/outboxrelay/libs/kafkax"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/relay"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/replication"
)

type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"outbox-relay"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Port        string `env:"PORT" envDefault:"8090"`
	GRPCPort    string `env:"GRPC_PORT" envDefault:"9090"`

	DatabaseURL       string        `env:"DATABASE_URL,required,notEmpty"`
	AutoMigrate       bool          `env:"AUTO_MIGRATE" envDefault:"false"`
	ReplicationURL    string        `env:"REPLICATION_DATABASE_URL"`
	OutboxTable       string        `env:"OUTBOX_TABLE" envDefault:"outbox_messages"`
	Slot              string        `env:"REPLICATION_SLOT" envDefault:"outbox_relay"`
	Publication       string        `env:"PUBLICATION" envDefault:"outbox_publication"`
	Subscription      string        `env:"SUBSCRIPTION_NAME" envDefault:"outbox-relay"`
	SnapshotBatchSize int           `env:"SNAPSHOT_BATCH_SIZE" envDefault:"500"`
	StandbyTimeout    time.Duration `env:"REPLICATION_STANDBY_TIMEOUT" envDefault:"10s"`

	KafkaBrokers     string `env:"KAFKA_BROKERS"`
	KafkaTopicPrefix string `env:"KAFKA_TOPIC_PREFIX"`

	RedisAddr         string        `env:"REDIS_ADDR"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisDB           int           `env:"REDIS_DB" envDefault:"0"`
	RedisStreamPrefix string        `env:"REDIS_STREAM_PREFIX" envDefault:"dialogevents:stream:"`
	RedisStreamMaxLen int64         `env:"REDIS_STREAM_MAXLEN" envDefault:"1000"`
	RedisStreamTTL    time.Duration `env:"REDIS_STREAM_TTL" envDefault:"24h"`

	BatchSize          int           `env:"RELAY_BATCH_SIZE" envDefault:"100"`
	FlushInterval      time.Duration `env:"RELAY_FLUSH_INTERVAL" envDefault:"200ms"`
	PublishTimeout     time.Duration `env:"RELAY_PUBLISH_TIMEOUT" envDefault:"10s"`
	PublishConcurrency int           `env:"RELAY_PUBLISH_CONCURRENCY" envDefault:"8"`
	PublishMaxElapsed  time.Duration `env:"RELAY_PUBLISH_MAX_ELAPSED" envDefault:"30s"`
	BackoffInitial     time.Duration `env:"RELAY_BACKOFF_INITIAL" envDefault:"500ms"`
	BackoffMax         time.Duration `env:"RELAY_BACKOFF_MAX" envDefault:"30s"`
	PoisonPolicy       string        `env:"RELAY_POISON_POLICY" envDefault:"skip"`
	InitialMode        string        `env:"RELAY_INITIAL_MODE" envDefault:"snapshot"`
	InitialPosition    string        `env:"RELAY_INITIAL_POSITION"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if err := config.ValidatePort("PORT", c.Port); err != nil {
		errs = append(errs, err)
	}
	if err := config.ValidatePort("GRPC_PORT", c.GRPCPort); err != nil {
		errs = append(errs, err)
	}
	if len(kafkax.SplitBrokers(c.KafkaBrokers)) == 0 && strings.TrimSpace(c.RedisAddr) == "" {
		errs = append(errs, errors.New("at least one sink is required: set KAFKA_BROKERS or REDIS_ADDR"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_BATCH_SIZE must be positive (got %d)", c.BatchSize))
	}
	if c.PublishConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_PUBLISH_CONCURRENCY must be positive (got %d)", c.PublishConcurrency))
	}
	rc, err := c.relayConfig()
	if err != nil {
		errs = append(errs, err)
	} else if err := rc.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) relayConfig() (relay.Config, error) {
	rc := relay.Config{
		Subscription:       c.Subscription,
		BatchSize:          c.BatchSize,
		FlushInterval:      c.FlushInterval,
		PublishTimeout:     c.PublishTimeout,
		PublishConcurrency: c.PublishConcurrency,
		PublishMaxElapsed:  c.PublishMaxElapsed,
		ReconnectInitial:   c.BackoffInitial,
		ReconnectMax:       c.BackoffMax,
		PoisonPolicy:       relay.PoisonPolicy(strings.ToLower(c.PoisonPolicy)),
		InitialMode:        relay.InitialMode(strings.ToLower(c.InitialMode)),
	}
	if c.InitialPosition != "" {
		pos, err := replication.ParsePosition(c.InitialPosition)
		if err != nil {
			return relay.Config{}, fmt.Errorf("RELAY_INITIAL_POSITION: %w", err)
		}
		rc.InitialPosition = pos
	}
	return rc, nil
}

func (c Config) replicationConfig() replication.Config {
	return replication.Config{
		ReplicationURL:    c.ReplicationURL,
		Table:             c.OutboxTable,
		Slot:              c.Slot,
		Publication:       c.Publication,
		SnapshotBatchSize: c.SnapshotBatchSize,
		StandbyTimeout:    c.StandbyTimeout,
	}
}
