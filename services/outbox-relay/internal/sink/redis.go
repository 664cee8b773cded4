package sink

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisSinkName = "redis"

type RedisStreamConfig struct {
	Prefix string
	MaxLen int64
	TTL    time.Duration
}

// RedisStreamSink appends every message to a capped stream per aggregate, read
// by live subscribers that only care about recent changes.
type RedisStreamSink struct {
	rdb redis.UniversalClient
	cfg RedisStreamConfig
}

func NewRedisStreamSink(rdb redis.UniversalClient, cfg RedisStreamConfig) (*RedisStreamSink, error) {
	if rdb == nil {
		return nil, errors.New("redis stream sink: client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "outbox:"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 1000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &RedisStreamSink{rdb: rdb, cfg: cfg}, nil
}

func (s *RedisStreamSink) StreamKey(aggregateID string) string {
	return s.cfg.Prefix + aggregateID
}

func (s *RedisStreamSink) Publish(ctx context.Context, msg Message) error {
	body, err := encodeEnvelope(redisSinkName, msg)
	if err != nil {
		return err
	}
	key := s.StreamKey(msg.AggregateID)
	pipe := s.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{
			"event_id": msg.EventID.String(),
			"type":     msg.Type,
			"envelope": string(body),
		},
	})
	pipe.Expire(ctx, key, s.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		if strings.HasPrefix(err.Error(), "WRONGTYPE") {
			return permanent(redisSinkName, err)
		}
		return transient(redisSinkName, err)
	}
	return nil
}

// Close leaves the shared client open; its owner closes it.
func (s *RedisStreamSink) Close() error { return nil }
