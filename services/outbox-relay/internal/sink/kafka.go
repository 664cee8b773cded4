package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/outboxrelay/libs/kafkax"
	otelx "github.com/md-rashed-zaman/outboxrelay/libs/otel"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
)

const kafkaSinkName = "kafka"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	TopicPrefix  string
	WriteTimeout time.Duration
	BatchTimeout time.Duration
}

// KafkaSink writes one topic per event type, keyed by aggregate id so all
// events of an aggregate land on the same partition.
type KafkaSink struct {
	writer      messageWriter
	topicPrefix string
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink: no brokers configured")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Millisecond
	}
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Balancer:     &kafka.Hash{},
		RequiredAcks: int(kafka.RequireAll),
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return newKafkaSink(writer, cfg.TopicPrefix), nil
}

func newKafkaSink(w messageWriter, topicPrefix string) *KafkaSink {
	return &KafkaSink{writer: w, topicPrefix: topicPrefix}
}

func (s *KafkaSink) Topic(eventType string) string {
	return s.topicPrefix + eventType
}

func (s *KafkaSink) Publish(ctx context.Context, msg Message) error {
	body, err := encodeEnvelope(kafkaSinkName, msg)
	if err != nil {
		return err
	}
	headers := kafkax.EventHeaders(kafkax.EventMeta{
		EventID:     msg.EventID.String(),
		EventType:   msg.Type,
		AggregateID: msg.AggregateID,
		OccurredAt:  msg.OccurredAt,
		Metadata:    msg.Metadata,
	})
	traceCtx := ctx
	if !trace.SpanContextFromContext(ctx).IsValid() {
		traceCtx = otelx.ContextWithTraceContext(ctx, msg.Trace)
	}
	headers = kafkax.InjectTraceHeaders(traceCtx, headers)

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Topic:   s.Topic(msg.Type),
		Key:     []byte(msg.AggregateID),
		Value:   body,
		Headers: headers,
		Time:    msg.OccurredAt,
	})
	return classifyKafkaError(err)
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func classifyKafkaError(err error) error {
	if err == nil {
		return nil
	}
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil {
				return classifyKafkaError(e)
			}
		}
	}
	var tooLarge kafka.MessageTooLargeError
	if errors.As(err, &tooLarge) {
		return permanent(kafkaSinkName, err)
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		if kerr == kafka.MessageSizeTooLarge {
			return permanent(kafkaSinkName, err)
		}
		return &PublishError{Sink: kafkaSinkName, Err: fmt.Errorf("%s: %w", kerr.Title(), err), Transient: kerr.Temporary()}
	}
	// Network failures and timeouts.
	return transient(kafkaSinkName, err)
}
