package kafkax

import (
	"sort"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventID     = "event_id"
	HeaderEventType   = "event_type"
	HeaderOccurredAt  = "occurred_at"
	HeaderAggregateID = "aggregate_id"
	// HeaderMetaPrefix prefixes every entry of the event metadata map.
	HeaderMetaPrefix = "meta_"
)

// EventMeta is the canonical metadata carried on Kafka messages across services.
// Consumers deduplicate on EventID alone.
type EventMeta struct {
	EventID     string
	EventType   string
	AggregateID string
	OccurredAt  time.Time
	Metadata    map[string]string
}

func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:     HeaderValue(msg.Headers, HeaderEventID),
		EventType:   HeaderValue(msg.Headers, HeaderEventType),
		AggregateID: HeaderValue(msg.Headers, HeaderAggregateID),
	}
	if meta.EventID == "" {
		meta.EventID = string(msg.Key)
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	if ts := HeaderValue(msg.Headers, HeaderOccurredAt); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			meta.OccurredAt = t
		}
	}
	for _, h := range msg.Headers {
		if key, ok := strings.CutPrefix(h.Key, HeaderMetaPrefix); ok && key != "" {
			if meta.Metadata == nil {
				meta.Metadata = make(map[string]string)
			}
			meta.Metadata[key] = string(h.Value)
		}
	}
	return meta
}

// EventHeaders renders meta as Kafka headers. Metadata keys are sorted so the
// header order is stable across redeliveries.
func EventHeaders(meta EventMeta) []kafka.Header {
	headers := []kafka.Header{
		{Key: HeaderEventID, Value: []byte(meta.EventID)},
		{Key: HeaderEventType, Value: []byte(meta.EventType)},
	}
	if meta.AggregateID != "" {
		headers = append(headers, kafka.Header{Key: HeaderAggregateID, Value: []byte(meta.AggregateID)})
	}
	if !meta.OccurredAt.IsZero() {
		headers = append(headers, kafka.Header{Key: HeaderOccurredAt, Value: []byte(meta.OccurredAt.UTC().Format(time.RFC3339Nano))})
	}
	keys := make([]string, 0, len(meta.Metadata))
	for k := range meta.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: HeaderMetaPrefix + k, Value: []byte(meta.Metadata[k])})
	}
	return headers
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
