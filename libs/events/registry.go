package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownType   = errors.New("unknown event type")
	ErrDuplicateType = errors.New("event type already registered")
	ErrEmptyType     = errors.New("event type is required")
	ErrNilDecoder    = errors.New("event decoder is required")
)

// Decoder turns a serialized payload into its concrete event.
type Decoder func(payload []byte) (Event, error)

// Registry maps an event type tag to its decoder. It is filled at startup;
// decoding never inspects Go types at runtime.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

func (r *Registry) Register(eventType string, d Decoder) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrEmptyType
	}
	if d == nil {
		return ErrNilDecoder
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decoders[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, eventType)
	}
	r.decoders[eventType] = d
	return nil
}

func (r *Registry) Decode(eventType string, payload []byte) (Event, error) {
	r.mu.RLock()
	d, ok := r.decoders[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, eventType)
	}
	return d(payload)
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.decoders))
	for t := range r.decoders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// JSONDecoder decodes a JSON payload into *T.
func JSONDecoder[T any, PT interface {
	*T
	Event
}]() Decoder {
	return func(payload []byte) (Event, error) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return PT(&v), nil
	}
}

func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}
