package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/checkpoint"
)

type State string

const (
	StateStarting     State = "starting"
	StateSnapshotting State = "snapshotting"
	StateStreaming    State = "streaming"
	StateReconnecting State = "reconnecting"
	StateStopping     State = "stopping"
)

// Status is the relay's externally visible health. Safe for concurrent use.
type Status struct {
	mu          sync.RWMutex
	state       State
	connected   bool
	lastPublish time.Time
	checkpoint  *checkpoint.Checkpoint
	lastError   string
	observers   []func(State)
}

func NewStatus() *Status {
	return &Status{state: StateStarting}
}

// OnStateChange registers fn to be called after every state transition.
func (s *Status) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *Status) setState(state State) {
	s.mu.Lock()
	// Only a new run leaves Stopping.
	if s.state == state || (s.state == StateStopping && state != StateStarting) {
		s.mu.Unlock()
		return
	}
	s.state = state
	observers := slices.Clone(s.observers)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(state)
	}
}

func (s *Status) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Status) published(at time.Time) {
	s.mu.Lock()
	if at.After(s.lastPublish) {
		s.lastPublish = at
	}
	s.mu.Unlock()
}

func (s *Status) checkpointed(cp checkpoint.Checkpoint) {
	s.mu.Lock()
	s.checkpoint = &cp
	s.mu.Unlock()
}

func (s *Status) failed(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

func (s *Status) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

type CheckpointView struct {
	Position  string    `json:"position"`
	MessageID string    `json:"messageId,omitempty"`
	EventID   string    `json:"eventId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type View struct {
	State         State           `json:"state"`
	Connected     bool            `json:"connected"`
	LastPublishAt *time.Time      `json:"lastPublishAt,omitempty"`
	Checkpoint    *CheckpointView `json:"checkpoint,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
}

func (s *Status) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := View{State: s.state, Connected: s.connected, LastError: s.lastError}
	if !s.lastPublish.IsZero() {
		at := s.lastPublish
		v.LastPublishAt = &at
	}
	if s.checkpoint != nil {
		cv := &CheckpointView{Position: s.checkpoint.Position.String(), UpdatedAt: s.checkpoint.UpdatedAt}
		if id := s.checkpoint.MessageID; id != uuid.Nil {
			cv.MessageID = id.String()
		}
		if id := s.checkpoint.EventID; id != uuid.Nil {
			cv.EventID = id.String()
		}
		v.Checkpoint = cv
	}
	return v
}

// Check reports ready while the relay is connected and moving data.
func (s *Status) Check(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.state != StateStreaming && s.state != StateSnapshotting:
		return fmt.Errorf("relay is %s", s.state)
	case !s.connected:
		return errors.New("relay is not connected")
	}
	return nil
}
