package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/replication"
)

type PoisonPolicy string

const (
	// PoisonSkip dead-letters the message and keeps going.
	PoisonSkip PoisonPolicy = "skip"
	// PoisonBlock stops the relay without moving the checkpoint past it.
	PoisonBlock PoisonPolicy = "block"
)

// InitialMode decides where a subscription without a checkpoint starts.
type InitialMode string

const (
	InitialSnapshot InitialMode = "snapshot"
	InitialPosition InitialMode = "position"
	InitialNow      InitialMode = "now"
)

type Config struct {
	Subscription string

	BatchSize     int
	FlushInterval time.Duration

	PublishTimeout     time.Duration
	PublishConcurrency int
	PublishMaxElapsed  time.Duration
	RetryInitial       time.Duration
	RetryMax           time.Duration

	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	CheckpointTimeout time.Duration

	PoisonPolicy    PoisonPolicy
	InitialMode     InitialMode
	InitialPosition replication.Position
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 200 * time.Millisecond
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.PublishConcurrency <= 0 {
		c.PublishConcurrency = 8
	}
	if c.PublishMaxElapsed <= 0 {
		c.PublishMaxElapsed = 30 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.CheckpointTimeout <= 0 {
		c.CheckpointTimeout = 5 * time.Second
	}
	if c.PoisonPolicy == "" {
		c.PoisonPolicy = PoisonSkip
	}
	if c.InitialMode == "" {
		c.InitialMode = InitialSnapshot
	}
	return c
}

func (c Config) Validate() error {
	if c.Subscription == "" {
		return errors.New("relay: subscription name is required")
	}
	switch c.PoisonPolicy {
	case PoisonSkip, PoisonBlock:
	default:
		return fmt.Errorf("relay: unknown poison policy %q", c.PoisonPolicy)
	}
	switch c.InitialMode {
	case InitialSnapshot, InitialNow:
	case InitialPosition:
		if c.InitialPosition == 0 {
			return errors.New("relay: initial position is required in position mode")
		}
	default:
		return fmt.Errorf("relay: unknown initial mode %q", c.InitialMode)
	}
	if c.RetryMax < c.RetryInitial || c.ReconnectMax < c.ReconnectInitial {
		return errors.New("relay: backoff maximum must not be below the initial interval")
	}
	return nil
}
