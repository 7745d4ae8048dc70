package scheduler

import (
	"context"
	"time"

	"postrobot/internal/collab"
	"postrobot/internal/poster"
	"postrobot/internal/topics"
)

const (
	DefaultTick       = 10 * time.Second
	DefaultGenTimeout = 2 * time.Minute
	// DefaultGenBackoff delays the next replenishment attempt after a failed
	// or empty generation.
	DefaultGenBackoff = 5 * time.Minute
)

// Config configures Service.
type Config struct {
	Enabled    bool
	Tick       time.Duration
	GenTimeout time.Duration
	GenBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick < time.Second {
		c.Tick = DefaultTick
	}
	if c.GenTimeout <= 0 {
		c.GenTimeout = DefaultGenTimeout
	}
	if c.GenBackoff <= 0 {
		c.GenBackoff = DefaultGenBackoff
	}
	return c
}

// Status is the per-tenant scheduler state.
type Status string

const (
	StatusReady   Status = "ready"
	StatusPosting Status = "posting"
	StatusPaused  Status = "paused"
)

// TenantStatus is a read-only view of one tenant's runtime state.
type TenantStatus struct {
	Shop     string    `json:"shop"`
	Status   Status    `json:"status"`
	DayKey   string    `json:"dayKey,omitempty"`
	Slots    int       `json:"slots"`
	LastTick time.Time `json:"lastTick,omitempty"`
}

// Poster runs one publish attempt.
type Poster interface {
	Post(ctx context.Context, shop string, req poster.Request) (poster.Result, error)
}

// TopicGenerator proposes new topics for a tenant. An empty list is not an
// error.
type TopicGenerator interface {
	GenerateTopics(ctx context.Context, req collab.GenerateRequest) ([]topics.Topic, error)
}
