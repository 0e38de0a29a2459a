// Package channel defines the Channel entity and its registry. A Channel
// is a persisted, independently startable message-endpoint configuration;
// the registry owns creation, persistence, and lookup of Channel records
// over a key-value store adapter.
package channel

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aLabsAfrica/junebug/errors"
)

// TransportNameKey is the config key coupling a worker's identity in the
// bus layer to the Channel's store identity. It is always overwritten to
// equal the channel id before a worker starts and must never diverge.
const TransportNameKey = "transport_name"

// Status is the derived runtime state of a channel's backing worker.
// It is computed at read time and never persisted; a status read is
// advisory, never load-bearing for correctness.
type Status string

// Channel status values
const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Channel represents one configured, independently startable message
// endpoint. ID and Type are immutable after creation; Config is mutable
// only through an explicit update. Metadata is carried alongside the
// config but not interpreted by the lifecycle manager (e.g. a callback
// URL for inbound delivery).
type Channel struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Config   map[string]any `json:"config"`
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreatePayload is the parsed configuration handed to Create. ID is
// optional; a fresh one is assigned when absent.
type CreatePayload struct {
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type"`
	Config   map[string]any `json:"config"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks the payload shape: a non-empty type and a config block
func (p *CreatePayload) Validate() error {
	if p.Type == "" {
		return errors.WrapInvalid(
			fmt.Errorf("channel type cannot be empty"),
			"channel", "Validate", "type validation")
	}
	if p.Config == nil {
		return errors.WrapInvalid(
			fmt.Errorf("channel config block is required"),
			"channel", "Validate", "config validation")
	}
	return nil
}

// New builds a Channel from a validated payload, assigning a fresh id
// when the payload carries none. The channel is not yet persisted.
func New(p CreatePayload) (*Channel, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	return &Channel{
		ID:        id,
		Type:      p.Type,
		Config:    cloneMap(p.Config),
		Metadata:  cloneMap(p.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Normalize overwrites config.transport_name with the channel id. It is
// performed once at the boundary between the Channel record and the
// worker configuration, before every worker start and before the record
// is persisted.
func (c *Channel) Normalize() {
	if c.Config == nil {
		c.Config = make(map[string]any)
	}
	c.Config[TransportNameKey] = c.ID
}

// WorkerConfig returns a copy of the normalized config for handing to
// the worker supervisor. Mutations by the worker never reach the record.
func (c *Channel) WorkerConfig() map[string]any {
	cfg := cloneMap(c.Config)
	if cfg == nil {
		cfg = make(map[string]any)
	}
	cfg[TransportNameKey] = c.ID
	return cfg
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
