package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aLabsAfrica/junebug/errors"
	"github.com/aLabsAfrica/junebug/store"
)

// KeyPrefix is the store key namespace for channel records
const KeyPrefix = "channels."

// TypeChecker reports whether a channel type names a known worker kind.
// The worker supervisor's factory registry implements this; a nil
// checker disables type validation (used by tests).
type TypeChecker interface {
	KnownType(typ string) bool
}

// Registry owns Channel records: create, persist, load, list, delete.
// It is an explicit object with an injected store adapter; there is no
// ambient singleton. The registry does not serialize operations across
// ids - the store adapter is assumed safe for concurrent use.
type Registry struct {
	adapter store.Adapter
	types   TypeChecker
}

// NewRegistry creates a registry over the given store adapter
func NewRegistry(adapter store.Adapter, types TypeChecker) (*Registry, error) {
	if adapter == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("store adapter cannot be nil"),
			"Registry", "NewRegistry", "adapter validation")
	}
	return &Registry{adapter: adapter, types: types}, nil
}

// Create validates the payload shape and builds a Channel with a fresh
// id if none was supplied. The channel is NOT persisted; persistence
// happens via Save only after the worker has started successfully.
func (r *Registry) Create(payload CreatePayload) (*Channel, error) {
	ch, err := New(payload)
	if err != nil {
		return nil, err
	}

	if r.types != nil && !r.types.KnownType(ch.Type) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownType, ch.Type),
			"Registry", "Create", "type validation")
	}

	return ch, nil
}

// Save serializes the channel under its id. Idempotent: overwrites any
// existing record for that id.
func (r *Registry) Save(ctx context.Context, ch *Channel) error {
	if ch == nil || ch.ID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("channel with empty id cannot be saved"),
			"Registry", "Save", "channel validation")
	}

	ch.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(ch)
	if err != nil {
		return errors.WrapFatal(err, "Registry", "Save", "marshal channel")
	}

	if err := r.adapter.Set(ctx, key(ch.ID), data); err != nil {
		return errors.WrapTransient(err, "Registry", "Save", "set in store")
	}
	return nil
}

// Load retrieves a channel record by id
func (r *Registry) Load(ctx context.Context, id string) (*Channel, error) {
	if id == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("channel id cannot be empty"),
			"Registry", "Load", "id validation")
	}

	data, err := r.adapter.Get(ctx, key(id))
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.ErrChannelNotFound
		}
		return nil, errors.WrapTransient(err, "Registry", "Load", "get from store")
	}

	var ch Channel
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, errors.WrapFatal(err, "Registry", "Load", "unmarshal channel")
	}
	return &ch, nil
}

// List enumerates all persisted channels. Order is store-determined and
// the result is an eventually-consistent snapshot: records deleted
// concurrently are skipped rather than failing the whole listing.
func (r *Registry) List(ctx context.Context) ([]*Channel, error) {
	keys, err := r.adapter.Scan(ctx, KeyPrefix)
	if err != nil {
		return nil, errors.WrapTransient(err, "Registry", "List", "scan store")
	}

	channels := make([]*Channel, 0, len(keys))
	for _, k := range keys {
		ch, err := r.Load(ctx, strings.TrimPrefix(k, KeyPrefix))
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

// ListIDs enumerates the ids of all persisted channels
func (r *Registry) ListIDs(ctx context.Context) ([]string, error) {
	keys, err := r.adapter.Scan(ctx, KeyPrefix)
	if err != nil {
		return nil, errors.WrapTransient(err, "Registry", "ListIDs", "scan store")
	}

	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, KeyPrefix))
	}
	return ids, nil
}

// Delete removes the record for id. Idempotent: deleting an absent
// record is a no-op, not an error.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.WrapInvalid(
			fmt.Errorf("channel id cannot be empty"),
			"Registry", "Delete", "id validation")
	}

	if err := r.adapter.Delete(ctx, key(id)); err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return errors.WrapTransient(err, "Registry", "Delete", "delete from store")
	}
	return nil
}

// Update replaces the config and metadata of an existing record. Type
// and id are immutable; the new config is re-validated against the
// declared type before acceptance.
func (r *Registry) Update(ctx context.Context, id string, config, metadata map[string]any) (*Channel, error) {
	ch, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	if config != nil {
		payload := CreatePayload{ID: ch.ID, Type: ch.Type, Config: config}
		if err := payload.Validate(); err != nil {
			return nil, err
		}
		ch.Config = cloneMap(config)
		ch.Normalize()
	}
	if metadata != nil {
		ch.Metadata = cloneMap(metadata)
	}

	if err := r.Save(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

func key(id string) string {
	return KeyPrefix + id
}
