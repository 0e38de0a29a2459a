package channel

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aLabsAfrica/junebug/errors"
	"github.com/aLabsAfrica/junebug/store"
)

// knownTypes is a TypeChecker accepting a fixed set of types
type knownTypes map[string]bool

func (k knownTypes) KnownType(typ string) bool { return k[typ] }

// failingAdapter fails every operation, simulating an unreachable store
type failingAdapter struct{}

func (f *failingAdapter) Get(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("%w: connection refused", errors.ErrStoreUnavailable)
}

func (f *failingAdapter) Set(context.Context, string, []byte) error {
	return fmt.Errorf("%w: connection refused", errors.ErrStoreUnavailable)
}

func (f *failingAdapter) Delete(context.Context, string) error {
	return fmt.Errorf("%w: connection refused", errors.ErrStoreUnavailable)
}

func (f *failingAdapter) Scan(context.Context, string) ([]string, error) {
	return nil, fmt.Errorf("%w: connection refused", errors.ErrStoreUnavailable)
}

func newTestRegistry(t *testing.T) (*Registry, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	r, err := NewRegistry(mem, knownTypes{"telnet": true})
	require.NoError(t, err)
	return r, mem
}

func TestNewRegistryRequiresAdapter(t *testing.T) {
	_, err := NewRegistry(nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestCreateDoesNotPersist(t *testing.T) {
	r, mem := newTestRegistry(t)

	ch, err := r.Create(CreatePayload{Type: "telnet", Config: map[string]any{}})
	require.NoError(t, err)
	require.NotEmpty(t, ch.ID)

	// Persistence happens via Save only after a successful worker start
	assert.Equal(t, 0, mem.Len())
}

func TestCreateUnknownType(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Create(CreatePayload{Type: "smpp", Config: map[string]any{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownType)
	assert.True(t, errors.IsInvalid(err))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	ch, err := r.Create(CreatePayload{
		ID:       "chan-1",
		Type:     "telnet",
		Config:   map[string]any{"endpoint": ":0"},
		Metadata: map[string]any{"owner": "ops"},
	})
	require.NoError(t, err)
	ch.Normalize()
	require.NoError(t, r.Save(ctx, ch))

	loaded, err := r.Load(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, "chan-1", loaded.ID)
	assert.Equal(t, "telnet", loaded.Type)
	assert.Equal(t, "chan-1", loaded.Config[TransportNameKey])
	assert.Equal(t, ":0", loaded.Config["endpoint"])
	assert.Equal(t, "ops", loaded.Metadata["owner"])
}

func TestSaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, mem := newTestRegistry(t)

	ch := &Channel{ID: "chan-1", Type: "telnet", Config: map[string]any{}}
	require.NoError(t, r.Save(ctx, ch))
	require.NoError(t, r.Save(ctx, ch))
	assert.Equal(t, 1, mem.Len())
}

func TestSaveRejectsEmptyID(t *testing.T) {
	r, _ := newTestRegistry(t)

	err := r.Save(context.Background(), &Channel{Type: "telnet"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoadMissing(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Load(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrChannelNotFound)
	assert.True(t, errors.IsNotFound(err))
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	require.NoError(t, r.Save(ctx, &Channel{ID: "chan-1", Type: "telnet"}))
	require.NoError(t, r.Delete(ctx, "chan-1"))
	require.NoError(t, r.Delete(ctx, "chan-1"))

	_, err := r.Load(ctx, "chan-1")
	assert.ErrorIs(t, err, errors.ErrChannelNotFound)
}

func TestListIDs(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	require.NoError(t, r.Save(ctx, &Channel{ID: "a", Type: "telnet"}))
	require.NoError(t, r.Save(ctx, &Channel{ID: "b", Type: "telnet"}))

	ids, err := r.ListIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	require.NoError(t, r.Save(ctx, &Channel{ID: "a", Type: "telnet", Config: map[string]any{}}))
	require.NoError(t, r.Save(ctx, &Channel{ID: "b", Type: "telnet", Config: map[string]any{}}))

	channels, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, channels, 2)
}

func TestStoreUnavailableIsTransient(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(&failingAdapter{}, nil)
	require.NoError(t, err)

	_, err = r.Load(ctx, "chan-1")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err), "store outage must surface as transient, not not-found")
	assert.False(t, errors.IsNotFound(err))

	err = r.Save(ctx, &Channel{ID: "chan-1", Type: "telnet"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	_, err = r.ListIDs(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestUpdateReplacesConfig(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	ch := &Channel{ID: "chan-1", Type: "telnet", Config: map[string]any{"endpoint": ":0"}}
	require.NoError(t, r.Save(ctx, ch))

	updated, err := r.Update(ctx, "chan-1", map[string]any{"endpoint": ":9999"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ":9999", updated.Config["endpoint"])
	// Update re-normalizes: the coupling to the id survives any config replacement
	assert.Equal(t, "chan-1", updated.Config[TransportNameKey])
	assert.Equal(t, "telnet", updated.Type)

	loaded, err := r.Load(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, ":9999", loaded.Config["endpoint"])
}

func TestUpdateMissingChannel(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Update(context.Background(), "nope", map[string]any{}, nil)
	assert.ErrorIs(t, err, errors.ErrChannelNotFound)
}
