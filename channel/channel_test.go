package channel

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aLabsAfrica/junebug/errors"
)

func TestCreatePayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload CreatePayload
		wantErr bool
	}{
		{
			name:    "valid",
			payload: CreatePayload{Type: "telnet", Config: map[string]any{"endpoint": ":0"}},
			wantErr: false,
		},
		{
			name:    "empty config map is valid",
			payload: CreatePayload{Type: "telnet", Config: map[string]any{}},
			wantErr: false,
		},
		{
			name:    "missing type",
			payload: CreatePayload{Config: map[string]any{}},
			wantErr: true,
		},
		{
			name:    "missing config",
			payload: CreatePayload{Type: "telnet"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewAssignsID(t *testing.T) {
	ch, err := New(CreatePayload{Type: "telnet", Config: map[string]any{}})
	require.NoError(t, err)

	require.NotEmpty(t, ch.ID)
	_, err = uuid.Parse(ch.ID)
	assert.NoError(t, err, "generated id should be a uuid")
	assert.False(t, ch.CreatedAt.IsZero())
	assert.Equal(t, ch.CreatedAt, ch.UpdatedAt)
}

func TestNewKeepsSuppliedID(t *testing.T) {
	ch, err := New(CreatePayload{ID: "my-channel", Type: "telnet", Config: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "my-channel", ch.ID)
}

func TestNewCopiesConfig(t *testing.T) {
	cfg := map[string]any{"endpoint": ":0"}
	ch, err := New(CreatePayload{Type: "telnet", Config: cfg})
	require.NoError(t, err)

	cfg["endpoint"] = "mutated"
	assert.Equal(t, ":0", ch.Config["endpoint"])
}

func TestNormalizeSetsTransportName(t *testing.T) {
	ch := &Channel{ID: "chan-1", Type: "telnet", Config: map[string]any{"endpoint": ":0"}}
	ch.Normalize()
	assert.Equal(t, "chan-1", ch.Config[TransportNameKey])
}

func TestNormalizeOverwritesSuppliedTransportName(t *testing.T) {
	// A client-supplied transport_name must never survive: the key is
	// always coupled to the channel id
	ch := &Channel{
		ID:     "chan-1",
		Type:   "telnet",
		Config: map[string]any{TransportNameKey: "sneaky-other-name"},
	}
	ch.Normalize()
	assert.Equal(t, "chan-1", ch.Config[TransportNameKey])
}

func TestNormalizeNilConfig(t *testing.T) {
	ch := &Channel{ID: "chan-1", Type: "telnet"}
	ch.Normalize()
	assert.Equal(t, "chan-1", ch.Config[TransportNameKey])
}

func TestWorkerConfigIsolation(t *testing.T) {
	ch := &Channel{ID: "chan-1", Type: "telnet", Config: map[string]any{"endpoint": ":0"}}

	cfg := ch.WorkerConfig()
	assert.Equal(t, "chan-1", cfg[TransportNameKey])

	// Mutations by the worker never reach the record
	cfg["endpoint"] = "mutated"
	assert.Equal(t, ":0", ch.Config["endpoint"])
}
