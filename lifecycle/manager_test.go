package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aLabsAfrica/junebug/channel"
	"github.com/aLabsAfrica/junebug/errors"
	"github.com/aLabsAfrica/junebug/metric"
	"github.com/aLabsAfrica/junebug/store"
	"github.com/aLabsAfrica/junebug/worker"
)

// stubWorker is an inert worker behind fake supervisor handles
type stubWorker struct{}

func (stubWorker) Start(context.Context) error { return nil }
func (stubWorker) Stop(time.Duration) error    { return nil }

// mortalWorker can be declared dead from the outside, like a transport
// whose listener failed asynchronously
type mortalWorker struct {
	healthy atomic.Bool
}

func newMortalWorker() *mortalWorker {
	w := &mortalWorker{}
	w.healthy.Store(true)
	return w
}

func (*mortalWorker) Start(context.Context) error { return nil }
func (*mortalWorker) Stop(time.Duration) error    { return nil }
func (w *mortalWorker) Healthy() bool             { return w.healthy.Load() }

// fakeSupervisor scripts worker start outcomes and records the configs
// workers were started with
type fakeSupervisor struct {
	mu       sync.Mutex
	startErr map[string]error // name -> error to return
	workers  map[string]worker.Worker
	configs  map[string]map[string]any
	stops    []string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		startErr: make(map[string]error),
		workers:  make(map[string]worker.Worker),
		configs:  make(map[string]map[string]any),
	}
}

func (f *fakeSupervisor) StartWorker(_ context.Context, name, typ string, config map[string]any) (*worker.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.startErr[name]; err != nil {
		return nil, err
	}
	f.configs[name] = config

	w, ok := f.workers[name]
	if !ok {
		w = stubWorker{}
	}
	return worker.NewHandle(name, typ, w), nil
}

func (f *fakeSupervisor) StopWorker(handle *worker.Handle, _ time.Duration) error {
	if handle == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, handle.Name())
	return nil
}

func (f *fakeSupervisor) stopsFor(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, n := range f.stops {
		if n == name {
			count++
		}
	}
	return count
}

func (f *fakeSupervisor) configFor(name string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[name]
}

// knownTypes accepts every type; type validation is the supervisor's
// concern in these tests
type knownTypes struct{}

func (knownTypes) KnownType(string) bool { return true }

// flakyAdapter wraps Memory and fails Set on demand
type flakyAdapter struct {
	*store.Memory
	failSet bool
}

func (f *flakyAdapter) Set(ctx context.Context, key string, value []byte) error {
	if f.failSet {
		return fmt.Errorf("%w: write refused", errors.ErrStoreUnavailable)
	}
	return f.Memory.Set(ctx, key, value)
}

func newTestManager(t *testing.T) (*Manager, *channel.Registry, *fakeSupervisor, *flakyAdapter) {
	t.Helper()

	adapter := &flakyAdapter{Memory: store.NewMemory()}
	registry, err := channel.NewRegistry(adapter, knownTypes{})
	require.NoError(t, err)

	supervisor := newFakeSupervisor()
	manager, err := NewManager(registry, supervisor, WithStopTimeout(time.Second))
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	return manager, registry, supervisor, adapter
}

func telnetPayload(id string) channel.CreatePayload {
	return channel.CreatePayload{
		ID:     id,
		Type:   "telnet",
		Config: map[string]any{"endpoint": ":0"},
	}
}

func TestStartNewPersistsAfterStart(t *testing.T) {
	ctx := context.Background()
	manager, registry, supervisor, _ := newTestManager(t)

	ch, err := manager.StartNew(ctx, telnetPayload("chan-1"))
	require.NoError(t, err)
	assert.Equal(t, "chan-1", ch.ID)

	loaded, err := registry.Load(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, "chan-1", loaded.Config[channel.TransportNameKey])

	cfg := supervisor.configFor("chan-1")
	require.NotNil(t, cfg)
	assert.Equal(t, "chan-1", cfg[channel.TransportNameKey],
		"worker sees transport_name equal to the channel id")
	assert.Equal(t, channel.StatusRunning, manager.Status("chan-1"))
}

func TestStartNewOverwritesClientTransportName(t *testing.T) {
	ctx := context.Background()
	manager, registry, supervisor, _ := newTestManager(t)

	payload := channel.CreatePayload{
		ID:   "chan-1",
		Type: "telnet",
		Config: map[string]any{
			"endpoint":               ":0",
			channel.TransportNameKey: "client-supplied",
		},
	}

	_, err := manager.StartNew(ctx, payload)
	require.NoError(t, err)

	assert.Equal(t, "chan-1", supervisor.configFor("chan-1")[channel.TransportNameKey])

	loaded, err := registry.Load(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, "chan-1", loaded.Config[channel.TransportNameKey])
}

func TestStartNewWorkerFailureLeavesNothingPersisted(t *testing.T) {
	ctx := context.Background()
	manager, registry, supervisor, _ := newTestManager(t)

	supervisor.startErr["chan-1"] = fmt.Errorf("%w: address in use", errors.ErrStartFailed)

	_, err := manager.StartNew(ctx, telnetPayload("chan-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStartFailed)

	_, err = registry.Load(ctx, "chan-1")
	assert.ErrorIs(t, err, errors.ErrChannelNotFound,
		"a failed start must never leave a persisted record")
	assert.Equal(t, channel.StatusStopped, manager.Status("chan-1"))
}

func TestStartNewSaveFailureStopsWorker(t *testing.T) {
	ctx := context.Background()
	manager, _, supervisor, adapter := newTestManager(t)

	adapter.failSet = true

	_, err := manager.StartNew(ctx, telnetPayload("chan-1"))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	// The started worker was rolled back
	assert.Equal(t, 1, supervisor.stopsFor("chan-1"))
	assert.Equal(t, channel.StatusStopped, manager.Status("chan-1"))
}

func TestStartNewInvalidPayload(t *testing.T) {
	manager, _, _, _ := newTestManager(t)

	_, err := manager.StartNew(context.Background(), channel.CreatePayload{Type: "telnet"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	manager, registry, supervisor, _ := newTestManager(t)

	// A record persisted by an earlier process
	saved := &channel.Channel{
		ID:     "chan-1",
		Type:   "telnet",
		Config: map[string]any{"endpoint": ":0"},
	}
	require.NoError(t, registry.Save(ctx, saved))

	ch, err := manager.Restore(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, "chan-1", ch.ID)
	assert.Equal(t, "chan-1", supervisor.configFor("chan-1")[channel.TransportNameKey])
	assert.Equal(t, channel.StatusRunning, manager.Status("chan-1"))
}

func TestRestoreMissing(t *testing.T) {
	manager, _, _, _ := newTestManager(t)

	_, err := manager.Restore(context.Background(), "nope")
	assert.ErrorIs(t, err, errors.ErrChannelNotFound)
}

func TestRestoreRunningIsNoOp(t *testing.T) {
	ctx := context.Background()
	manager, _, supervisor, _ := newTestManager(t)

	_, err := manager.StartNew(ctx, telnetPayload("chan-1"))
	require.NoError(t, err)

	// Restoring a running channel starts nothing new
	supervisor.mu.Lock()
	delete(supervisor.configs, "chan-1")
	supervisor.mu.Unlock()

	_, err = manager.Restore(ctx, "chan-1")
	require.NoError(t, err)
	assert.Nil(t, supervisor.configFor("chan-1"))
}

func TestRestoreDeadWorkerKeepsRunningGaugeBalanced(t *testing.T) {
	ctx := context.Background()

	adapter := &flakyAdapter{Memory: store.NewMemory()}
	registry, err := channel.NewRegistry(adapter, knownTypes{})
	require.NoError(t, err)

	supervisor := newFakeSupervisor()
	first := newMortalWorker()
	supervisor.workers["chan-1"] = first

	metrics := metric.NewRegistry()
	manager, err := NewManager(registry, supervisor, WithMetrics(metrics.Core))
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	_, err = manager.StartNew(ctx, telnetPayload("chan-1"))
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Core.ChannelsRunning))

	// The worker dies asynchronously; its handle is still tracked
	first.healthy.Store(false)

	supervisor.mu.Lock()
	supervisor.workers["chan-1"] = newMortalWorker()
	supervisor.mu.Unlock()

	_, err = manager.Restore(ctx, "chan-1")
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Core.ChannelsRunning),
		"restoring over a dead handle replaces it instead of double-counting")
	assert.Equal(t, channel.StatusRunning, manager.Status("chan-1"))
}

func TestRestoreAll(t *testing.T) {
	ctx := context.Background()
	manager, registry, supervisor, _ := newTestManager(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, registry.Save(ctx, &channel.Channel{
			ID: id, Type: "telnet", Config: map[string]any{"endpoint": ":0"},
		}))
	}
	supervisor.startErr["b"] = fmt.Errorf("%w: port in use", errors.ErrStartFailed)

	restored, err := manager.RestoreAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, restored, "failed restores are skipped, not fatal")
	assert.ElementsMatch(t, []string{"a", "c"}, manager.Running())
}

func TestStopLeavesRecord(t *testing.T) {
	ctx := context.Background()
	manager, registry, supervisor, _ := newTestManager(t)

	_, err := manager.StartNew(ctx, telnetPayload("chan-1"))
	require.NoError(t, err)

	require.NoError(t, manager.Stop(ctx, "chan-1"))
	assert.Equal(t, 1, supervisor.stopsFor("chan-1"))
	assert.Equal(t, channel.StatusStopped, manager.Status("chan-1"))

	// The record survives: the channel is restorable
	_, err = registry.Load(ctx, "chan-1")
	require.NoError(t, err)

	_, err = manager.Restore(ctx, "chan-1")
	assert.NoError(t, err)
}

func TestStopNotRunningIsNoOp(t *testing.T) {
	manager, _, supervisor, _ := newTestManager(t)

	require.NoError(t, manager.Stop(context.Background(), "never-started"))
	assert.Empty(t, supervisor.stops)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	manager, registry, supervisor, _ := newTestManager(t)

	_, err := manager.StartNew(ctx, telnetPayload("chan-1"))
	require.NoError(t, err)

	require.NoError(t, manager.Remove(ctx, "chan-1"))
	assert.Equal(t, 1, supervisor.stopsFor("chan-1"))

	_, err = registry.Load(ctx, "chan-1")
	assert.ErrorIs(t, err, errors.ErrChannelNotFound)

	// Removing again is idempotent
	assert.NoError(t, manager.Remove(ctx, "chan-1"))
}

func TestStopRestoreCycleKeepsTransportName(t *testing.T) {
	ctx := context.Background()
	manager, _, supervisor, _ := newTestManager(t)

	_, err := manager.StartNew(ctx, telnetPayload("chan-1"))
	require.NoError(t, err)
	require.NoError(t, manager.Stop(ctx, "chan-1"))

	_, err = manager.Restore(ctx, "chan-1")
	require.NoError(t, err)

	assert.Equal(t, "chan-1", supervisor.configFor("chan-1")[channel.TransportNameKey],
		"transport_name equals the id across every stop/restore cycle")
}

func TestCloseStopsAllWorkers(t *testing.T) {
	ctx := context.Background()
	manager, _, supervisor, _ := newTestManager(t)

	_, err := manager.StartNew(ctx, telnetPayload("a"))
	require.NoError(t, err)
	_, err = manager.StartNew(ctx, telnetPayload("b"))
	require.NoError(t, err)

	manager.Close()
	assert.Equal(t, 1, supervisor.stopsFor("a"))
	assert.Equal(t, 1, supervisor.stopsFor("b"))

	// Close is idempotent
	manager.Close()
}

func TestNewManagerValidation(t *testing.T) {
	registry, err := channel.NewRegistry(store.NewMemory(), nil)
	require.NoError(t, err)

	_, err = NewManager(nil, newFakeSupervisor())
	assert.Error(t, err)

	_, err = NewManager(registry, nil)
	assert.Error(t, err)
}
