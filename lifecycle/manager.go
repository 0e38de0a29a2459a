// Package lifecycle orchestrates the channel lifecycle: given a
// configuration it creates a channel record, starts its backing worker,
// and persists it; given an id it restores, stops, or removes the
// channel. Operations on the same id are serialized through a per-id
// lock; operations on different ids proceed independently.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aLabsAfrica/junebug/channel"
	"github.com/aLabsAfrica/junebug/errors"
	"github.com/aLabsAfrica/junebug/metric"
	"github.com/aLabsAfrica/junebug/worker"
)

// Supervisor is the worker-supervision surface the manager needs.
// *worker.Supervisor is the production implementation.
type Supervisor interface {
	StartWorker(ctx context.Context, name, typ string, config map[string]any) (*worker.Handle, error)
	StopWorker(handle *worker.Handle, timeout time.Duration) error
}

// Manager coordinates the channel registry and the worker supervisor
type Manager struct {
	registry   *channel.Registry
	supervisor Supervisor
	logger     *slog.Logger
	metrics    *metric.Metrics

	stopTimeout   time.Duration
	probeInterval time.Duration

	// mu guards handles and locks; per-id locks serialize start/stop
	// transitions for one channel without globally serializing all ids
	mu      sync.Mutex
	handles map[string]*worker.Handle
	locks   map[string]*sync.Mutex

	done     chan struct{}
	wg       sync.WaitGroup
	closeMu  sync.Mutex
	isClosed bool
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger.With("component", "lifecycle") }
}

// WithMetrics records lifecycle outcomes on the given core metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithStopTimeout sets the grace period given to workers on stop
func WithStopTimeout(timeout time.Duration) Option {
	return func(m *Manager) { m.stopTimeout = timeout }
}

// WithProbeInterval enables the advisory health probe. The probe only
// updates in-memory worker state; it never mutates persisted records.
// An interval of zero (the default) disables it.
func WithProbeInterval(interval time.Duration) Option {
	return func(m *Manager) { m.probeInterval = interval }
}

// NewManager creates a lifecycle manager over the given registry and
// supervisor
func NewManager(registry *channel.Registry, supervisor Supervisor, opts ...Option) (*Manager, error) {
	if registry == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("channel registry cannot be nil"),
			"Manager", "NewManager", "registry validation")
	}
	if supervisor == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("worker supervisor cannot be nil"),
			"Manager", "NewManager", "supervisor validation")
	}

	m := &Manager{
		registry:    registry,
		supervisor:  supervisor,
		logger:      slog.Default().With("component", "lifecycle"),
		stopTimeout: 10 * time.Second,
		handles:     make(map[string]*worker.Handle),
		locks:       make(map[string]*sync.Mutex),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.probeInterval > 0 {
		m.wg.Add(1)
		go m.probeLoop()
	}

	return m, nil
}

// lockFor returns the per-id lock, creating it on first use. Locks are
// never removed; the map is bounded by the number of distinct ids seen.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

func (m *Manager) trackHandle(id string, handle *worker.Handle) {
	m.mu.Lock()
	m.handles[id] = handle
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ChannelsRunning.Inc()
	}
}

func (m *Manager) forgetHandle(id string) {
	m.mu.Lock()
	_, tracked := m.handles[id]
	delete(m.handles, id)
	m.mu.Unlock()
	if tracked && m.metrics != nil {
		m.metrics.ChannelsRunning.Dec()
	}
}

func (m *Manager) handleFor(id string) *worker.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[id]
}

// StartNew creates a channel from the payload, starts its worker, and
// persists the record - in that order. A worker that fails to start
// leaves nothing persisted; a save failure after a successful start
// stops the worker again before surfacing the error, so no persisted
// record ever corresponds to a worker known to have failed to register.
func (m *Manager) StartNew(ctx context.Context, payload channel.CreatePayload) (*channel.Channel, error) {
	ch, err := m.registry.Create(payload)
	if err != nil {
		return nil, err
	}

	lock := m.lockFor(ch.ID)
	lock.Lock()
	defer lock.Unlock()

	ch.Normalize()

	handle, err := m.supervisor.StartWorker(ctx, ch.ID, ch.Type, ch.WorkerConfig())
	if err != nil {
		m.recordStart(false)
		return nil, err
	}

	if err := m.registry.Save(ctx, ch); err != nil {
		// Roll back the start: the record was never persisted, so the
		// worker must not stay registered either
		if stopErr := m.supervisor.StopWorker(handle, m.stopTimeout); stopErr != nil {
			m.logger.Error("worker stop after save failure also failed",
				"channel", ch.ID, "error", stopErr)
		}
		m.recordStart(false)
		return nil, err
	}

	m.trackHandle(ch.ID, handle)
	m.recordStart(true)
	m.logger.Info("channel started", "channel", ch.ID, "type", ch.Type)
	return ch, nil
}

// Restore loads a persisted channel and starts its worker from the
// stored config, overwriting transport_name with the id. Restoring a
// channel whose worker is already running is a no-op returning the
// loaded record.
func (m *Manager) Restore(ctx context.Context, id string) (*channel.Channel, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	ch, err := m.registry.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	if handle := m.handleFor(id); handle != nil {
		if handle.Alive() {
			return ch, nil
		}
		// Drop the dead handle so the running gauge stays balanced when
		// the new one is tracked
		m.forgetHandle(id)
	}

	ch.Normalize()

	handle, err := m.supervisor.StartWorker(ctx, ch.ID, ch.Type, ch.WorkerConfig())
	if err != nil {
		m.recordStart(false)
		return nil, err
	}

	m.trackHandle(ch.ID, handle)
	m.recordStart(true)
	m.logger.Info("channel restored", "channel", ch.ID, "type", ch.Type)
	return ch, nil
}

// RestoreAll restores every persisted channel, skipping records that
// fail to restore. Returns the number restored. Used at process startup
// to bring persisted channels back up from their records alone.
func (m *Manager) RestoreAll(ctx context.Context) (int, error) {
	ids, err := m.registry.ListIDs(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, id := range ids {
		if _, err := m.Restore(ctx, id); err != nil {
			m.logger.Warn("channel restore skipped", "channel", id, "error", err)
			continue
		}
		restored++
	}
	return restored, nil
}

// Stop tears down the channel's worker but leaves the store record
// intact. Stopping an already-stopped channel is a no-op, not an error.
func (m *Manager) Stop(_ context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	return m.stopLocked(id)
}

// stopLocked stops the worker for id; callers hold the per-id lock
func (m *Manager) stopLocked(id string) error {
	handle := m.handleFor(id)
	if handle == nil {
		return nil
	}

	if err := m.supervisor.StopWorker(handle, m.stopTimeout); err != nil {
		return err
	}

	m.forgetHandle(id)
	if m.metrics != nil {
		m.metrics.ChannelStops.Inc()
	}
	m.logger.Info("channel stopped", "channel", id)
	return nil
}

// Remove stops the channel's worker (best-effort) and deletes its
// record. Removing an absent channel is idempotent.
func (m *Manager) Remove(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := m.stopLocked(id); err != nil {
		m.logger.Warn("stop during remove failed, deleting record anyway",
			"channel", id, "error", err)
		m.forgetHandle(id)
	}

	return m.registry.Delete(ctx, id)
}

// Status reports the derived runtime state for id. Advisory only:
// correctness never depends on it.
func (m *Manager) Status(id string) channel.Status {
	if handle := m.handleFor(id); handle != nil && handle.Alive() {
		return channel.StatusRunning
	}
	return channel.StatusStopped
}

// Running returns the ids of channels with a live worker
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.handles))
	for id, handle := range m.handles {
		if handle.Alive() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) recordStart(success bool) {
	if m.metrics == nil {
		return
	}
	if success {
		m.metrics.ChannelStarts.WithLabelValues("success").Inc()
	} else {
		m.metrics.ChannelStarts.WithLabelValues("failure").Inc()
	}
}

// probeLoop periodically drops handles whose worker died
// asynchronously, so status reads converge. The persisted record stays
// untouched; the channel remains restorable.
func (m *Manager) probeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.probeOnce()
		}
	}
}

func (m *Manager) probeOnce() {
	m.mu.Lock()
	var dead []string
	for id, handle := range m.handles {
		if !handle.Alive() {
			dead = append(dead, id)
		}
	}
	m.mu.Unlock()

	for _, id := range dead {
		lock := m.lockFor(id)
		lock.Lock()
		if handle := m.handleFor(id); handle != nil && !handle.Alive() {
			m.forgetHandle(id)
			m.logger.Warn("worker found dead by health probe", "channel", id)
		}
		lock.Unlock()
	}
}

// Close stops the health probe and every running worker
func (m *Manager) Close() {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.isClosed {
		return
	}
	m.isClosed = true
	close(m.done)
	m.wg.Wait()

	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		lock := m.lockFor(id)
		lock.Lock()
		if err := m.stopLocked(id); err != nil {
			m.logger.Error("worker stop failed during shutdown", "channel", id, "error", err)
		}
		lock.Unlock()
	}
}
