package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aLabsAfrica/junebug/errors"
	"github.com/aLabsAfrica/junebug/messagestore"
	"github.com/aLabsAfrica/junebug/sender"
)

// Dependencies are handed to worker factories at construction time.
// Messages and Statuses may be nil; workers then forward without
// persisting.
type Dependencies struct {
	Sender   *sender.Sender
	Messages *messagestore.InboundStore
	Statuses *messagestore.StatusStore
	Logger   *slog.Logger
}

// Factory creates a worker instance from its channel configuration. The
// config is the channel's normalized config block (transport_name equals
// the worker name). Factories validate their own config and must not
// perform I/O; that belongs in Start.
type Factory func(name string, config map[string]any, deps Dependencies) (Worker, error)

// Register adds a factory for the given channel type
func (r *Registry) Register(typ string, factory Factory) error {
	if typ == "" || factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typ]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("factory %q is already registered", typ),
			"Registry", "Register", "duplicate factory check")
	}
	r.factories[typ] = factory
	return nil
}

// KnownType reports whether a factory is registered for typ. This
// satisfies the channel registry's type checker.
func (r *Registry) KnownType(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typ]
	return ok
}

// Types returns the registered channel types, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) factory(typ string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	return f, ok
}

// Supervisor starts and stops workers. It tracks at most one live
// handle per name; starting a name that is already running is an error
// surfaced to the lifecycle manager.
type Supervisor struct {
	registry *Registry
	deps     Dependencies
	logger   *slog.Logger

	mu       sync.Mutex
	handles  map[string]*Handle
	starting map[string]struct{}
}

// NewSupervisor creates a supervisor over the given factory registry
func NewSupervisor(registry *Registry, deps Dependencies) *Supervisor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		registry: registry,
		deps:     deps,
		logger:   logger.With("component", "supervisor"),
		handles:  make(map[string]*Handle),
		starting: make(map[string]struct{}),
	}
}

// StartWorker creates a worker of the given type and starts it. The
// name is the owning channel's id. An unknown type or a factory
// rejection is terminal for the given input; a Start failure leaves no
// handle registered.
func (s *Supervisor) StartWorker(ctx context.Context, name, typ string, config map[string]any) (*Handle, error) {
	factory, ok := s.registry.factory(typ)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownType, typ),
			"Supervisor", "StartWorker", "factory lookup")
	}

	// Reserve the name before construction so two concurrent starts for
	// one name cannot both get past the duplicate check
	s.mu.Lock()
	_, inFlight := s.starting[name]
	existing, exists := s.handles[name]
	if inFlight || (exists && existing.Alive()) {
		s.mu.Unlock()
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrAlreadyStarted, name),
			"Supervisor", "StartWorker", "duplicate worker check")
	}
	s.starting[name] = struct{}{}
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.starting, name)
		s.mu.Unlock()
	}

	w, err := factory(name, config, s.deps)
	if err != nil {
		release()
		return nil, errors.WrapInvalid(err, "Supervisor", "StartWorker", "worker construction")
	}

	if err := w.Start(ctx); err != nil {
		release()
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrStartFailed, err),
			"Supervisor", "StartWorker", "worker start")
	}

	handle := NewHandle(name, typ, w)

	s.mu.Lock()
	s.handles[name] = handle
	delete(s.starting, name)
	s.mu.Unlock()

	s.logger.Info("worker started", "name", name, "type", typ)
	return handle, nil
}

// StopWorker stops the worker behind the handle and forgets it.
// Stopping an already-stopped handle is a no-op.
func (s *Supervisor) StopWorker(handle *Handle, timeout time.Duration) error {
	if handle == nil {
		return nil
	}

	err := handle.stop(timeout)

	s.mu.Lock()
	if current, ok := s.handles[handle.Name()]; ok && current == handle {
		delete(s.handles, handle.Name())
	}
	s.mu.Unlock()

	if err != nil {
		return errors.Wrap(err, "Supervisor", "StopWorker", "worker stop")
	}

	s.logger.Info("worker stopped", "name", handle.Name(), "type", handle.Type())
	return nil
}

// Running reports whether a live worker is tracked under name
func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	handle, ok := s.handles[name]
	s.mu.Unlock()
	return ok && handle.Alive()
}

// StopAll stops every tracked worker; used during process shutdown
func (s *Supervisor) StopAll(timeout time.Duration) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if err := s.StopWorker(h, timeout); err != nil {
			s.logger.Error("worker stop failed during shutdown", "name", h.Name(), "error", err)
		}
	}
}
