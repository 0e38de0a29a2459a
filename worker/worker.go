// Package worker supervises the transport workers backing channels. A
// worker is the process-local handler that runs a channel's
// type-specific transport logic; the supervisor creates workers from
// registered factories, tracks live handles by name, and tears workers
// down on request.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Worker is the runtime behind one channel. Start must not block beyond
// resource setup; long-running work happens on goroutines the worker
// owns. Stop tears those down within the given timeout.
type Worker interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// HealthReporter is optionally implemented by workers that can report
// whether they are still live after an asynchronous failure
type HealthReporter interface {
	Healthy() bool
}

// Handle tracks a started worker. The supervisor hands it back to the
// lifecycle manager, which uses it for stop calls and advisory status
// reads.
type Handle struct {
	name    string
	typ     string
	worker  Worker
	stopped atomic.Bool
}

// NewHandle wraps a worker in a handle (exported for tests of
// supervisor consumers)
func NewHandle(name, typ string, w Worker) *Handle {
	return &Handle{name: name, typ: typ, worker: w}
}

// Name returns the worker name (the owning channel's id)
func (h *Handle) Name() string {
	return h.name
}

// Type returns the worker type tag
func (h *Handle) Type() string {
	return h.typ
}

// Alive reports whether the worker is believed to be running. Advisory:
// a worker that died asynchronously reports false only if it implements
// HealthReporter.
func (h *Handle) Alive() bool {
	if h.stopped.Load() {
		return false
	}
	if hr, ok := h.worker.(HealthReporter); ok {
		return hr.Healthy()
	}
	return true
}

// Stopper abstracts the supervisor surface the lifecycle manager needs
// for teardown; kept on Handle so a stop never needs the factory
// registry.
func (h *Handle) stop(timeout time.Duration) error {
	if h.stopped.Swap(true) {
		return nil
	}
	return h.worker.Stop(timeout)
}

// Registry maps channel types to worker factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactoryRegistry creates an empty factory registry
func NewFactoryRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}
