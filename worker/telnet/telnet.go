// Package telnet implements a line-based TCP transport worker. The
// worker listens on a configured endpoint, reads newline-delimited
// messages from connected peers, and forwards each line onto the
// channel's inbound queue.
package telnet

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aLabsAfrica/junebug/errors"
	"github.com/aLabsAfrica/junebug/messagestore"
	"github.com/aLabsAfrica/junebug/worker"
)

// Type is the channel type tag this worker registers under
const Type = "telnet"

// Register adds the telnet factory to the registry
func Register(r *worker.Registry) error {
	return r.Register(Type, New)
}

// Config holds the telnet worker settings parsed from the channel
// config block
type Config struct {
	Endpoint string // listen address, host:port
}

func parseConfig(config map[string]any) (Config, error) {
	endpoint, _ := config["endpoint"].(string)
	if endpoint == "" {
		// Legacy channel configs use twisted server-endpoint syntax
		if te, _ := config["twisted_endpoint"].(string); te != "" {
			parsed, err := parseTwistedEndpoint(te)
			if err != nil {
				return Config{}, err
			}
			endpoint = parsed
		}
	}
	if endpoint == "" {
		return Config{}, fmt.Errorf("%w: endpoint is required", errors.ErrMissingConfig)
	}
	return Config{Endpoint: endpoint}, nil
}

// parseTwistedEndpoint converts "tcp:PORT[:interface=IP]" into a
// host:port listen address
func parseTwistedEndpoint(endpoint string) (string, error) {
	parts := strings.Split(endpoint, ":")
	if parts[0] != "tcp" || len(parts) < 2 || parts[1] == "" {
		return "", fmt.Errorf("%w: unsupported twisted_endpoint %q", errors.ErrInvalidConfig, endpoint)
	}

	host := ""
	for _, part := range parts[2:] {
		if iface, ok := strings.CutPrefix(part, "interface="); ok {
			host = iface
		}
	}
	return net.JoinHostPort(host, parts[1]), nil
}

// Telnet is the worker instance for one channel
type Telnet struct {
	name     string
	config   Config
	sender   MessageForwarder
	messages *messagestore.InboundStore
	statuses *messagestore.StatusStore
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	running atomic.Bool
	wg      sync.WaitGroup
	done    chan struct{}
}

// MessageForwarder is the slice of the sender the worker needs
type MessageForwarder interface {
	Send(ctx context.Context, target string, payload []byte) error
}

// New creates a telnet worker from channel configuration. No I/O
// happens here; the listener is opened in Start.
func New(name string, config map[string]any, deps worker.Dependencies) (worker.Worker, error) {
	cfg, err := parseConfig(config)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Telnet{
		name:     name,
		config:   cfg,
		sender:   deps.Sender,
		messages: deps.Messages,
		statuses: deps.Statuses,
		logger:   logger.With("worker", name, "type", Type),
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// reportStatus records the latest status of one worker component when a
// status store is wired
func (t *Telnet) reportStatus(ctx context.Context, component, level, reason string) {
	if t.statuses == nil {
		return
	}
	err := t.statuses.Save(ctx, t.name, messagestore.ComponentStatus{
		Component: component,
		Level:     level,
		Reason:    reason,
	})
	if err != nil {
		t.logger.Warn("status not recorded", "component", component, "error", err)
	}
}

// InboundQueue is the bus queue inbound messages are forwarded to
func (t *Telnet) InboundQueue() string {
	return t.name + ".inbound"
}

// Addr returns the bound listen address, or empty before Start
func (t *Telnet) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Start opens the listener and begins accepting peers
func (t *Telnet) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", t.config.Endpoint)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.config.Endpoint, err)
	}

	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()
	t.running.Store(true)

	t.wg.Add(1)
	go t.acceptLoop(ctx, listener)

	t.reportStatus(ctx, "listener", "ok", "")
	t.logger.Info("telnet worker listening", "addr", listener.Addr().String())
	return nil
}

func (t *Telnet) acceptLoop(ctx context.Context, listener net.Listener) {
	defer t.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.running.Store(false)
			t.reportStatus(ctx, "listener", "down", err.Error())
			t.logger.Error("accept failed", "error", err)
			return
		}

		t.mu.Lock()
		t.conns[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.readLoop(ctx, conn)
	}
}

func (t *Telnet) readLoop(ctx context.Context, conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		msg := messagestore.NewInbound(t.name, line)
		msg.From = conn.RemoteAddr().String()

		// Stored before forwarding so a reply can always be constructed
		// from a delivered message
		if t.messages != nil {
			if err := t.messages.Save(ctx, msg); err != nil {
				t.logger.Warn("inbound message not stored", "message_id", msg.ID, "error", err)
			}
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			t.logger.Error("inbound message encoding failed", "error", err)
			continue
		}

		// A bus outage drops the message; the sender does not buffer
		if err := t.sender.Send(ctx, t.InboundQueue(), payload); err != nil {
			t.logger.Warn("inbound message dropped", "message_id", msg.ID, "error", err)
		}
	}
}

// Stop closes the listener and all peer connections
func (t *Telnet) Stop(timeout time.Duration) error {
	close(t.done)
	t.running.Store(false)

	t.mu.Lock()
	if t.listener != nil {
		t.listener.Close()
	}
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("telnet worker %s: stop timeout after %v", t.name, timeout)
	}
}

// Healthy reports whether the accept loop is still running
func (t *Telnet) Healthy() bool {
	return t.running.Load()
}
