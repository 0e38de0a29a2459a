// Package websocket implements a websocket transport worker. The worker
// dials a configured websocket URL and forwards every received message
// onto the channel's inbound queue.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aLabsAfrica/junebug/errors"
	"github.com/aLabsAfrica/junebug/messagestore"
	"github.com/aLabsAfrica/junebug/worker"
)

// Type is the channel type tag this worker registers under
const Type = "websocket"

// Register adds the websocket factory to the registry
func Register(r *worker.Registry) error {
	return r.Register(Type, New)
}

// Config holds the websocket worker settings parsed from the channel
// config block
type Config struct {
	URL         string        // ws:// or wss:// endpoint to dial
	DialTimeout time.Duration // handshake timeout
}

func parseConfig(config map[string]any) (Config, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return Config{}, fmt.Errorf("%w: url is required", errors.ErrMissingConfig)
	}

	cfg := Config{URL: url, DialTimeout: 10 * time.Second}
	if secs, ok := config["dial_timeout_seconds"].(float64); ok && secs > 0 {
		cfg.DialTimeout = time.Duration(secs * float64(time.Second))
	}
	return cfg, nil
}

// Forwarder is the slice of the sender the worker needs
type Forwarder interface {
	Send(ctx context.Context, target string, payload []byte) error
}

// Websocket is the worker instance for one channel
type Websocket struct {
	name     string
	config   Config
	sender   Forwarder
	messages *messagestore.InboundStore
	statuses *messagestore.StatusStore
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	running atomic.Bool
	wg      sync.WaitGroup
	done    chan struct{}
}

// New creates a websocket worker from channel configuration. The
// connection is dialed in Start, not here.
func New(name string, config map[string]any, deps worker.Dependencies) (worker.Worker, error) {
	cfg, err := parseConfig(config)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Websocket{
		name:     name,
		config:   cfg,
		sender:   deps.Sender,
		messages: deps.Messages,
		statuses: deps.Statuses,
		logger:   logger.With("worker", name, "type", Type),
		done:     make(chan struct{}),
	}, nil
}

func (w *Websocket) reportStatus(ctx context.Context, level, reason string) {
	if w.statuses == nil {
		return
	}
	err := w.statuses.Save(ctx, w.name, messagestore.ComponentStatus{
		Component: "connection",
		Level:     level,
		Reason:    reason,
	})
	if err != nil {
		w.logger.Warn("status not recorded", "error", err)
	}
}

// InboundQueue is the bus queue inbound messages are forwarded to
func (w *Websocket) InboundQueue() string {
	return w.name + ".inbound"
}

// Start dials the configured endpoint and begins reading
func (w *Websocket) Start(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: w.config.DialTimeout}

	conn, _, err := dialer.DialContext(ctx, w.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.config.URL, err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.running.Store(true)

	w.wg.Add(1)
	go w.readLoop(ctx, conn)

	w.reportStatus(ctx, "ok", "")
	w.logger.Info("websocket worker connected", "url", w.config.URL)
	return nil
}

func (w *Websocket) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer w.wg.Done()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
			default:
				w.reportStatus(ctx, "down", err.Error())
				w.logger.Error("websocket read failed", "error", err)
			}
			w.running.Store(false)
			return
		}
		if len(payload) == 0 {
			continue
		}

		msg := messagestore.NewInbound(w.name, string(payload))
		msg.From = w.config.URL

		if w.messages != nil {
			if err := w.messages.Save(ctx, msg); err != nil {
				w.logger.Warn("inbound message not stored", "message_id", msg.ID, "error", err)
			}
		}

		body, err := json.Marshal(msg)
		if err != nil {
			w.logger.Error("inbound message encoding failed", "error", err)
			continue
		}

		if err := w.sender.Send(ctx, w.InboundQueue(), body); err != nil {
			w.logger.Warn("inbound message dropped", "message_id", msg.ID, "error", err)
		}
	}
}

// Stop closes the connection and waits for the read loop to exit
func (w *Websocket) Stop(timeout time.Duration) error {
	close(w.done)
	w.running.Store(false)

	w.mu.Lock()
	if w.conn != nil {
		deadline := time.Now().Add(timeout)
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		w.conn.Close()
	}
	w.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("websocket worker %s: stop timeout after %v", w.name, timeout)
	}
}

// Healthy reports whether the read loop is still running
func (w *Websocket) Healthy() bool {
	return w.running.Load()
}
