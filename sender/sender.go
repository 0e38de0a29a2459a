// Package sender publishes outbound messages onto named bus queues. The
// sender exposes a stable API independent of whether the underlying
// connection is live: it is safely constructible with no connection, and
// Send fails cleanly with a publish error until the bus client connects.
package sender

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aLabsAfrica/junebug/busclient"
	"github.com/aLabsAfrica/junebug/errors"
	"github.com/aLabsAfrica/junebug/metric"
)

// OutboundChannelID is the well-known bus channel id the sender
// publishes through
const OutboundChannelID = "outbound"

// Sender publishes outbound messages via the bus client. It does not
// retry internally and does not buffer unsent messages across a
// disconnection: retry policy is a caller concern.
type Sender struct {
	client   *busclient.Client
	exchange string
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// Option configures a Sender
type Option func(*Sender)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sender) { s.logger = logger }
}

// WithExchange publishes to a named exchange instead of the default
// exchange
func WithExchange(exchange string) Option {
	return func(s *Sender) { s.exchange = exchange }
}

// WithMetrics records publish outcomes on the given core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Sender) { s.metrics = m }
}

// NewSender creates a sender over the given bus client. The client need
// not be connected yet.
func NewSender(client *busclient.Client, opts ...Option) (*Sender, error) {
	if client == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("bus client cannot be nil"),
			"Sender", "NewSender", "client validation")
	}

	s := &Sender{
		client: client,
		logger: slog.Default().With("component", "sender"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send publishes payload onto the named target queue. Any acquire or
// publish failure, including an unestablished connection, surfaces as
// ErrPublishFailed; the caller must not assume exactly-once delivery
// since a publish of unknown outcome may have partially succeeded.
func (s *Sender) Send(ctx context.Context, target string, payload []byte) error {
	if target == "" {
		return errors.WrapInvalid(
			fmt.Errorf("target queue cannot be empty"),
			"Sender", "Send", "target validation")
	}

	ch, err := s.client.Acquire(OutboundChannelID)
	if err != nil {
		return s.fail(target, err)
	}

	// Declaration is idempotent; it also covers the first publish after
	// a reconnect when the fresh bus channel has seen no queues yet.
	if _, err := ch.QueueDeclare(target); err != nil {
		return s.fail(target, err)
	}

	if err := ch.Publish(ctx, s.exchange, target, payload); err != nil {
		return s.fail(target, err)
	}

	if s.metrics != nil {
		s.metrics.MessagesPublished.Inc()
	}
	s.logger.Debug("message published", "target", target, "bytes", len(payload))
	return nil
}

func (s *Sender) fail(target string, cause error) error {
	if s.metrics != nil {
		s.metrics.PublishFailures.Inc()
	}
	s.logger.Warn("publish failed", "target", target, "error", cause)
	return errors.WrapTransient(
		fmt.Errorf("%w: %v", errors.ErrPublishFailed, cause),
		"Sender", "Send", "publish to bus")
}
