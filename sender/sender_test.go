package sender

import (
	"context"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aLabsAfrica/junebug/busclient"
	"github.com/aLabsAfrica/junebug/errors"
	"github.com/aLabsAfrica/junebug/metric"
)

// fakeRaw captures publishes and declarations for assertions
type fakeRaw struct {
	mu        sync.Mutex
	published map[string][][]byte // routing key -> bodies
	declared  []string
}

func newFakeRaw() *fakeRaw {
	return &fakeRaw{published: make(map[string][][]byte)}
}

func (f *fakeRaw) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[key] = append(f.published[key], msg.Body)
	return nil
}

func (f *fakeRaw) ConsumeWithContext(context.Context, string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	ch := make(chan amqp.Delivery)
	close(ch)
	return ch, nil
}

func (f *fakeRaw) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeRaw) Close() error { return nil }

type fakeConn struct {
	raw *fakeRaw
}

func (f *fakeConn) OpenChannel() (busclient.RawChannel, error) { return f.raw, nil }

func (f *fakeConn) NotifyClose(chan *amqp.Error) chan *amqp.Error {
	return make(chan *amqp.Error, 1)
}

func (f *fakeConn) Close() error { return nil }

func connectedSender(t *testing.T) (*Sender, *fakeRaw) {
	t.Helper()
	raw := newFakeRaw()
	client := busclient.NewClient("amqp://fake",
		busclient.WithDialer(func(string) (busclient.Connection, error) {
			return &fakeConn{raw: raw}, nil
		}),
		busclient.WithReconnectWait(0))
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	s, err := NewSender(client)
	require.NoError(t, err)
	return s, raw
}

func TestNewSenderRequiresClient(t *testing.T) {
	_, err := NewSender(nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSendPublishesToNamedQueue(t *testing.T) {
	s, raw := connectedSender(t)

	require.NoError(t, s.Send(context.Background(), "chan-1.inbound", []byte(`{"content":"hi"}`)))

	raw.mu.Lock()
	defer raw.mu.Unlock()
	assert.Contains(t, raw.declared, "chan-1.inbound", "target queue is declared before publishing")
	require.Len(t, raw.published["chan-1.inbound"], 1)
	assert.Equal(t, []byte(`{"content":"hi"}`), raw.published["chan-1.inbound"][0])
}

func TestSendWhenDisconnected(t *testing.T) {
	client := busclient.NewClient("amqp://fake",
		busclient.WithDialer(func(string) (busclient.Connection, error) {
			return &fakeConn{raw: newFakeRaw()}, nil
		}))
	t.Cleanup(func() { _ = client.Close() })

	s, err := NewSender(client)
	require.NoError(t, err)

	err = s.Send(context.Background(), "chan-1.inbound", []byte("payload"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPublishFailed)
	assert.True(t, errors.IsTransient(err), "bus outage is transient, the caller may retry")
	assert.Equal(t, 0, client.Channels(), "a failed send registers no bus channel")
}

func TestSendEmptyTarget(t *testing.T) {
	s, _ := connectedSender(t)

	err := s.Send(context.Background(), "", []byte("payload"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSendRecordsMetrics(t *testing.T) {
	raw := newFakeRaw()
	client := busclient.NewClient("amqp://fake",
		busclient.WithDialer(func(string) (busclient.Connection, error) {
			return &fakeConn{raw: raw}, nil
		}))
	t.Cleanup(func() { _ = client.Close() })

	metrics := metric.NewRegistry()
	s, err := NewSender(client, WithMetrics(metrics.Core))
	require.NoError(t, err)

	// Disconnected: failure counter moves
	require.Error(t, s.Send(context.Background(), "q", []byte("x")))

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, s.Send(context.Background(), "q", []byte("x")))
}

func TestSendDistinctTargetsShareBusChannel(t *testing.T) {
	s, raw := connectedSender(t)
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, "a.inbound", []byte("1")))
	require.NoError(t, s.Send(ctx, "b.inbound", []byte("2")))

	raw.mu.Lock()
	defer raw.mu.Unlock()
	assert.ElementsMatch(t, []string{"a.inbound", "b.inbound"}, raw.declared)
	assert.Len(t, raw.published["a.inbound"], 1)
	assert.Len(t, raw.published["b.inbound"], 1)
}
