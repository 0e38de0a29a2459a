package store

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aLabsAfrica/junebug/errors"
)

// NATSKV is an Adapter backed by a NATS JetStream key-value bucket.
// All channel records live in a single bucket; keys use '.' separators
// which are valid KV key characters.
type NATSKV struct {
	conn   *nats.Conn
	bucket jetstream.KeyValue
}

// NATSKVConfig configures the JetStream KV adapter
type NATSKVConfig struct {
	URL     string        `yaml:"url"`
	Bucket  string        `yaml:"bucket"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultNATSKVConfig returns defaults suitable for a local NATS server
func DefaultNATSKVConfig() NATSKVConfig {
	return NATSKVConfig{
		URL:     nats.DefaultURL,
		Bucket:  "junebug_channels",
		Timeout: 5 * time.Second,
	}
}

// NewNATSKV connects to NATS and binds (creating if necessary) the
// configured KV bucket.
func NewNATSKV(ctx context.Context, cfg NATSKVConfig) (*NATSKV, error) {
	if cfg.Bucket == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSKV", "NewNATSKV", "bucket name validation")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSKV", "NewNATSKV", "connect to NATS")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapTransient(err, "NATSKV", "NewNATSKV", "initialize JetStream")
	}

	bucket, err := ensureBucket(ctx, js, cfg.Bucket)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &NATSKV{conn: conn, bucket: bucket}, nil
}

// NewNATSKVFromBucket wraps an existing bucket (used by tests and by
// callers that manage their own connection).
func NewNATSKVFromBucket(bucket jetstream.KeyValue) *NATSKV {
	return &NATSKV{bucket: bucket}
}

// ensureBucket gets the bucket, creating it on first use. A concurrent
// creator winning the race is not an error.
func ensureBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	bucket, err := js.KeyValue(ctx, name)
	if err == nil {
		return bucket, nil
	}

	bucket, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "junebug channel records",
		History:     5,
	})
	if err != nil {
		if isBucketExistsError(err) {
			bucket, err = js.KeyValue(ctx, name)
			if err == nil {
				return bucket, nil
			}
		}
		return nil, errors.WrapTransient(err, "NATSKV", "ensureBucket", "create KV bucket")
	}

	return bucket, nil
}

// Get returns the value stored under key
func (s *NATSKV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.bucket.Get(ctx, key)
	if err != nil {
		if isKeyNotFoundError(err) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "NATSKV", "Get", "get from KV")
	}
	return entry.Value(), nil
}

// Set stores value under key (last writer wins)
func (s *NATSKV) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.bucket.Put(ctx, key, value); err != nil {
		return errors.WrapTransient(err, "NATSKV", "Set", "put to KV")
	}
	return nil
}

// Delete removes key; absent keys are a no-op
func (s *NATSKV) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Purge(ctx, key); err != nil {
		if isKeyNotFoundError(err) {
			return nil
		}
		return errors.WrapTransient(err, "NATSKV", "Delete", "purge from KV")
	}
	return nil
}

// Scan returns all keys beginning with prefix
func (s *NATSKV) Scan(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "NATSKV", "Scan", "list KV keys")
	}

	matched := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

// Close closes the underlying connection if this adapter owns one
func (s *NATSKV) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

func isKeyNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	return strings.Contains(err.Error(), "key not found")
}

func isBucketExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "bucket name already in use") ||
		strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "stream name already in use")
}
