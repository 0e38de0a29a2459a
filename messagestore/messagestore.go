// Package messagestore persists per-message state alongside channel
// records: inbound messages kept for reply construction, outbound
// message event URLs and delivery events, the latest status per channel
// component, and TTL-bucketed message rates. All stores share one
// store.Adapter and encode records as JSON with an embedded expiry,
// since the adapter has no native TTL.
package messagestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aLabsAfrica/junebug/errors"
	"github.com/aLabsAfrica/junebug/store"
)

// KeyPrefix is the store key namespace for message records
const KeyPrefix = "messages."

// DefaultTTL bounds how long inbound and outbound message state is
// kept. Replies to messages older than this cannot be constructed.
const DefaultTTL = 24 * time.Hour

// Message is one user message crossing the gateway in either direction
type Message struct {
	ID        string    `json:"message_id"`
	ChannelID string    `json:"channel_id"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewInbound builds an inbound message for a channel with a fresh id
func NewInbound(channelID, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Event is a delivery event for an outbound message
type Event struct {
	ID        string    `json:"event_id"`
	MessageID string    `json:"message_id"`
	Type      string    `json:"event_type"` // submitted | delivered | rejected
	Timestamp time.Time `json:"timestamp"`
}

// ComponentStatus is the most recent status reported by one component
// of a channel's transport (listener, connection, ...)
type ComponentStatus struct {
	Component string    `json:"component"`
	Level     string    `json:"status"` // ok | degraded | down
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store bundles the four message stores over one adapter
type Store struct {
	inbound  *InboundStore
	outbound *OutboundStore
	status   *StatusStore
	rates    *RateStore
}

// Option configures a Store
type Option func(*Store)

// WithTTL overrides the retention period for message records
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.inbound.ttl = ttl
		s.outbound.ttl = ttl
	}
}

// WithClock overrides the time source (used by tests)
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.inbound.now = now
		s.outbound.now = now
		s.status.now = now
		s.rates.now = now
	}
}

// NewStore creates the message stores over the given adapter
func NewStore(adapter store.Adapter, opts ...Option) (*Store, error) {
	if adapter == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("store adapter cannot be nil"),
			"Store", "NewStore", "adapter validation")
	}

	now := func() time.Time { return time.Now().UTC() }
	s := &Store{
		inbound:  &InboundStore{adapter: adapter, ttl: DefaultTTL, now: now},
		outbound: &OutboundStore{adapter: adapter, ttl: DefaultTTL, now: now},
		status:   &StatusStore{adapter: adapter, now: now},
		rates:    &RateStore{adapter: adapter, now: now},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Inbound returns the inbound message store
func (s *Store) Inbound() *InboundStore { return s.inbound }

// Outbound returns the outbound message store
func (s *Store) Outbound() *OutboundStore { return s.outbound }

// Status returns the component status store
func (s *Store) Status() *StatusStore { return s.status }

// Rates returns the message rate store
func (s *Store) Rates() *RateStore { return s.rates }

// inboundRecord wraps a stored message with its expiry
type inboundRecord struct {
	Message   Message   `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InboundStore keeps whole inbound messages so replies can be
// constructed from the message id alone
type InboundStore struct {
	adapter store.Adapter
	ttl     time.Duration
	now     func() time.Time
}

func inboundKey(channelID, messageID string) string {
	return KeyPrefix + channelID + ".inbound." + messageID
}

// Save stores an inbound message under its channel and message id
func (s *InboundStore) Save(ctx context.Context, msg Message) error {
	if msg.ID == "" || msg.ChannelID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("message id and channel id are required"),
			"InboundStore", "Save", "message validation")
	}

	record := inboundRecord{Message: msg, ExpiresAt: s.now().Add(s.ttl)}
	data, err := json.Marshal(record)
	if err != nil {
		return errors.WrapFatal(err, "InboundStore", "Save", "marshal message")
	}

	if err := s.adapter.Set(ctx, inboundKey(msg.ChannelID, msg.ID), data); err != nil {
		return errors.WrapTransient(err, "InboundStore", "Save", "set in store")
	}
	return nil
}

// Load retrieves an inbound message by channel and message id. Expired
// records surface as not found.
func (s *InboundStore) Load(ctx context.Context, channelID, messageID string) (*Message, error) {
	data, err := s.adapter.Get(ctx, inboundKey(channelID, messageID))
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.ErrMessageNotFound
		}
		return nil, errors.WrapTransient(err, "InboundStore", "Load", "get from store")
	}

	var record inboundRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.WrapFatal(err, "InboundStore", "Load", "unmarshal message")
	}

	if !record.ExpiresAt.After(s.now()) {
		_ = s.adapter.Delete(ctx, inboundKey(channelID, messageID))
		return nil, errors.ErrMessageNotFound
	}
	return &record.Message, nil
}

// outboundRecord carries the event routing properties and the delivery
// events stored for one outbound message
type outboundRecord struct {
	EventURL       string           `json:"event_url,omitempty"`
	EventAuthToken string           `json:"event_url_auth_token,omitempty"`
	Events         map[string]Event `json:"events,omitempty"`
	ExpiresAt      time.Time        `json:"expires_at"`
}

// OutboundStore keeps, per outbound message, where delivery events
// should be forwarded and the events received so far
type OutboundStore struct {
	adapter store.Adapter
	ttl     time.Duration
	now     func() time.Time

	// mu serializes the load-modify-save cycle of record mutations
	mu sync.Mutex
}

func outboundKey(channelID, messageID string) string {
	return KeyPrefix + channelID + ".outbound." + messageID
}

func (s *OutboundStore) load(ctx context.Context, channelID, messageID string) (*outboundRecord, error) {
	data, err := s.adapter.Get(ctx, outboundKey(channelID, messageID))
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.ErrMessageNotFound
		}
		return nil, errors.WrapTransient(err, "OutboundStore", "load", "get from store")
	}

	var record outboundRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.WrapFatal(err, "OutboundStore", "load", "unmarshal record")
	}

	if !record.ExpiresAt.After(s.now()) {
		_ = s.adapter.Delete(ctx, outboundKey(channelID, messageID))
		return nil, errors.ErrMessageNotFound
	}
	return &record, nil
}

func (s *OutboundStore) save(ctx context.Context, channelID, messageID string, record *outboundRecord) error {
	record.ExpiresAt = s.now().Add(s.ttl)

	data, err := json.Marshal(record)
	if err != nil {
		return errors.WrapFatal(err, "OutboundStore", "save", "marshal record")
	}
	if err := s.adapter.Set(ctx, outboundKey(channelID, messageID), data); err != nil {
		return errors.WrapTransient(err, "OutboundStore", "save", "set in store")
	}
	return nil
}

// mutate runs fn over the record for the message, creating it on first
// use, and saves the result
func (s *OutboundStore) mutate(ctx context.Context, channelID, messageID string, fn func(*outboundRecord)) error {
	if channelID == "" || messageID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("channel id and message id are required"),
			"OutboundStore", "mutate", "id validation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.load(ctx, channelID, messageID)
	if err != nil {
		if !errors.IsNotFound(err) {
			return err
		}
		record = &outboundRecord{}
	}

	fn(record)
	return s.save(ctx, channelID, messageID, record)
}

// SaveEventURL stores where delivery events for the message go
func (s *OutboundStore) SaveEventURL(ctx context.Context, channelID, messageID, eventURL string) error {
	return s.mutate(ctx, channelID, messageID, func(r *outboundRecord) {
		r.EventURL = eventURL
	})
}

// SaveEventAuthToken stores the token presented when forwarding events
func (s *OutboundStore) SaveEventAuthToken(ctx context.Context, channelID, messageID, token string) error {
	return s.mutate(ctx, channelID, messageID, func(r *outboundRecord) {
		r.EventAuthToken = token
	})
}

// SaveEvent records a delivery event for the message
func (s *OutboundStore) SaveEvent(ctx context.Context, channelID string, event Event) error {
	if event.ID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("event id is required"),
			"OutboundStore", "SaveEvent", "event validation")
	}
	return s.mutate(ctx, channelID, event.MessageID, func(r *outboundRecord) {
		if r.Events == nil {
			r.Events = make(map[string]Event)
		}
		r.Events[event.ID] = event
	})
}

// LoadEventURL returns the stored event URL, empty when none was set
func (s *OutboundStore) LoadEventURL(ctx context.Context, channelID, messageID string) (string, error) {
	record, err := s.load(ctx, channelID, messageID)
	if err != nil {
		return "", err
	}
	return record.EventURL, nil
}

// LoadEventAuthToken returns the stored auth token, empty when none was
// set
func (s *OutboundStore) LoadEventAuthToken(ctx context.Context, channelID, messageID string) (string, error) {
	record, err := s.load(ctx, channelID, messageID)
	if err != nil {
		return "", err
	}
	return record.EventAuthToken, nil
}

// LoadEvents returns all delivery events stored for the message, newest
// last
func (s *OutboundStore) LoadEvents(ctx context.Context, channelID, messageID string) ([]Event, error) {
	record, err := s.load(ctx, channelID, messageID)
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(record.Events))
	for _, event := range record.Events {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// StatusStore keeps the most recent status per channel component;
// storing a status overwrites any previous one for the same component
type StatusStore struct {
	adapter store.Adapter
	now     func() time.Time

	mu sync.Mutex
}

func statusKey(channelID string) string {
	return KeyPrefix + channelID + ".status"
}

// Save records the latest status for one component of the channel
func (s *StatusStore) Save(ctx context.Context, channelID string, status ComponentStatus) error {
	if channelID == "" || status.Component == "" {
		return errors.WrapInvalid(
			fmt.Errorf("channel id and component are required"),
			"StatusStore", "Save", "status validation")
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	statuses, err := s.loadLocked(ctx, channelID)
	if err != nil {
		return err
	}
	statuses[status.Component] = status

	data, err := json.Marshal(statuses)
	if err != nil {
		return errors.WrapFatal(err, "StatusStore", "Save", "marshal statuses")
	}
	if err := s.adapter.Set(ctx, statusKey(channelID), data); err != nil {
		return errors.WrapTransient(err, "StatusStore", "Save", "set in store")
	}
	return nil
}

// Load returns the latest status per component, empty when none were
// reported
func (s *StatusStore) Load(ctx context.Context, channelID string) (map[string]ComponentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, channelID)
}

func (s *StatusStore) loadLocked(ctx context.Context, channelID string) (map[string]ComponentStatus, error) {
	data, err := s.adapter.Get(ctx, statusKey(channelID))
	if err != nil {
		if errors.IsNotFound(err) {
			return make(map[string]ComponentStatus), nil
		}
		return nil, errors.WrapTransient(err, "StatusStore", "Load", "get from store")
	}

	var statuses map[string]ComponentStatus
	if err := json.Unmarshal(data, &statuses); err != nil {
		return nil, errors.WrapFatal(err, "StatusStore", "Load", "unmarshal statuses")
	}
	return statuses, nil
}

// rateRecord is one time-bucketed message counter
type rateRecord struct {
	Count     int64     `json:"count"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RateStore counts messages in fixed time buckets and reports the rate
// of the last completed bucket. Bucket size must stay constant per
// channel and label combination.
type RateStore struct {
	adapter store.Adapter
	now     func() time.Time

	mu sync.Mutex
}

func rateKey(channelID, label string, bucket int64) string {
	return fmt.Sprintf("%s%s.rates.%s.%d", KeyPrefix, channelID, label, bucket)
}

func (s *RateStore) bucket(bucketSize time.Duration) int64 {
	return s.now().Unix() / int64(bucketSize.Seconds())
}

// Increment counts one message for the channel and label in the current
// bucket. Buckets are kept for twice the bucket size.
func (s *RateStore) Increment(ctx context.Context, channelID, label string, bucketSize time.Duration) error {
	if bucketSize <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("bucket size must be positive"),
			"RateStore", "Increment", "bucket validation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := rateKey(channelID, label, s.bucket(bucketSize))

	var record rateRecord
	if data, err := s.adapter.Get(ctx, key); err == nil {
		if err := json.Unmarshal(data, &record); err != nil {
			return errors.WrapFatal(err, "RateStore", "Increment", "unmarshal bucket")
		}
	} else if !errors.IsNotFound(err) {
		return errors.WrapTransient(err, "RateStore", "Increment", "get from store")
	}

	record.Count++
	record.ExpiresAt = s.now().Add(2 * bucketSize)

	data, err := json.Marshal(record)
	if err != nil {
		return errors.WrapFatal(err, "RateStore", "Increment", "marshal bucket")
	}
	if err := s.adapter.Set(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "RateStore", "Increment", "set in store")
	}
	return nil
}

// MessagesPerSecond reports the rate over the last completed bucket,
// zero when nothing was counted
func (s *RateStore) MessagesPerSecond(ctx context.Context, channelID, label string, bucketSize time.Duration) (float64, error) {
	if bucketSize <= 0 {
		return 0, errors.WrapInvalid(
			fmt.Errorf("bucket size must be positive"),
			"RateStore", "MessagesPerSecond", "bucket validation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := rateKey(channelID, label, s.bucket(bucketSize)-1)

	data, err := s.adapter.Get(ctx, key)
	if err != nil {
		if errors.IsNotFound(err) {
			return 0, nil
		}
		return 0, errors.WrapTransient(err, "RateStore", "MessagesPerSecond", "get from store")
	}

	var record rateRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return 0, errors.WrapFatal(err, "RateStore", "MessagesPerSecond", "unmarshal bucket")
	}
	return float64(record.Count) / bucketSize.Seconds(), nil
}
