// Package gateway exposes the HTTP API surface of the gateway: channel
// lifecycle operations and outbound message submission. It translates
// the error taxonomy into HTTP status codes; all business logic lives
// in the lifecycle manager, registry, and sender.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aLabsAfrica/junebug/channel"
	"github.com/aLabsAfrica/junebug/errors"
	"github.com/aLabsAfrica/junebug/lifecycle"
	"github.com/aLabsAfrica/junebug/messagestore"
	"github.com/aLabsAfrica/junebug/sender"
)

// rateWindow is the bucket size for per-channel message rates
const rateWindow = 10 * time.Second

// Server is the HTTP-facing orchestrator calling into the lifecycle
// manager, message sender and message stores
type Server struct {
	manager  *lifecycle.Manager
	registry *channel.Registry
	sender   *sender.Sender
	messages *messagestore.Store
	logger   *slog.Logger

	httpServer *http.Server
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger.With("component", "gateway") }
}

// NewServer creates the HTTP server. Call Start to begin serving.
func NewServer(addr string, manager *lifecycle.Manager, registry *channel.Registry,
	snd *sender.Sender, messages *messagestore.Store, opts ...Option) (*Server, error) {
	if manager == nil || registry == nil || snd == nil || messages == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("manager, registry, sender and message store are required"),
			"Server", "NewServer", "dependency validation")
	}

	s := &Server{
		manager:  manager,
		registry: registry,
		sender:   snd,
		messages: messages,
		logger:   slog.Default().With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routing handler (exposed for tests)
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /channels/", s.handleCreate)
	mux.HandleFunc("GET /channels/", s.handleList)
	mux.HandleFunc("GET /channels/{id}", s.handleGet)
	mux.HandleFunc("PUT /channels/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /channels/{id}", s.handleDelete)
	mux.HandleFunc("POST /channels/{id}/restore", s.handleRestore)
	mux.HandleFunc("POST /channels/{id}/messages", s.handleSend)
	mux.HandleFunc("GET /channels/{id}/messages/{msg_id}", s.handleGetMessage)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start begins serving; it blocks until the listener fails or Shutdown
// is called
func (s *Server) Start() error {
	s.logger.Info("http gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapTransient(err, "Server", "Start", "serve http")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// envelope is the response shape for every endpoint
type envelope struct {
	Status      int    `json:"status"`
	Description string `json:"description"`
	Result      any    `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
}

// channelView is a channel record plus its derived runtime status
type channelView struct {
	*channel.Channel
	Status channel.Status `json:"status"`
}

func (s *Server) view(ch *channel.Channel) channelView {
	return channelView{Channel: ch, Status: s.manager.Status(ch.ID)}
}

func (s *Server) writeResult(w http.ResponseWriter, status int, description string, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{
		Status:      status,
		Description: description,
		Result:      result,
	}); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP status codes: invalid
// input 400, missing records 404, transient infrastructure failures
// 503, everything else 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsInvalid(err):
		status = http.StatusBadRequest
	case errors.IsTransient(err):
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(envelope{
		Status:      status,
		Description: http.StatusText(status),
		Error:       err.Error(),
	}); encErr != nil {
		s.logger.Error("error response encoding failed", "error", encErr)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload channel.CreatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, errors.WrapInvalid(err, "Server", "handleCreate", "decode payload"))
		return
	}

	ch, err := s.manager.StartNew(r.Context(), payload)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeResult(w, http.StatusCreated, "channel created", s.view(ch))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.registry.ListIDs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResult(w, http.StatusOK, "channels listed", ids)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ch, err := s.registry.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResult(w, http.StatusOK, "channel found", s.view(ch))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Config   map[string]any `json:"config"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, errors.WrapInvalid(err, "Server", "handleUpdate", "decode payload"))
		return
	}

	ch, err := s.registry.Update(r.Context(), r.PathValue("id"), payload.Config, payload.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResult(w, http.StatusOK, "channel updated", s.view(ch))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Remove(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResult(w, http.StatusOK, "channel deleted", nil)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	ch, err := s.manager.Restore(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResult(w, http.StatusOK, "channel restored", s.view(ch))
}

// sendPayload is the request body for outbound message submission
type sendPayload struct {
	To             string `json:"to,omitempty"`
	From           string `json:"from,omitempty"`
	Content        string `json:"content"`
	ReplyTo        string `json:"reply_to,omitempty"`
	EventURL       string `json:"event_url,omitempty"`
	EventAuthToken string `json:"event_url_auth_token,omitempty"`
}

// handleSend submits an outbound message for a channel onto its
// outbound bus queue. Delivery is at-least-attempted: a 503 means the
// bus was unreachable and the caller may retry. When reply_to names a
// stored inbound message, the destination address is taken from it.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ch, err := s.registry.Load(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var payload sendPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, errors.WrapInvalid(err, "Server", "handleSend", "decode payload"))
		return
	}
	if payload.To == "" && payload.ReplyTo == "" {
		s.writeError(w, errors.WrapInvalid(
			fmt.Errorf("either 'to' or 'reply_to' must be specified"),
			"Server", "handleSend", "payload validation"))
		return
	}

	msg := messagestore.Message{
		ID:        newMessageID(),
		ChannelID: ch.ID,
		To:        payload.To,
		From:      payload.From,
		ReplyTo:   payload.ReplyTo,
		Content:   payload.Content,
		Timestamp: time.Now().UTC(),
	}

	if payload.ReplyTo != "" {
		inbound, err := s.messages.Inbound().Load(r.Context(), ch.ID, payload.ReplyTo)
		if err != nil {
			s.writeError(w, err)
			return
		}
		msg.To = inbound.From
	}

	if payload.EventURL != "" {
		if err := s.messages.Outbound().SaveEventURL(r.Context(), ch.ID, msg.ID, payload.EventURL); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if payload.EventAuthToken != "" {
		if err := s.messages.Outbound().SaveEventAuthToken(r.Context(), ch.ID, msg.ID, payload.EventAuthToken); err != nil {
			s.writeError(w, err)
			return
		}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		s.writeError(w, errors.WrapFatal(err, "Server", "handleSend", "marshal message"))
		return
	}
	if err := s.sender.Send(r.Context(), OutboundQueue(ch.ID), body); err != nil {
		s.writeError(w, err)
		return
	}

	// The message is on the bus; bookkeeping failures only get logged
	if err := s.messages.Outbound().SaveEvent(r.Context(), ch.ID, messagestore.Event{
		ID:        newMessageID(),
		MessageID: msg.ID,
		Type:      "submitted",
		Timestamp: msg.Timestamp,
	}); err != nil {
		s.logger.Warn("submitted event not recorded", "channel", ch.ID, "message_id", msg.ID, "error", err)
	}
	if err := s.messages.Rates().Increment(r.Context(), ch.ID, "outbound", rateWindow); err != nil {
		s.logger.Warn("outbound rate not recorded", "channel", ch.ID, "error", err)
	}

	s.writeResult(w, http.StatusOK, "message submitted", msg)
}

// handleGetMessage reads the delivery state of a previously submitted
// outbound message
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgID := r.PathValue("msg_id")

	if _, err := s.registry.Load(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	events, err := s.messages.Outbound().LoadEvents(r.Context(), id, msgID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	lastEvent := ""
	if len(events) > 0 {
		lastEvent = events[len(events)-1].Type
	}

	s.writeResult(w, http.StatusOK, "message found", map[string]any{
		"message_id":      msgID,
		"channel":         id,
		"last_event_type": lastEvent,
		"events":          events,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeResult(w, http.StatusOK, "ok", map[string]any{
		"channels_running": len(s.manager.Running()),
	})
}

// OutboundQueue names the bus queue outbound messages for a channel
// are published to
func OutboundQueue(id string) string {
	return id + ".outbound"
}

// newMessageID mints identifiers for messages and their events
func newMessageID() string {
	return uuid.NewString()
}
