// Package httpapi implements the bridge's HTTP surface: the chat
// transport intake webhook and the CRM panel's synchronous API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Henmir-HN/crm-henmir/internal/convstate"
	"github.com/Henmir-HN/crm-henmir/internal/events"
	"github.com/Henmir-HN/crm-henmir/internal/orchestrator"
	"github.com/Henmir-HN/crm-henmir/internal/store"
	"github.com/Henmir-HN/crm-henmir/internal/whatsapp"
)

// Transport is the outbound message channel. *whatsapp.Client
// satisfies it.
type Transport interface {
	Ready() bool
	Send(ctx context.Context, chatID, text string) error
}

// ErrTransportUnavailable is returned when a manual send is requested
// without a connected transport.
var ErrTransportUnavailable = errors.New("transport unavailable")

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	store     *store.Store
	machine   *convstate.Machine
	orch      *orchestrator.Orchestrator
	transport Transport
	analyzer  orchestrator.Toucher
	bus       *events.Bus
	wsHandler http.Handler
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates the API server. transport, analyzer, bus, and
// wsHandler may be nil; the matching features degrade gracefully.
func NewServer(address string, port int, st *store.Store, machine *convstate.Machine,
	orch *orchestrator.Orchestrator, transport Transport, analyzer orchestrator.Toucher,
	bus *events.Bus, wsHandler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		store:     st,
		machine:   machine,
		orch:      orch,
		transport: transport,
		analyzer:  analyzer,
		bus:       bus,
		wsHandler: wsHandler,
		logger:    logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat transport intake
	mux.HandleFunc("POST /api/whatsauto_reply", s.handleIntake)

	// Panel: settings
	mux.HandleFunc("GET /api/crm/chatbot-settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/crm/chatbot-settings", s.handleSetSettings)

	// Panel: conversations
	mux.HandleFunc("GET /api/crm/chats", s.handleListChats)
	mux.HandleFunc("GET /api/crm/conversations/{chatID}", s.handleGetConversation)
	mux.HandleFunc("POST /api/crm/chats/{chatID}/enable_bot", s.handleEnableBot)
	mux.HandleFunc("POST /api/crm/chats/{chatID}/disable_bot", s.handleDisableBot)

	// Panel: manual send
	mux.HandleFunc("POST /api/crm/send-message", s.handleSendMessage)

	// Panel: notifications
	mux.HandleFunc("GET /api/crm/notifications", s.handleListNotifications)
	mux.HandleFunc("POST /api/crm/notifications/{id}/read", s.handleMarkNotificationRead)

	// Panel: tags
	mux.HandleFunc("GET /api/crm/tags", s.handleListTags)
	mux.HandleFunc("POST /api/crm/tags", s.handleCreateTag)
	mux.HandleFunc("POST /api/crm/chats/{chatID}/tags", s.handleAttachTag)
	mux.HandleFunc("DELETE /api/crm/chats/{chatID}/tags/{tagID}", s.handleDetachTag)

	mux.HandleFunc("GET /health", s.handleHealth)

	if s.wsHandler != nil {
		mux.Handle("GET /ws", s.wsHandler)
	}

	return s.withLogging(mux)
}

// Start runs the server until it fails or is shut down.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: intake turns wait on the model and the
		// panel holds long-lived WebSocket sessions.
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": message}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := s.transport != nil && s.transport.Ready()
	writeJSON(w, map[string]any{"status": "ok", "transport_ready": ready}, s.logger)
}

// handleIntake processes one inbound chat message and answers with the
// bot's reply. Suppressed turns answer {"reply": ""}. Internal
// failures answer the fixed apology; raw errors never reach the chat.
func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Sender     string `json:"sender"`
		Message    string `json:"message"`
		SenderName string `json:"sender_name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Sender == "" {
		body.Sender = r.URL.Query().Get("sender")
	}
	if body.Message == "" {
		body.Message = r.URL.Query().Get("message")
	}
	if body.Sender == "" || body.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "faltan datos sender/message")
		return
	}

	chatID := whatsapp.ChatID(body.Sender)
	reply, err := s.orch.Reply(r.Context(), chatID, body.SenderName, body.Message, time.Now())
	if err != nil {
		s.logger.Error("intake turn failed", "chat_id", chatID, "error", err)
		writeJSON(w, map[string]string{"reply": orchestrator.ApologyReply}, s.logger)
		return
	}
	writeJSON(w, map[string]string{"reply": reply}, s.logger)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.Settings()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	// A fresh install has no rows; answer with the values the
	// orchestrator would actually use.
	if settings["model"] == "" {
		settings["model"] = s.orch.DefaultModel()
	}
	if settings["personality_prompt"] == "" {
		settings["personality_prompt"] = orchestrator.DefaultPersonality
	}
	writeJSON(w, settings, s.logger)
}

func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	for k, v := range body {
		if err := s.store.SetSetting(k, v); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, map[string]bool{"success": true}, s.logger)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.Conversations()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	writeJSON(w, convs, s.logger)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")

	conv, err := s.store.Conversation(chatID)
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	msgs, err := s.store.Messages(chatID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}

	writeJSON(w, map[string]any{
		"conversation": conv,
		"messages":     msgs,
	}, s.logger)
}

func (s *Server) handleEnableBot(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.EnableBot(r.PathValue("chatID")); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"success": true}, s.logger)
}

func (s *Server) handleDisableBot(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.DisableBot(r.PathValue("chatID")); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"success": true}, s.logger)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Telefono string `json:"telefono"`
		Mensaje  string `json:"mensaje"`
		Nombre   string `json:"nombre"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Telefono == "" || body.Mensaje == "" {
		s.errorResponse(w, http.StatusBadRequest, "faltan datos telefono/mensaje")
		return
	}

	err := s.SendOperatorMessage(r.Context(), body.Telefono, body.Mensaje, body.Nombre)
	if errors.Is(err, ErrTransportUnavailable) {
		s.errorResponse(w, http.StatusServiceUnavailable, "transporte no conectado")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"success": true}, s.logger)
}

// SendOperatorMessage delivers an operator-composed message through
// the transport and persists it. Shared by the synchronous endpoint
// and the WebSocket command.
func (s *Server) SendOperatorMessage(ctx context.Context, phone, message, contactName string) error {
	if s.transport == nil || !s.transport.Ready() {
		return ErrTransportUnavailable
	}

	chatID := whatsapp.ChatID(phone)
	if err := s.transport.Send(ctx, chatID, message); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	if err := s.store.EnsureConversation(chatID, contactName); err != nil {
		return err
	}
	msg, err := s.store.AppendMessage(chatID, store.SenderOperator, message, time.Now().UTC())
	if err != nil {
		return err
	}
	if s.analyzer != nil {
		s.analyzer.Touch(chatID)
	}

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAPI,
		Kind:      events.KindMessage,
		Data: map[string]any{
			"message_id":   msg.ID,
			"chat_id":      chatID,
			"sender":       store.SenderOperator,
			"content":      message,
			"contact_name": contactName,
		},
	})
	return nil
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"
	ns, err := s.store.Notifications(unreadOnly)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ns == nil {
		ns = []store.Notification{}
	}
	writeJSON(w, ns, s.logger)
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	err := s.store.MarkNotificationRead(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"success": true}, s.logger)
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.Tags()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tags == nil {
		tags = []store.Tag{}
	}
	writeJSON(w, tags, s.logger)
}

func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "falta el nombre de la etiqueta")
		return
	}

	tag, err := s.store.CreateTag(body.Name, body.Color)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, tag, s.logger)
}

func (s *Server) handleAttachTag(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TagID string `json:"tag_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TagID == "" {
		s.errorResponse(w, http.StatusBadRequest, "falta tag_id")
		return
	}

	err := s.store.AttachTag(r.PathValue("chatID"), body.TagID)
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "tag not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"success": true}, s.logger)
}

func (s *Server) handleDetachTag(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DetachTag(r.PathValue("chatID"), r.PathValue("tagID")); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"success": true}, s.logger)
}
