package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chatwire/internal/constants"
	apperrors "chatwire/internal/errors"
	"chatwire/internal/middleware"
	"chatwire/internal/models"
	"chatwire/internal/service"
	"chatwire/internal/tracing"
	"chatwire/pkg/circuitbreaker"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// RealtimeEngine is the engine surface the control API exposes to the UI.
type RealtimeEngine interface {
	OpenConversation(ctx context.Context, chatID string) error
	CloseConversation(ctx context.Context, chatID string) error
	SendMessage(ctx context.Context, chatID string, draft models.Draft) (*models.Message, error)
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	Messages(chatID string) ([]models.Entry, error)
	ViewConversation(ctx context.Context, chatID string, viewing bool) error
	UnreadCounts() map[string]int
	PeerView() (models.PeerView, bool)
	RegisterSession(ctx context.Context, sessionID string) error
	UnregisterSession(ctx context.Context, sessionID string) error
	SetHidden(ctx context.Context, hidden bool)
	Status() service.EngineStatus
}

// BreakerStatsSource exposes the feed client's circuit breaker counters for
// the metrics surface. A nil source means no breaker is configured.
type BreakerStatsSource interface {
	BreakerStats() (circuitbreaker.Stats, bool)
}

type Server struct {
	router  *mux.Router
	logger  *logrus.Logger
	errlog  *apperrors.Logger
	engine  RealtimeEngine
	breaker BreakerStatsSource
	server  *http.Server
	cfg     models.ServerConfig
}

func NewServer(cfg models.ServerConfig, engine RealtimeEngine, breaker BreakerStatsSource, logger *logrus.Logger, verbose bool) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		errlog:  &apperrors.Logger{Logger: logger},
		engine:  engine,
		breaker: breaker,
		cfg:     cfg,
	}

	s.router.Use(middleware.ObservabilityMiddleware(logger))
	if verbose {
		s.router.Use(middleware.DetailedLoggingMiddleware(logger, middleware.DefaultDetailedLoggingConfig()))
	}

	s.setupRoutes()

	// Built here rather than in Start so a Shutdown racing a slow Start
	// still reaches the listener.
	s.server = &http.Server{
		Addr:         s.listenAddr(),
		Handler:      s.router,
		ReadTimeout:  s.timeout(cfg.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec),
		WriteTimeout: s.timeout(cfg.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec),
		IdleTimeout:  s.timeout(cfg.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec),
	}
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)

	// Metrics endpoint
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Engine-wide views
	v1.HandleFunc("/status", s.handleStatus()).Methods(http.MethodGet)
	v1.HandleFunc("/unread", s.handleUnread()).Methods(http.MethodGet)
	v1.HandleFunc("/peer", s.handlePeer()).Methods(http.MethodGet)

	// Conversation lifecycle and message log
	conv := v1.PathPrefix("/conversations/{chatID}").Subrouter()
	conv.HandleFunc("/open", s.handleOpenConversation()).Methods(http.MethodPost)
	conv.HandleFunc("/close", s.handleCloseConversation()).Methods(http.MethodPost)
	conv.HandleFunc("/view", s.handleViewConversation()).Methods(http.MethodPost)
	conv.HandleFunc("/messages", s.handleListMessages()).Methods(http.MethodGet)
	conv.HandleFunc("/messages", s.handleSendMessage()).Methods(http.MethodPost)
	conv.HandleFunc("/messages/{messageID}", s.handleDeleteMessage()).Methods(http.MethodDelete)

	// Session registry and visibility
	sess := v1.PathPrefix("/sessions/{sessionID}").Subrouter()
	sess.HandleFunc("/register", s.handleRegisterSession()).Methods(http.MethodPost)
	sess.HandleFunc("/unregister", s.handleUnregisterSession()).Methods(http.MethodPost)
	sess.HandleFunc("/visibility", s.handleVisibility()).Methods(http.MethodPost)
}

func (s *Server) listenAddr() string {
	host := s.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := s.cfg.Port
	if port <= 0 {
		port = constants.DefaultServerPort
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func (s *Server) timeout(configured, fallback int) time.Duration {
	if configured <= 0 {
		configured = fallback
	}
	return time.Duration(configured) * time.Second
}

func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("Starting control API server")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler implementations

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.engine.Status())
	}
}

func (s *Server) handleUnread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.engine.UnreadCounts())
	}
}

type peerResponse struct {
	models.PeerView
	Known bool `json:"known"`
}

func (s *Server) handlePeer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, known := s.engine.PeerView()
		s.writeJSON(w, http.StatusOK, peerResponse{PeerView: view, Known: known})
	}
}

func (s *Server) handleOpenConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := mux.Vars(r)["chatID"]
		if err := s.engine.OpenConversation(r.Context(), chatID); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"chatId": chatID, "result": "opened"})
	}
}

func (s *Server) handleCloseConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := mux.Vars(r)["chatID"]
		if err := s.engine.CloseConversation(r.Context(), chatID); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"chatId": chatID, "result": "closed"})
	}
}

type viewRequest struct {
	Viewing bool `json:"viewing"`
}

func (s *Server) handleViewConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := mux.Vars(r)["chatID"]

		var req viewRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid request body"))
			return
		}

		if err := s.engine.ViewConversation(r.Context(), chatID, req.Viewing); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"chatId": chatID, "viewing": req.Viewing})
	}
}

func (s *Server) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := mux.Vars(r)["chatID"]

		entries, err := s.engine.Messages(chatID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if entries == nil {
			entries = []models.Entry{}
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"chatId": chatID, "messages": entries})
	}
}

func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := mux.Vars(r)["chatID"]

		var draft models.Draft
		if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
			s.writeError(w, r, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid request body"))
			return
		}

		msg, err := s.engine.SendMessage(r.Context(), chatID, draft)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, msg)
	}
}

func (s *Server) handleDeleteMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		chatID := vars["chatID"]
		messageID := vars["messageID"]

		if err := s.engine.DeleteMessage(r.Context(), chatID, messageID); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleRegisterSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionID"]
		if err := s.engine.RegisterSession(r.Context(), sessionID); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID, "result": "registered"})
	}
}

func (s *Server) handleUnregisterSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionID"]
		if err := s.engine.UnregisterSession(r.Context(), sessionID); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID, "result": "unregistered"})
	}
}

type visibilityRequest struct {
	Hidden bool `json:"hidden"`
}

func (s *Server) handleVisibility() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req visibilityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid request body"))
			return
		}

		s.engine.SetHidden(r.Context(), req.Hidden)
		s.writeJSON(w, http.StatusOK, map[string]bool{"hidden": req.Hidden})
	}
}

// Response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestInfo := tracing.GetRequestInfo(r.Context())
	status := apperrors.HTTPStatusCode(err)

	// errlog pulls the error code, retryability, and context of an
	// AppError into the entry alongside the request fields.
	entry := s.errlog.WithError(err).WithFields(logrus.Fields{
		service.LogFieldRequestID:  requestInfo.RequestID,
		service.LogFieldMethod:     r.Method,
		service.LogFieldURL:        r.URL.Path,
		service.LogFieldStatusCode: status,
	})
	if status >= 500 {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}

	s.writeJSON(w, status, apperrors.ToHTTPResponse(err, requestInfo.RequestID))
}
