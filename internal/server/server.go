// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jeranaias/klusterchat/internal/archive"
	"github.com/jeranaias/klusterchat/internal/chat"
	"github.com/jeranaias/klusterchat/internal/logging"
	"github.com/jeranaias/klusterchat/internal/model"
	"github.com/jeranaias/klusterchat/internal/storage"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8787"

	// MaxRequestBodySize bounds JSON request bodies.
	MaxRequestBodySize = 4 * 1024 * 1024

	// MaxArchiveSize bounds an uploaded archive.
	MaxArchiveSize = 256 * 1024 * 1024

	// ShutdownTimeout is how long in-flight requests get on shutdown.
	ShutdownTimeout = 10 * time.Second
)

// ============================================================================
// SERVER
// ============================================================================

// Config configures a Server.
type Config struct {
	Addr  string
	Token string // bearer token; empty disables auth

	RateLimit float64 // requests/sec per client; 0 disables
	RateBurst int

	// Defaults for conversations started over the API.
	ModelName    string
	SystemPrompt string
	Settings     model.ModelSettings

	// Verify is the default for chat requests that do not say.
	Verify bool

	Version string
	Logger  *slog.Logger
}

// Server exposes sessions, chat and archives over HTTP.
type Server struct {
	cfg      Config
	sessions *storage.Sessions
	coord    *chat.Coordinator
	limiter  *RateLimiter
	logger   *slog.Logger
	router   chi.Router
	started  time.Time
}

// New creates a server over the given session service and coordinator.
func New(sessions *storage.Sessions, coord *chat.Coordinator, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ModelName == "" {
		cfg.ModelName = model.DefaultModelName
	}
	if cfg.Settings == (model.ModelSettings{}) {
		cfg.Settings = model.DefaultModelSettings
	}
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		coord:    coord,
		limiter:  NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:   logging.OrDiscard(cfg.Logger),
		started:  time.Now(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Addr
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// and cancels every in-flight chat request.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: chat responses are long-lived streams.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String(), "auth", s.cfg.Token != "")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := s.coord.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("chat jobs did not stop in time", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(RecoveryMiddleware(s.logger))
	r.Use(SecurityHeadersMiddleware)
	r.Use(middleware.StripSlashes)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.Token, s.logger))
		r.Use(RateLimitMiddleware(s.limiter))

		r.Get("/models", s.handleModels)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Put("/", s.handlePutSession)
				r.Patch("/", s.handleRenameSession)
				r.Delete("/", s.handleDeleteSession)
				r.Get("/messages", s.handleMessages)
				r.Get("/transcript", s.handleTranscript)
			})
		})

		r.Post("/chat", s.handleChat)
		r.Post("/chat/{key}/cancel", s.handleCancel)

		r.Get("/archive", s.handleExportArchive)
		r.Post("/archive", s.handleImportArchive)
	})
	return r
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an error.
type ErrorDetail struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Message: message, Status: status}})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	var bad *badRequest
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidSessionID):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrNoSendableContent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, archive.ErrNothingToExport):
		return http.StatusNotFound
	case errors.Is(err, archive.ErrInvalidArchive):
		return http.StatusBadRequest
	case errors.Is(err, archive.ErrEntryTooLarge), errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and
// replaced by a generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return &badRequest{fmt.Sprintf("invalid request body: %v", err)}
	}
	return nil
}

type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }
