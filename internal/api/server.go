// Package api provides the optional local status server: REST endpoints for
// submitting feedback and triggering a sync, plus a WebSocket stream of sync
// status snapshots.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/internet-programming-projects-group-14/source-code-sub000/internal/errors"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/logging"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/models"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync/broadcast"
)

// maxBodyBytes bounds request bodies accepted by POST endpoints.
const maxBodyBytes = 1 << 20

// OutboxAPI is the subset of the outbox service the server needs.
type OutboxAPI interface {
	Submit(ctx context.Context, kind models.PayloadKind, payload json.RawMessage) (models.SubmitResult, error)
	ForceSync(ctx context.Context) (models.PassResult, error)
	GetStatus(ctx context.Context) models.SyncStatusSnapshot
	AddListener(fn broadcast.Listener) broadcast.ListenerID
	RemoveListener(id broadcast.ListenerID) bool
}

// Server serves the status API.
type Server struct {
	service OutboxAPI
	hub     *WSHub
	mux     *http.ServeMux

	mu         sync.Mutex
	httpServer *http.Server
	listenerID broadcast.ListenerID
}

// NewServer creates a Server and subscribes its WebSocket hub to status
// changes. Call Shutdown to release the subscription.
func NewServer(service OutboxAPI) *Server {
	s := &Server{
		service: service,
		hub:     NewWSHub(),
		mux:     http.NewServeMux(),
	}
	s.listenerID = service.AddListener(s.hub.BroadcastSyncStatus)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/sync/status", s.handleStatus)
	s.mux.HandleFunc("/api/sync", s.handleSync)
	s.mux.HandleFunc("/api/feedback", s.handleFeedback)
	s.mux.HandleFunc("/api/ws", HandleWebSocket(s.hub, func(r *http.Request) models.SyncStatusSnapshot {
		return s.service.GetStatus(r.Context())
	}))
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	logging.Info("Status server listening", map[string]interface{}{"address": ln.Addr().String()})
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return apperrors.Wrap(apperrors.ErrInternal, "status server", err)
	}
	return nil
}

// ListenAndServe listens on address and serves until Shutdown.
func (s *Server) ListenAndServe(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "listen "+address, err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests, closes WebSocket clients and removes
// the status listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.service.RemoveListener(s.listenerID)
	s.hub.Close()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// handleHealth handles GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "netpulse",
	})
}

// handleStatus handles GET /api/sync/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.GetStatus(r.Context()))
}

// handleSync handles POST /api/sync. It blocks until the manual pass ends.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := s.service.ForceSync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleFeedback handles POST /api/feedback. The body is the feedback
// payload itself.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "read body", err))
		return
	}
	if len(body) > maxBodyBytes {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "request body too large"))
		return
	}

	result, err := s.service.Submit(r.Context(), models.KindFeedback, json.RawMessage(body))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeJSON(w, statusFor(code), map[string]interface{}{
		"error": map[string]interface{}{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrValidation, apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrNoConnectivity:
		return http.StatusServiceUnavailable
	case apperrors.ErrNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
