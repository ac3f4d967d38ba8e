package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"your.org/session-hub/internal/conversation"
	"your.org/session-hub/internal/errs"
	"your.org/session-hub/internal/events"
	ilog "your.org/session-hub/internal/log"
	"your.org/session-hub/internal/reconcile"
	"your.org/session-hub/internal/session"
)

// maxBody caps request bodies, webhook callbacks included.
const maxBody = 4 << 20

// Deps are the services behind the API.  Reconciler and Failures may be
// nil, which disables their routes' functionality.
type Deps struct {
	Sessions      *session.Service
	Processor     *events.Processor
	Conversations conversation.Store
	Failures      events.FailureLog
	Reconciler    *reconcile.Service
	// Ready reports backend health for /readyz; nil means always healthy.
	Ready func(context.Context) error
}

// Server encapsulates the HTTP API surface: provider webhooks, session
// management, conversation queries and health checks.  Start begins
// listening on addr and Shutdown gracefully stops the listener.
type Server struct {
	deps    Deps
	router  *mux.Router
	httpSrv *http.Server
	ready   atomic.Bool
}

// NewServer constructs the server and wires up all routes using Gorilla mux.
func NewServer(addr string, d Deps) *Server {
	s := &Server{deps: d}
	router := mux.NewRouter()

	// Provider callbacks
	router.HandleFunc("/webhook/{token}", s.handleWebhook).Methods(http.MethodPost)
	router.HandleFunc("/webhook", s.handleLegacyWebhook).Methods(http.MethodPost)
	router.HandleFunc("/webhook-failures", s.handleFailures).Methods(http.MethodGet)

	// Session management
	router.HandleFunc("/tenants/{tenant}/sessions", s.handleCreateSession).Methods(http.MethodPost)
	router.HandleFunc("/tenants/{tenant}/sessions", s.handleListSessions).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/start", s.handleStart).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/stop", s.handleStop).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/restart", s.handleRestart).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}", s.handleDelete).Methods(http.MethodDelete)
	router.HandleFunc("/sessions/{id}/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/qr", s.handleQR).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/messages", s.handleSend).Methods(http.MethodPost)

	// Conversations
	router.HandleFunc("/tenants/{tenant}/conversations", s.handleListConversations).Methods(http.MethodGet)
	router.HandleFunc("/conversations/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	router.HandleFunc("/conversations/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	router.HandleFunc("/conversations/{id}/archive", s.handleArchive).Methods(http.MethodPost)
	router.HandleFunc("/conversations/{id}/tags", s.handleTags).Methods(http.MethodPut)

	router.HandleFunc("/tenants/{tenant}/reconcile", s.handleReconcile).Methods(http.MethodPost)

	// Health and readiness
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)

	s.router = router
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routes, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving HTTP requests and marks the server ready.  It
// returns nil once Shutdown has been called.
func (s *Server) Start() error {
	s.ready.Store(true)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.ready.Store(false)
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.  After shutdown the readyz
// endpoint returns HTTP 503.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.httpSrv.Shutdown(ctx)
}

// MarkReady is used when the handler is served by something other than
// Start.
func (s *Server) MarkReady(ready bool) { s.ready.Store(ready) }

// handleHealth always returns HTTP 200 OK.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleReady returns 200 once the server started and the backend answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			ilog.Errorf("readiness check failed: %v", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ready")
}

func decodeJSON(r *http.Request, target interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(target); err != nil {
		return errs.Validation("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errs.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errs.ErrProviderUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers a management call with {success:false, message}.
func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		ilog.Errorf("internal error: %v", err)
		msg = "internal error"
	}
	writeJSON(w, code, map[string]any{"success": false, "message": msg})
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func queryBool(r *http.Request, key string) *bool {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}
