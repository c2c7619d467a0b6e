// Package server exposes the sync websocket and the document REST routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collabtext/internal/auth"
	"collabtext/internal/bus"
	"collabtext/internal/metrics"
	"collabtext/internal/presence"
	"collabtext/internal/session"
	"collabtext/internal/snapshot"
	"collabtext/internal/stream"
)

// Deps are the components a Server routes to.
type Deps struct {
	Replica        string
	Authorizer     *auth.Authorizer
	Streams        *stream.Manager
	Scheduler      *snapshot.Scheduler
	Tracker        *presence.Tracker
	Bus            bus.Transport
	Gatherer       prometheus.Gatherer
	Metrics        *metrics.Metrics
	Session        session.Config
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server is the HTTP surface of one replica.
type Server struct {
	d        Deps
	log      *slog.Logger
	upgrader websocket.Upgrader
	router   *mux.Router

	// Sessions outlive their request; they run under ctx and are tracked
	// by wg so Shutdown can wait for them.
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New builds the router.
func New(d Deps) *Server {
	s := &Server{d: d, log: d.Logger.With("component", "server")}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	r.Methods(http.MethodGet).Path("/documents/{id}/sync").HandlerFunc(s.sync)
	r.Methods(http.MethodGet).Path("/documents/{id}/snapshots").HandlerFunc(s.listSnapshots)
	r.Methods(http.MethodPost).Path("/documents/{id}/snapshots").HandlerFunc(s.triggerSnapshot)
	r.Methods(http.MethodPost).Path("/documents/{id}/snapshots/{version}/rollback").HandlerFunc(s.rollback)
	r.Methods(http.MethodGet).Path("/documents/{id}/presence").HandlerFunc(s.presence)
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Shutdown closes every live session and waits for them to finish.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.log.Debug("handled", "method", r.Method, "url", r.URL.Path, "duration", m.Duration, "status", m.Code)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(s.d.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	return slices.Contains(s.d.AllowedOrigins, origin)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// authorize checks the request's bearer token against the document in the
// route. On failure it writes the response and returns false.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (auth.Grant, bool) {
	id := mux.Vars(r)["id"]
	grant, err := s.d.Authorizer.Authorize(r.Context(), auth.TokenFromRequest(r), id)
	if err != nil {
		status := auth.StatusCode(err)
		if status == http.StatusInternalServerError {
			s.log.Error("authorization failed", "document", id, "error", err)
			writeError(w, status, "authorization unavailable")
		} else {
			s.log.Debug("refused", "document", id, "status", status, "error", err)
			writeError(w, status, http.StatusText(status))
		}
		return auth.Grant{}, false
	}
	return grant, true
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	grant, ok := s.authorize(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	st, err := s.d.Streams.Acquire(r.Context(), grant.DocumentID)
	if err != nil {
		s.log.Error("open stream failed", "document", grant.DocumentID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "document unavailable")
		return
	}
	defer s.d.Streams.Release(st)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "error", err)
		return
	}
	sess := session.New(conn, st, grant, s.d.Session, s.d.Logger, s.d.Metrics)
	if err := sess.Run(s.ctx); err != nil {
		s.log.Debug("session error", "session", sess.ID(), "error", err)
	}
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	grant, ok := s.authorize(w, r)
	if !ok {
		return
	}
	list, err := s.d.Scheduler.Store().List(r.Context(), grant.DocumentID)
	if err != nil {
		s.log.Error("list snapshots failed", "document", grant.DocumentID, "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	if list == nil {
		list = []snapshot.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": grant.DocumentID, "snapshots": list})
}

func (s *Server) triggerSnapshot(w http.ResponseWriter, r *http.Request) {
	grant, ok := s.authorize(w, r)
	if !ok {
		return
	}
	snap, err := s.d.Scheduler.Trigger(r.Context(), grant.DocumentID)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		writeError(w, http.StatusNotFound, "document has no state yet")
	case err != nil:
		s.log.Error("snapshot failed", "document", grant.DocumentID, "error", err)
		writeError(w, http.StatusInternalServerError, "snapshot failed")
	default:
		writeJSON(w, http.StatusCreated, snap)
	}
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	grant, ok := s.authorize(w, r)
	if !ok {
		return
	}
	if !grant.Role.CanEdit() {
		writeError(w, http.StatusForbidden, "owner or editor role required")
		return
	}
	version, err := strconv.ParseInt(mux.Vars(r)["version"], 10, 64)
	if err != nil || version < 1 {
		writeError(w, http.StatusBadRequest, "bad version")
		return
	}
	snap, err := s.d.Scheduler.Rollback(r.Context(), grant.DocumentID, version)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		writeError(w, http.StatusNotFound, "no such version")
	case err != nil:
		s.log.Error("rollback failed", "document", grant.DocumentID, "version", version, "error", err)
		writeError(w, http.StatusInternalServerError, "rollback failed")
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) presence(w http.ResponseWriter, r *http.Request) {
	grant, ok := s.authorize(w, r)
	if !ok {
		return
	}
	live := s.d.Tracker.Live(grant.DocumentID)
	if live == nil {
		live = []presence.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": grant.DocumentID, "users": live})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if !s.d.Bus.Healthy() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"replica":     s.d.Replica,
		"bus_healthy": s.d.Bus.Healthy(),
		"streams":     s.d.Streams.Open(),
	})
}
