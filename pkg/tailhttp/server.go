// Package tailhttp serves a node's operation log to followers over HTTP
// and provides the matching replication client.
package tailhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/unijord/shardlog/pkg/replication"
)

const (
	defaultTailLimit       = 512
	defaultShutdownTimeout = 5 * time.Second
)

// Server exposes a replication.Leader:
//
//	GET    /health
//	GET    /wal/handshake
//	GET    /wal/tail?from=<tick>&limit=<n>&consumer=<id>
//	DELETE /wal/consumers/{id}
type Server struct {
	leader     replication.Leader
	logger     *slog.Logger
	addr       string
	httpServer *http.Server
}

// NewServer creates a server for leader listening on addr.
func NewServer(leader replication.Leader, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		leader: leader,
		addr:   addr,
		logger: logger.With("component", "tailhttp"),
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/wal/handshake", s.handleHandshake)
	r.Get("/wal/tail", s.handleTail)
	r.Delete("/wal/consumers/{id}", s.handleRelease)

	return r
}

// Start listens in the background.
func (s *Server) Start() error {
	if s.addr == "" {
		return errors.New("tailhttp: listen address is required")
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("tail endpoint started", "addr", s.addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, newOKResponse())
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	hs, err := s.leader.Handshake(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, hs)
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	consumer := q.Get("consumer")
	if consumer == "" {
		s.writeJSON(w, http.StatusBadRequest, newErrorResponse("consumer is required"))
		return
	}
	from, err := strconv.ParseUint(q.Get("from"), 10, 64)
	if err != nil || from == 0 {
		s.writeJSON(w, http.StatusBadRequest, newErrorResponse("from must be a positive tick"))
		return
	}
	limit := defaultTailLimit
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeJSON(w, http.StatusBadRequest, newErrorResponse("limit must be a positive number"))
			return
		}
	}

	batch, err := s.leader.Fetch(r.Context(), consumer, from, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentTypeOplog)
	w.Header().Set(headerLastTick, strconv.FormatUint(batch.LastTick, 10))
	w.WriteHeader(http.StatusOK)
	if err := writeFrames(w, batch.Ops); err != nil {
		s.logger.Warn("tail response aborted", "consumer", consumer, "from", from, "error", err)
	}
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.leader.Release(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newOKResponse())
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, replication.ErrTickNotAvailable):
		status = http.StatusGone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, newErrorResponse(err.Error()))
}
