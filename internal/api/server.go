// Package api exposes the graph and sync protocol over HTTP, and provides
// the matching client used by replicas and the CLI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/adrianco/the-goodies/internal/debug"
	"github.com/adrianco/the-goodies/internal/graph"
	"github.com/adrianco/the-goodies/internal/inbetweenies"
	"github.com/adrianco/the-goodies/internal/storage"
	"github.com/adrianco/the-goodies/internal/telemetry"
	"github.com/adrianco/the-goodies/internal/tools"
)

// maxBodyBytes caps request bodies a little above the sync batch byte cap.
const maxBodyBytes = inbetweenies.MaxBatchBytes + 1<<20

// Server is the HTTP front end over the authoritative graph.
type Server struct {
	mgr        *graph.Manager
	dispatcher *tools.Dispatcher
	syncSrv    *inbetweenies.Server
	addr       string

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the HTTP server. userID attributes tool-initiated writes
// that do not name a user.
func NewServer(mgr *graph.Manager, addr, userID string) *Server {
	return &Server{
		mgr:        mgr,
		dispatcher: tools.NewDispatcher(mgr, userID),
		syncSrv:    inbetweenies.NewServer(mgr),
		addr:       addr,
	}
}

// Handler returns the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("POST /tools/{name}", s.handleTool)
	mux.HandleFunc("GET /entities/{id}", s.handleGetEntity)
	mux.HandleFunc("GET /entities/{id}/versions", s.handleListVersions)
	mux.HandleFunc("GET /entities/{id}/versions/{version}", s.handleGetVersion)
	mux.HandleFunc("GET /graph/statistics", s.handleStatistics)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	debug.Logf("http: listening on %s\n", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start has listened.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req inbetweenies.Request
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.syncSrv.HandleSync(r.Context(), &req)
	if err != nil {
		writeError(w, syncStatus(err), err)
		return
	}
	telemetry.RecordSync(r.Context(), len(req.Changes), len(resp.Changes), len(resp.Conflicts))
	debug.Logf("http: /sync node=%s took %s\n", req.NodeID, time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

// syncStatus maps sync errors to HTTP status codes. Validation failures and
// a cursor ahead of the log are the client's fault and must not be retried.
func syncStatus(err error) int {
	switch {
	case errors.Is(err, inbetweenies.ErrProtocolMismatch),
		errors.Is(err, inbetweenies.ErrBadRequest),
		errors.Is(err, storage.ErrSequenceAhead):
		return http.StatusBadRequest
	case errors.Is(err, inbetweenies.ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := s.dispatcher.Dispatch(r.Context(), name, body)
	telemetry.RecordToolCall(r.Context(), name, res.Success)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	e, err := s.mgr.Store().GetCurrent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, storageStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	e, err := s.mgr.Store().GetVersion(r.Context(), r.PathValue("id"), r.PathValue("version"))
	if err != nil {
		writeError(w, storageStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	versions, err := s.mgr.Store().ListVersions(r.Context(), id)
	if err != nil {
		writeError(w, storageStatus(err), err)
		return
	}
	if len(versions) == 0 {
		writeError(w, http.StatusNotFound, storage.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_id": id, "versions": versions})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mgr.Statistics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	seq, err := s.mgr.Store().LastSequence(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy", "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"node_id":  s.mgr.NodeID(),
		"sequence": seq,
	})
}

func storageStatus(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func readJSON(r *http.Request, into any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
