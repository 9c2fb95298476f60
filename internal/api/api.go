// Package api provides a small read-only HTTP surface for inspecting run
// status and traces, for local operators to poll. It has no
// create/update endpoints — everything here is a GET.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/antigravity-dev/dustengine/internal/config"
	"github.com/antigravity-dev/dustengine/internal/errcode"
	"github.com/antigravity-dev/dustengine/internal/store"
)

// Server is the read-only HTTP API server. Configuration is read
// through a config.ConfigManager so a reload (SIGHUP in
// cmd/dustengine's serve mode) takes effect on live requests without a
// restart.
type Server struct {
	mgr        config.ConfigManager
	store      store.Store
	logger     *slog.Logger
	startTime  time.Time
	httpServer *http.Server
}

// NewServer creates a new API server.
func NewServer(mgr config.ConfigManager, s store.Store, logger *slog.Logger) *Server {
	return &Server{
		mgr:       mgr,
		store:     s,
		logger:    logger,
		startTime: time.Now(),
	}
}

// config returns the current live config snapshot.
func (s *Server) config() *config.Config {
	return s.mgr.Get()
}

// Start begins listening on the configured bind address. Blocks until
// context is cancelled. The bind address is fixed at start; everything
// else (auth key) is re-read per request.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.requireAuth(s.handleHealth))
	mux.HandleFunc("/projects/", s.requireAuth(s.routeProjects))

	s.httpServer = &http.Server{
		Addr:        s.config().API.Bind,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeEngineError renders err per the engine's structured {code,
// message} contract, picking 404 for the *_not_found codes and 500 for
// everything else.
func writeEngineError(w http.ResponseWriter, err error) {
	e := errcode.Classify(err)
	status := http.StatusInternalServerError
	if errcode.IsNotFound(e.Code) {
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(e)
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"healthy":  true,
		"uptime_s": time.Since(s.startTime).Seconds(),
	})
}

// routeProjects dispatches everything under /projects/{project_id}/runs...
func (s *Server) routeProjects(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/projects/")
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] != "runs" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	projectID := parts[0]

	if len(parts) == 2 {
		s.handleListRuns(w, r, projectID)
		return
	}

	runID, rest, _ := strings.Cut(parts[2], "/")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id required")
		return
	}
	switch rest {
	case "":
		s.handleRunDetail(w, r, projectID, runID)
	case "status":
		s.handleRunStatus(w, r, projectID, runID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// GET /projects/{project_id}/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request, projectID string) {
	runs, err := s.store.ListRuns(r.Context(), projectID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, runs)
}

// GET /projects/{project_id}/runs/{run_id}?block=1&block=2
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request, projectID, runID string) {
	filter := store.BlockFilter{}
	for _, raw := range r.URL.Query()["block"] {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "block must be an integer")
			return
		}
		filter.BlockIdx = append(filter.BlockIdx, idx)
	}

	run, traces, err := s.store.LoadRun(r.Context(), projectID, runID, filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]any{"run": run, "blocks": traces})
}

// GET /projects/{project_id}/runs/{run_id}/status
func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request, projectID, runID string) {
	run, _, err := s.store.LoadRun(r.Context(), projectID, runID, store.BlockFilter{StatusOnly: true})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, run)
}
