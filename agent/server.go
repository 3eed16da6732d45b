package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/itskum47/FluxGuard/control_plane/store"
)

const maxOutputBytes = 2048

// lifecycleRequest is the body the control plane's agent executor posts.
type lifecycleRequest struct {
	Action          store.Action `json:"action"`
	Reason          string       `json:"reason,omitempty"`
	TargetInstances int          `json:"target_instances,omitempty"`
}

type lifecycleResponse struct {
	Message  string `json:"message"`
	NodeID   string `json:"node_id"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
}

// Server is the agent's HTTP server. It runs one lifecycle command at a time.
type Server struct {
	cfg      *Config
	executor *Executor
	logger   *slog.Logger

	mu   sync.Mutex
	busy bool
}

func NewServer(cfg *Config, executor *Executor, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, executor: executor, logger: logger.With("component", "agent_server")}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /lifecycle/{action}", s.handleLifecycle)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "UP", "node_id": s.cfg.NodeID, "busy": busy})
}

// handleLifecycle runs the command synchronously so the caller sees the real outcome.
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	action, err := store.ParseAction(strings.ToUpper(r.PathValue("action")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if !s.executor.Supports(action) {
		http.Error(w, fmt.Sprintf("%s is not configured on this agent", action), http.StatusNotImplemented)
		return
	}

	req := lifecycleRequest{Action: action}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		req.Action = action
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		http.Error(w, "Agent busy", http.StatusConflict)
		return
	}
	s.busy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	res, err := s.executor.Execute(r.Context(), req)
	resp := lifecycleResponse{NodeID: s.cfg.NodeID, ExitCode: res.ExitCode, Output: truncate(res.Output, maxOutputBytes)}
	if err != nil {
		resp.Message = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	resp.Message = fmt.Sprintf("%s completed in %s", action, res.Duration.Round(1e6))
	writeJSON(w, http.StatusOK, resp)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
