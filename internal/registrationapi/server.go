// Package registrationapi implements the optional HTTP registration API:
// register/unregister External instances, query their status, and list the
// fleet. It runs as a second http.Server alongside the chat integration,
// sharing the Instance Manager instance.
package registrationapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oc-outpost/orchestrator/internal/instance"
)

// Server is the registration API's HTTP server.
type Server struct {
	instances *instance.Manager
	auth      *tokenAuthenticator

	httpServer *http.Server

	subsMu sync.Mutex
	subs   map[*websocket.Conn]struct{}
}

// New creates a registration API Server listening on addr ("host:port").
// apiKey and jwksURL may both be empty, in which case auth is disabled.
func New(addr string, instances *instance.Manager, apiKey, jwksURL string) (*Server, error) {
	auth, err := newTokenAuthenticator(apiKey, jwksURL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		instances: instances,
		auth:      auth,
		subs:      make(map[*websocket.Conn]struct{}),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     corsMiddleware(mux),
		ReadTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/register", s.withAuth(s.handleRegister))
	mux.HandleFunc("POST /api/unregister", s.withAuth(s.handleUnregister))
	mux.HandleFunc("GET /api/instances", s.withAuth(s.handleListInstances))
	mux.HandleFunc("GET /api/status/{path...}", s.withAuth(s.handleStatus))
	mux.HandleFunc("GET /api/events", s.withAuth(s.handleEvents))
}

// Start runs the HTTP server; it blocks until the server stops.
func (s *Server) Start() error {
	slog.Info("registration API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Close shuts the server down.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.authenticate(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	ProjectPath string `json:"projectPath"`
	Port        int    `json:"port"`
	SessionID   string `json:"sessionId"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectPath == "" || req.Port == 0 {
		writeError(w, http.StatusBadRequest, "projectPath and port are required")
		return
	}

	info, err := s.instances.RegisterExternal(req.ProjectPath, req.Port, req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register instance")
		return
	}
	s.broadcastInstanceCount()
	writeJSON(w, http.StatusCreated, info)
}

type unregisterRequest struct {
	ProjectPath string `json:"projectPath"`
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req unregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.instances.UnregisterExternal(req.ProjectPath)
	if err == instance.ErrExternalNotFound {
		writeError(w, http.StatusNotFound, "no such instance")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to unregister instance")
		return
	}
	s.broadcastInstanceCount()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	list, err := s.instances.ListExternal()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list instances")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleStatus normalizes the captured tail so that /api/status/foo/bar and
// /api/status//foo/bar resolve to the same project path, then reports the
// instance registered there.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tail := r.PathValue("path")
	projectPath := "/" + strings.TrimLeft(tail, "/")

	handle, ok := s.instances.GetInstanceByPath(projectPath)
	if !ok {
		writeError(w, http.StatusNotFound, "no instance for path")
		return
	}
	writeJSON(w, http.StatusOK, handle.Info())
}

// handleEvents upgrades to a WebSocket and pushes live-instance-count
// changes as they happen; a debug/admin channel, not part of the core
// register/unregister contract.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.subsMu.Lock()
	s.subs[conn] = struct{}{}
	s.subsMu.Unlock()

	defer func() {
		s.subsMu.Lock()
		delete(s.subs, conn)
		s.subsMu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcastInstanceCount() {
	status := s.instances.GetStatus()
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for conn := range s.subs {
		_ = conn.WriteJSON(map[string]int{"total": status.Total, "running": status.Running})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
