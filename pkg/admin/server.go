// Package admin implements the HTTP+WebSocket admin surface of §6.1:
// shutdown, isolate, suspend, resume, per-SMSC stop/restart, status, and
// DLR-flush, plus a live status push channel for operator dashboards.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/protei/bearerbox/internal/logger"
	"github.com/protei/bearerbox/pkg/lifecycle"
)

// CoreOps is the subset of Core's surface the admin server drives. Core
// satisfies this implicitly; the admin package never imports pkg/core, to
// keep the dependency pointed inward only.
type CoreOps interface {
	Isolate()
	Suspend()
	Resume()
	FlushDLR()
	StopSmsc(id string)
	RestartSmsc(id string) error
	State() lifecycle.State
	Status(format string) string
	Shutdown()
}

// Server is the admin HTTP server.
type Server struct {
	addr   string
	core   CoreOps
	auth   *AuthService
	log    *logger.Logger
	server *http.Server

	upgrader     websocket.Upgrader
	wsClients    map[*websocket.Conn]bool
	wsClientsMux sync.RWMutex
}

// New builds an admin Server bound to addr, driving core, and
// authenticating operators via auth.
func New(addr string, core CoreOps, auth *AuthService) *Server {
	return &Server{
		addr: addr,
		core: core,
		auth: auth,
		log:  logger.Get().WithComponent("admin"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		wsClients: make(map[*websocket.Conn]bool),
	}
}

// Start builds the route table and begins serving. It blocks until the
// server stops (mirrors http.Server.ListenAndServe).
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/admin/login", s.handleLogin)
	mux.HandleFunc("/admin/shutdown", s.requireAuth(s.handleShutdown))
	mux.HandleFunc("/admin/isolate", s.requireAuth(s.handleIsolate))
	mux.HandleFunc("/admin/suspend", s.requireAuth(s.handleSuspend))
	mux.HandleFunc("/admin/resume", s.requireAuth(s.handleResume))
	mux.HandleFunc("/admin/flush-dlr", s.requireAuth(s.handleFlushDLR))
	mux.HandleFunc("/admin/status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("/admin/smsc/", s.requireAuth(s.handleSmscAction))
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("starting admin server", "addr", s.addr)
	go s.broadcastLoop()

	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server and closes open WebSocket
// connections.
func (s *Server) Stop(ctx context.Context) error {
	s.wsClientsMux.Lock()
	for client := range s.wsClients {
		_ = client.Close()
	}
	s.wsClientsMux.Unlock()
	return s.server.Shutdown(ctx)
}

type contextKey string

const usernameKey contextKey = "username"

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.sendError(w, http.StatusUnauthorized, "missing or malformed authorization header")
			return
		}
		username, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.sendError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), usernameKey, username)))
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	token, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		s.sendError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.log.Warn("admin shutdown requested", "username", r.Context().Value(usernameKey))
	go s.core.Shutdown()
	s.sendJSON(w, http.StatusAccepted, map[string]string{"result": "shutting down"})
}

func (s *Server) handleIsolate(w http.ResponseWriter, r *http.Request) {
	s.core.Isolate()
	s.sendJSON(w, http.StatusOK, map[string]string{"state": s.core.State().String()})
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	s.core.Suspend()
	s.sendJSON(w, http.StatusOK, map[string]string{"state": s.core.State().String()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.core.Resume()
	s.sendJSON(w, http.StatusOK, map[string]string{"state": s.core.State().String()})
}

func (s *Server) handleFlushDLR(w http.ResponseWriter, r *http.Request) {
	s.core.FlushDLR()
	s.sendJSON(w, http.StatusOK, map[string]string{"result": "dlr index flushed"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "text"
	}
	s.sendJSON(w, http.StatusOK, map[string]string{
		"state":  s.core.State().String(),
		"status": s.core.Status(format),
	})
}

// handleSmscAction handles /admin/smsc/{id}/stop and /admin/smsc/{id}/restart.
func (s *Server) handleSmscAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/smsc/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		s.sendError(w, http.StatusNotFound, "expected /admin/smsc/{id}/{stop|restart}")
		return
	}
	id, action := parts[0], parts[1]

	switch action {
	case "stop":
		s.core.StopSmsc(id)
		s.sendJSON(w, http.StatusOK, map[string]string{"result": fmt.Sprintf("%s stopped", id)})
	case "restart":
		if err := s.core.RestartSmsc(id); err != nil {
			s.sendError(w, http.StatusNotFound, err.Error())
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]string{"result": fmt.Sprintf("%s restarted", id)})
	default:
		s.sendError(w, http.StatusNotFound, "unknown action "+action)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"state": s.core.State().String()})
}

// handleWebSocket upgrades to a live push channel on which broadcastLoop
// sends the lifecycle state every five seconds (§6.1, "admin live status").
// Status snapshots and individual state transitions are not pushed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if _, err := s.auth.ValidateToken(token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", err)
		return
	}

	s.wsClientsMux.Lock()
	s.wsClients[conn] = true
	s.wsClientsMux.Unlock()

	go func() {
		defer func() {
			s.wsClientsMux.Lock()
			delete(s.wsClients, conn)
			s.wsClientsMux.Unlock()
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		s.broadcast(map[string]string{
			"type":  "state",
			"state": s.core.State().String(),
		})
	}
}

func (s *Server) broadcast(payload map[string]string) {
	s.wsClientsMux.RLock()
	defer s.wsClientsMux.RUnlock()
	for client := range s.wsClients {
		if err := client.WriteJSON(payload); err != nil {
			s.log.Warn("websocket write failed, dropping client", "err", err.Error())
			_ = client.Close()
		}
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode json response", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}
