// Package gateway is the HTTP surface of the daemon: session control,
// event streaming over SSE and websocket, peer status and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hyunwoo/reportd/internal/metrics"
	"github.com/hyunwoo/reportd/pkg/peer"
	"github.com/hyunwoo/reportd/pkg/session"
)

// Server serves the REST, SSE and websocket endpoints.
type Server struct {
	addr        string
	manager     *session.Manager
	sup         *peer.Supervisor
	met         *metrics.Metrics
	broadcaster *Broadcaster
	logger      zerolog.Logger

	server   *http.Server
	upgrader websocket.Upgrader
}

// Config holds server configuration.
type Config struct {
	Addr    string
	Manager *session.Manager
	Sup     *peer.Supervisor
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Sup == nil {
		return nil, fmt.Errorf("peer supervisor is required")
	}

	return &Server{
		addr:        cfg.Addr,
		manager:     cfg.Manager,
		sup:         cfg.Sup,
		met:         cfg.Metrics,
		broadcaster: NewBroadcaster(cfg.Logger),
		logger:      cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", s.handleStartSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions/{id}/abort", s.handleAbortSession)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("GET /api/peers", s.handleListPeers)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	if s.met != nil {
		mux.Handle("GET /metrics", s.met.Handler())
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	s.logger.Info().Str("addr", s.addr).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Stop disconnects websocket clients and shuts the listener down.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Shutting down gateway server")
	s.broadcaster.CloseAll()

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.manager.Start(req.Query)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.manager.ListActive(),
	})
}

func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	aborted := s.manager.Abort(id)

	status := http.StatusOK
	if !aborted {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]interface{}{
		"session_id": id,
		"aborted":    aborted,
	})
}

func (s *Server) handleListPeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers": s.sup.Infos(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	id := s.broadcaster.Add(conn)

	// The read loop only notices disconnects; clients never send
	// anything meaningful.
	go func() {
		defer s.broadcaster.Remove(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
