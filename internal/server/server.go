// Package server exposes tournament clocks over HTTP for directors and over
// WebSocket for display screens.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/lox/pokerclock/internal/auth"
)

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins restricts browser access to the listed origins. An
// empty list allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithValidator requires directors to present a token accepted by v before
// any clock command. Displays stay open to everyone.
func WithValidator(v auth.Validator) Option {
	return func(s *Server) { s.validator = v }
}

// Server serves the clock API and display sockets
type Server struct {
	registry       *Registry
	upgrader       websocket.Upgrader
	allowedOrigins []string
	validator      auth.Validator
	logger         *log.Logger

	mu          sync.RWMutex
	connections map[*Connection]bool
}

// NewServer creates a server for the tournaments in registry.
func NewServer(registry *Registry, logger *log.Logger, opts ...Option) *Server {
	s := &Server{
		registry:    registry,
		connections: make(map[*Connection]bool),
		logger:      logger.WithPrefix("server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

// Handler returns the HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/tournaments", s.handleListTournaments)
	mux.HandleFunc("GET /api/tournaments/{id}", s.handleGetTournament)
	mux.HandleFunc("GET /api/tournaments/{id}/stats", s.handleStats)
	mux.HandleFunc("POST /api/tournaments/{id}/clock/{command}", s.handleCommand)
	mux.HandleFunc("GET /ws/{id}", s.handleWebSocket)

	origins := s.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}).Handler(mux)
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully
// and disconnects every display.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting clock server", "addr", ln.Addr().String())
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down clock server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	s.closeConnections()
	return err
}

// ConnectionCount returns the number of connected displays.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.allowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
}

// authorize checks a director token. Without a validator every command is
// allowed. An unreachable auth service rejects the command.
func (s *Server) authorize(ctx context.Context, token string) (*auth.Identity, error) {
	if s.validator == nil {
		return nil, nil
	}
	return s.validator.Validate(ctx, token)
}

func (s *Server) register(conn *Connection) {
	s.mu.Lock()
	s.connections[conn] = true
	total := len(s.connections)
	s.mu.Unlock()
	s.logger.Info("Display connected", "tournament", conn.tournament.ID, "total", total)
}

func (s *Server) unregister(conn *Connection) {
	s.mu.Lock()
	delete(s.connections, conn)
	total := len(s.connections)
	s.mu.Unlock()
	s.logger.Info("Display disconnected", "tournament", conn.tournament.ID, "total", total)
}

func (s *Server) closeConnections() {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.connections))
	for conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// handleWebSocket handles WebSocket upgrade requests
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	tournament, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown tournament")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	token := auth.TokenFromRequest(r)
	conn := NewConnection(ws, tournament, s.logger)
	conn.authorize = func(ctx context.Context) (*auth.Identity, error) {
		return s.authorize(ctx, token)
	}
	s.register(conn)
	conn.Start()

	go func() {
		<-conn.Done()
		s.unregister(conn)
	}()
}
