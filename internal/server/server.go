// Package server is the node's HTTP surface: event ingest, peer
// registration, the read-only state API for the render layer, and the
// websocket endpoint peers dial for gossip.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/bmorphism/patternmesh/internal/gossip"
	"github.com/bmorphism/patternmesh/internal/node"
	"github.com/bmorphism/patternmesh/internal/store"
)

// Server is the patternmesh HTTP API server.
type Server struct {
	db        *store.DB
	node      *node.Node
	transport *gossip.Transport
	router    chi.Router
	version   string
	started   time.Time
	log       *slog.Logger
	upgrader  websocket.Upgrader
}

// New creates a Server over a running node. The transport may be nil in
// tests; the gossip endpoint then answers 503.
func New(db *store.DB, n *node.Node, transport *gossip.Transport, version string, log *slog.Logger) *Server {
	s := &Server{
		db:        db,
		node:      n,
		transport: transport,
		version:   version,
		started:   time.Now(),
		log:       log.With("component", "server"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/state", s.handleState)
		r.Get("/peers", s.handlePeers)
		r.Post("/events", s.handleEvents)
		r.Post("/register", s.handleRegister)
	})
	r.Get("/gossip", s.handleGossip)

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
		"node_id": s.node.ID(),
		"store":   s.db.Stats(),
		"ingest":  s.node.Counters(),
	}
	if s.transport != nil {
		body["gossip"] = s.transport.Snapshot()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
