package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bmorphism/patternmesh/internal/extract"
	"github.com/bmorphism/patternmesh/internal/node"
	"github.com/bmorphism/patternmesh/internal/peers"
	"github.com/bmorphism/patternmesh/internal/store"
)

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.node.CurrentState())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	snapshot := s.node.Directory().Snapshot()
	if snapshot == nil {
		snapshot = []peers.Peer{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"self":  s.node.Directory().Self(),
		"peers": snapshot,
	})
}

// handleEvents accepts one raw sensor event. Accepted events are queued
// for the ingest worker; the response does not wait for extraction.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var ev extract.RawEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	switch err := s.node.Ingest(&ev); {
	case err == nil:
	case errors.Is(err, node.ErrBacklogFull):
		http.Error(w, `{"error":"ingest backlog full"}`, http.StatusServiceUnavailable)
		return
	case errors.Is(err, node.ErrStopped):
		http.Error(w, `{"error":"shutting down"}`, http.StatusServiceUnavailable)
		return
	default:
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID   string `json:"node_id"`
		Role     string `json:"role"`
		Address  string `json:"address"`
		Position struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		} `json:"position"`
		RangeMeters float64 `json:"range_meters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.NodeID == "" {
		http.Error(w, `{"error":"node_id required"}`, http.StatusBadRequest)
		return
	}

	err := s.node.Directory().Register(store.PeerNode{
		NodeID:  req.NodeID,
		Role:    req.Role,
		Address: req.Address,
		X:       req.Position.X,
		Y:       req.Position.Y,
		RangeM:  req.RangeMeters,
	})
	var dup *peers.DuplicateNodeError
	switch {
	case err == nil:
	case errors.As(err, &dup):
		http.Error(w, `{"error":"`+dup.Error()+`"}`, http.StatusConflict)
		return
	default:
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "registered",
		"node_id":  req.NodeID,
		"neighbor": s.node.Directory().IsNeighbor(req.NodeID),
	})
}

// handleGossip upgrades a peer's connection. Inbound connections only
// carry the peer's messages; this node's own traffic to that peer rides
// its dialed link.
func (s *Server) handleGossip(w http.ResponseWriter, r *http.Request) {
	remoteID := r.URL.Query().Get("node_id")
	if remoteID == "" {
		http.Error(w, `{"error":"node_id required"}`, http.StatusBadRequest)
		return
	}
	if s.transport == nil {
		http.Error(w, `{"error":"gossip not configured"}`, http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("gossip upgrade failed", "peer", remoteID, "error", err)
		return
	}
	s.transport.HandleIncoming(conn, remoteID)
}
