package gossip

import (
	"time"

	"github.com/bmorphism/patternmesh/internal/store"
)

// Message kinds on the wire.
const (
	TypePatternShare = "pattern_share"
	TypeStateUpdate  = "state_update"
	TypeHeartbeat    = "heartbeat"
)

// Envelope is one wire message: JSON, one object per message, over a
// persistent bidirectional connection.
type Envelope struct {
	Type string `json:"type"`

	// pattern_share
	SourceNodeID string       `json:"source_node_id,omitempty"`
	Pattern      *WirePattern `json:"pattern,omitempty"`

	// state_update
	CollectiveTier     int   `json:"collective_tier,omitempty"`
	CumulativePatterns int64 `json:"cumulative_patterns,omitempty"`

	// heartbeat
	NodeID    string `json:"node_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// WirePattern is the pattern payload of a pattern_share.
type WirePattern struct {
	PatternID       string  `json:"pattern_id"`
	Signature       string  `json:"signature"`
	DetectedAt      string  `json:"detected_at"` // ISO 8601
	LocalConfidence float64 `json:"local_confidence"`
	Amplification   float64 `json:"amplification_factor"`
}

// control reports whether the message kind may never be dropped from an
// outbound queue.
func (e *Envelope) control() bool {
	return e.Type != TypePatternShare
}

// PatternShare builds the wire envelope for a locally persisted pattern.
func PatternShare(selfID string, p *store.Pattern) *Envelope {
	return &Envelope{
		Type:         TypePatternShare,
		SourceNodeID: selfID,
		Pattern: &WirePattern{
			PatternID:       p.PatternID,
			Signature:       p.Signature,
			DetectedAt:      time.UnixMilli(p.DetectedAt).UTC().Format(time.RFC3339Nano),
			LocalConfidence: p.LocalConfidence,
			Amplification:   p.Amplification,
		},
	}
}

// StateUpdate builds the wire envelope for a tier advance.
func StateUpdate(selfID string, tier int, cumulative int64) *Envelope {
	return &Envelope{
		Type:               TypeStateUpdate,
		SourceNodeID:       selfID,
		CollectiveTier:     tier,
		CumulativePatterns: cumulative,
	}
}

// Heartbeat builds the wire envelope announcing liveness.
func Heartbeat(selfID string, at time.Time) *Envelope {
	return &Envelope{
		Type:      TypeHeartbeat,
		NodeID:    selfID,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
}

// DetectedAtTime parses the pattern's wire timestamp.
func (w *WirePattern) DetectedAtTime() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, w.DetectedAt)
}
