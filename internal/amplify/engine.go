// Package amplify combines local detection confidence with peer
// corroboration and historical knowledge. Repeatedly corroborated
// signatures become easier to detect, with a hard floor so the threshold
// never collapses.
package amplify

import (
	"sync"
	"time"

	"github.com/bmorphism/patternmesh/internal/store"
)

const (
	// DefaultBaseThreshold is the detection threshold before any
	// historical or collective enhancement.
	DefaultBaseThreshold = 0.55

	// DefaultWindow bounds how far apart two detections of the same
	// signature can be and still corroborate each other.
	DefaultWindow = 5 * time.Second

	// The adjusted threshold never drops below this fraction of base.
	enhancementFloor = 0.3

	persistenceGate   = 0.8
	persistenceWeight = 0.1
	tierWeight        = 0.03
	tierCap           = 0.3
	corroborationGain = 0.05
)

// Result is the outcome of one amplification pass.
type Result struct {
	FinalConfidence   float64
	AdjustedThreshold float64
	Amplification     float64
	Corroborations    int
}

type observation struct {
	nodeID string
	at     time.Time
}

// Engine computes amplified confidence and the adjusted threshold for the
// next detection attempt. It holds no locks across store calls: callers
// pass the knowledge entry in, already loaded.
type Engine struct {
	BaseThreshold float64
	Window        time.Duration

	mu     sync.Mutex
	recent map[string][]observation
}

// New returns an Engine with the given base threshold; zero values fall
// back to the defaults.
func New(baseThreshold float64, window time.Duration) *Engine {
	if baseThreshold <= 0 {
		baseThreshold = DefaultBaseThreshold
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{
		BaseThreshold: baseThreshold,
		Window:        window,
		recent:        make(map[string][]observation),
	}
}

// RecordPeer notes that a peer detected the signature at the given time.
// Called for every incoming pattern share from a topology neighbor.
func (e *Engine) RecordPeer(signature, nodeID string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recent[signature] = append(e.recent[signature], observation{nodeID: nodeID, at: at})
	e.trimLocked(signature, at)
}

// Corroborations counts the distinct peer nodes that reported the
// signature within the window around the local detection. Simultaneous
// corroborations all count; this is a count, not a selection.
func (e *Engine) Corroborations(signature string, at time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trimLocked(signature, at)

	seen := make(map[string]bool)
	for _, obs := range e.recent[signature] {
		if absDuration(at.Sub(obs.at)) <= e.Window {
			seen[obs.nodeID] = true
		}
	}
	return len(seen)
}

// Amplify runs the scoring pass for a freshly extracted pattern. The
// knowledge entry may be nil for a first-seen signature.
func (e *Engine) Amplify(p *store.Pattern, entry *store.KnowledgeEntry, collectiveTier int) Result {
	corroborations := e.Corroborations(p.Signature, time.UnixMilli(p.DetectedAt))

	enhancement := 1.0
	if entry != nil && entry.Persistence > persistenceGate {
		enhancement -= entry.Persistence * persistenceWeight
	}
	tierBonus := float64(collectiveTier) * tierWeight
	if tierBonus > tierCap {
		tierBonus = tierCap
	}
	enhancement -= tierBonus
	if enhancement < enhancementFloor {
		enhancement = enhancementFloor
	}
	if enhancement > 1.0 {
		enhancement = 1.0
	}

	amplification := 1.0 + corroborationGain*float64(corroborations)
	return Result{
		FinalConfidence:   clamp01(p.LocalConfidence * amplification),
		AdjustedThreshold: e.BaseThreshold * enhancement,
		Amplification:     amplification,
		Corroborations:    corroborations,
	}
}

// drop observations too old to ever corroborate again
func (e *Engine) trimLocked(signature string, now time.Time) {
	obs := e.recent[signature]
	kept := obs[:0]
	for _, o := range obs {
		if now.Sub(o.at) <= 2*e.Window {
			kept = append(kept, o)
		}
	}
	if len(kept) == 0 {
		delete(e.recent, signature)
		return
	}
	e.recent[signature] = kept
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
