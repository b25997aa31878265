// Package collective maintains the network-wide corroboration tier, a
// bounded 1-10 state machine driven by cumulative pattern throughput.
package collective

import (
	"log/slog"
	"sync"

	"github.com/bmorphism/patternmesh/internal/store"
)

const (
	minTier = 1
	maxTier = 10

	// Advancing past tier t requires cumulative_patterns to cross
	// 50 * 2^(t-1): tier 2 at 50, tier 3 at 100, tier 4 at 200, ...
	tierBase = 50
)

// AdvanceFunc is called when highest_tier_reached changes; the node wires
// it to a state_update broadcast.
type AdvanceFunc func(tier int, cumulative int64)

// Tracker owns the in-memory view of the collective state. It is a
// write-through cache: the store's singleton row is the source of truth.
type Tracker struct {
	db  *store.DB
	log *slog.Logger

	mu           sync.Mutex
	state        store.CollectiveState
	sessionCount int64
	onAdvance    AdvanceFunc
}

// New loads the persisted collective state.
func New(db *store.DB, log *slog.Logger) (*Tracker, error) {
	cs, err := db.LoadCollective()
	if err != nil {
		return nil, err
	}
	return &Tracker{
		db:    db,
		log:   log.With("component", "collective"),
		state: *cs,
	}, nil
}

// OnAdvance registers the broadcast hook for tier advances.
func (t *Tracker) OnAdvance(fn AdvanceFunc) {
	t.mu.Lock()
	t.onAdvance = fn
	t.mu.Unlock()
}

// TierFor returns the tier implied by a cumulative pattern count.
func TierFor(cumulative int64) int {
	tier := minTier
	threshold := int64(tierBase)
	for tier < maxTier && cumulative >= threshold {
		tier++
		threshold *= 2
	}
	return tier
}

// Record folds newly persisted patterns into the collective state and
// returns the highest tier. Copies state out, computes, then issues a
// single store call; no lock is held across I/O.
func (t *Tracker) Record(patterns int64, knownSignatures int64) int {
	t.mu.Lock()
	t.state.CumulativePatterns += patterns
	t.sessionCount += patterns
	if knownSignatures > t.state.KnownSignatures {
		t.state.KnownSignatures = knownSignatures
	}
	advanced := false
	if tier := TierFor(t.state.CumulativePatterns); tier > t.state.HighestTier {
		t.state.HighestTier = tier
		advanced = true
	}
	snapshot := t.state
	emit := t.onAdvance
	t.mu.Unlock()

	if err := t.db.SaveCollective(&snapshot); err != nil {
		t.log.Warn("persist collective state failed", "error", err)
	}
	if advanced {
		t.log.Info("tier advanced", "tier", snapshot.HighestTier, "cumulative", snapshot.CumulativePatterns)
		if emit != nil {
			emit(snapshot.HighestTier, snapshot.CumulativePatterns)
		}
	}
	return snapshot.HighestTier
}

// ObserveRemote folds a peer's state_update into the local view. The
// network converges on the maxima; highest_tier still never regresses.
func (t *Tracker) ObserveRemote(tier int, cumulative int64) {
	if tier > maxTier {
		tier = maxTier
	}
	t.mu.Lock()
	prevHighest := t.state.HighestTier
	changed := false
	if cumulative > t.state.CumulativePatterns {
		t.state.CumulativePatterns = cumulative
		changed = true
	}
	if tier > t.state.HighestTier {
		t.state.HighestTier = tier
		changed = true
	}
	snapshot := t.state
	emit := t.onAdvance
	advanced := snapshot.HighestTier > prevHighest
	t.mu.Unlock()

	if !changed {
		return
	}
	if err := t.db.SaveCollective(&snapshot); err != nil {
		t.log.Warn("persist collective state failed", "error", err)
	}
	if advanced && emit != nil {
		emit(snapshot.HighestTier, snapshot.CumulativePatterns)
	}
}

// HighestTier returns the durable, non-decreasing tier.
func (t *Tracker) HighestTier() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.HighestTier
}

// DisplayedTier is the current session's view: it regresses to the tier
// implied by this session's throughput alone, while HighestTier holds the
// durable fact that the network once reached it.
func (t *Tracker) DisplayedTier() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TierFor(t.sessionCount)
}

// Snapshot returns a copy of the collective state.
func (t *Tracker) Snapshot() store.CollectiveState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
