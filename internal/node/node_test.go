package node

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/bmorphism/patternmesh/internal/extract"
	"github.com/bmorphism/patternmesh/internal/gossip"
	"github.com/bmorphism/patternmesh/internal/peers"
	"github.com/bmorphism/patternmesh/internal/store"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	shares []*store.Pattern
	states []int
	beats  int
}

func (f *fakeBroadcaster) BroadcastPatternShare(p *store.Pattern) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shares = append(f.shares, p)
}

func (f *fakeBroadcaster) BroadcastStateUpdate(tier int, cumulative int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, tier)
}

func (f *fakeBroadcaster) BroadcastHeartbeat(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats++
}

func (f *fakeBroadcaster) shareCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shares)
}

func testNode(t *testing.T) (*Node, *store.DB, *fakeBroadcaster) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	id, err := db.NodeID()
	if err != nil {
		t.Fatalf("NodeID: %v", err)
	}
	dir, err := peers.New(db, store.PeerNode{
		NodeID: id, Role: peers.RoleParticipant, RangeM: 200,
	}, log)
	if err != nil {
		t.Fatalf("peers.New: %v", err)
	}

	n, err := New(db, dir, Options{DrainTimeout: 5 * time.Second}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out := &fakeBroadcaster{}
	n.SetBroadcaster(out)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(n.Stop)
	return n, db, out
}

func event(source string, attrs map[string]any) *extract.RawEvent {
	return &extract.RawEvent{
		SourceID:   source,
		Timestamp:  time.Now(),
		Attributes: attrs,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestIngestPersistsThenBroadcasts(t *testing.T) {
	n, db, out := testNode(t)

	err := n.Ingest(event("sensor-1", map[string]any{
		"kind": "thermal", "magnitude": 4.2, "confidence": 0.9,
	}))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	waitFor(t, func() bool { return out.shareCount() == 1 })

	// The broadcast pattern must already be durable.
	out.mu.Lock()
	shared := out.shares[0]
	out.mu.Unlock()
	stored, err := db.GetPattern(shared.PatternID)
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if stored == nil {
		t.Fatal("broadcast pattern not persisted")
	}
	if stored.OriginNodeID != n.ID() {
		t.Errorf("origin = %s, want %s", stored.OriginNodeID, n.ID())
	}

	entry, err := db.LoadKnowledge(stored.Signature)
	if err != nil || entry == nil {
		t.Fatalf("knowledge entry missing: %v", err)
	}
	if entry.TotalDetections != 1 {
		t.Errorf("detections = %d, want 1", entry.TotalDetections)
	}
}

func TestMalformedEventCountedNotFatal(t *testing.T) {
	n, _, out := testNode(t)

	n.Ingest(&extract.RawEvent{Timestamp: time.Now(), Attributes: map[string]any{"k": 1.0}})
	n.Ingest(&extract.RawEvent{SourceID: "s", Timestamp: time.Now()})

	waitFor(t, func() bool { return n.Counters().EventsMalformed == 2 })

	// The pipeline keeps running afterwards.
	n.Ingest(event("sensor-1", map[string]any{"kind": "ok", "confidence": 0.9}))
	waitFor(t, func() bool { return out.shareCount() == 1 })
}

func TestBelowThresholdNotPersisted(t *testing.T) {
	n, db, out := testNode(t)

	n.Ingest(event("sensor-1", map[string]any{"kind": "weak", "confidence": 0.2}))
	waitFor(t, func() bool { return n.Counters().BelowThreshold == 1 })

	if count, _ := db.CountPatterns(); count != 0 {
		t.Errorf("patterns = %d, want 0", count)
	}
	if out.shareCount() != 0 {
		t.Error("below-threshold pattern was broadcast")
	}
}

func TestDuplicateShareDeliveryIdempotent(t *testing.T) {
	n, db, _ := testNode(t)

	err := n.Directory().Register(store.PeerNode{
		NodeID: "peer-1", Role: peers.RoleParticipant,
		Address: "10.0.0.2:8600", X: 60, Y: 0, RangeM: 200,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	wp := &gossip.WirePattern{
		PatternID:       "shared-1",
		Signature:       "sig-shared",
		DetectedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		LocalConfidence: 0.8,
		Amplification:   1.0,
	}
	h := n.Handler()
	h.OnPatternShare("peer-1", wp)
	h.OnPatternShare("peer-1", wp)
	h.OnPatternShare("peer-1", wp)

	if count, _ := db.CountPatterns(); count != 1 {
		t.Errorf("patterns = %d, want 1 after redelivery", count)
	}
	entry, err := db.LoadKnowledge("sig-shared")
	if err != nil || entry == nil {
		t.Fatalf("knowledge entry missing: %v", err)
	}
	if entry.TotalDetections != 1 {
		t.Errorf("detections = %d, want 1 after redelivery", entry.TotalDetections)
	}
}

func TestCorroboratedDetectionStillBroadcast(t *testing.T) {
	n, db, out := testNode(t)

	err := n.Directory().Register(store.PeerNode{
		NodeID: "peer-1", Role: peers.RoleParticipant,
		Address: "10.0.0.2:8600", X: 60, Y: 0, RangeM: 200,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// The neighbor detects the same signature in the same minute bucket,
	// so its share arrives under the pattern_id the local detection will
	// compute.
	now := time.Now()
	attrs := map[string]any{"kind": "thermal", "magnitude": 4.2, "confidence": 0.9}
	sig := extract.Signature(attrs)
	n.Handler().OnPatternShare("peer-1", &gossip.WirePattern{
		PatternID:       extract.PatternID(sig, now),
		Signature:       sig,
		DetectedAt:      now.UTC().Format(time.RFC3339Nano),
		LocalConfidence: 0.6,
		Amplification:   1.0,
	})

	if err := n.Ingest(&extract.RawEvent{
		SourceID: "sensor-1", Timestamp: now, Attributes: attrs,
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// The store dedupes the row, but the local detection still circulates
	// with its amplified values.
	waitFor(t, func() bool { return out.shareCount() == 1 })
	out.mu.Lock()
	shared := out.shares[0]
	out.mu.Unlock()
	if shared.OriginNodeID != n.ID() {
		t.Errorf("share origin = %s, want local node", shared.OriginNodeID)
	}
	if math.Abs(shared.Amplification-1.05) > 1e-9 {
		t.Errorf("share amplification = %f, want 1.05", shared.Amplification)
	}
	if math.Abs(shared.LocalConfidence-0.945) > 1e-9 {
		t.Errorf("share confidence = %f, want 0.945", shared.LocalConfidence)
	}

	// Knowledge still counts the pattern_id once.
	if count, _ := db.CountPatterns(); count != 1 {
		t.Errorf("patterns = %d, want 1", count)
	}
	entry, err := db.LoadKnowledge(sig)
	if err != nil || entry == nil {
		t.Fatalf("knowledge entry missing: %v", err)
	}
	if entry.TotalDetections != 1 {
		t.Errorf("detections = %d, want 1", entry.TotalDetections)
	}
}

func TestNonNeighborShareIgnored(t *testing.T) {
	n, db, _ := testNode(t)

	// Registered but out of range: no edge, no corroboration, no write.
	err := n.Directory().Register(store.PeerNode{
		NodeID: "peer-far", Role: peers.RoleParticipant,
		Address: "10.0.0.9:8600", X: 5000, Y: 0, RangeM: 200,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	n.Handler().OnPatternShare("peer-far", &gossip.WirePattern{
		PatternID: "p-far", Signature: "sig-far",
		DetectedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	n.Handler().OnPatternShare("peer-unknown", &gossip.WirePattern{
		PatternID: "p-unknown", Signature: "sig-unknown",
		DetectedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})

	if count, _ := db.CountPatterns(); count != 0 {
		t.Errorf("patterns = %d, want 0", count)
	}
}

func TestRemoteStateUpdateAdoptsTier(t *testing.T) {
	n, _, _ := testNode(t)

	err := n.Directory().Register(store.PeerNode{
		NodeID: "peer-1", Role: peers.RoleCoordinator,
		Address: "10.0.0.2:8600", X: 60, Y: 0, RangeM: 200,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	n.Handler().OnStateUpdate("peer-1", 4, 250)
	if got := n.CurrentState().HighestTier; got != 4 {
		t.Errorf("highest tier = %d, want 4", got)
	}
	// The displayed tier reflects only this session's throughput.
	if got := n.CurrentState().Tier; got != 1 {
		t.Errorf("displayed tier = %d, want 1", got)
	}
}

func TestHeartbeatRevivesPeer(t *testing.T) {
	n, _, _ := testNode(t)

	err := n.Directory().Register(store.PeerNode{
		NodeID: "peer-1", Role: peers.RoleParticipant,
		Address: "10.0.0.2:8600", X: 60, Y: 0, RangeM: 200,
		LastSeen: time.Now().Add(-time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	n.Directory().PruneStale(time.Minute)
	if n.Directory().IsNeighbor("peer-1") {
		t.Fatal("stale peer still a neighbor")
	}

	n.Handler().OnHeartbeat("peer-1", time.Now())
	if !n.Directory().IsNeighbor("peer-1") {
		t.Error("heartbeat did not revive peer")
	}
}

func TestStopClosesSessionCleanly(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	id, _ := db.NodeID()
	dir, err := peers.New(db, store.PeerNode{NodeID: id, Role: peers.RoleParticipant, RangeM: 200}, log)
	if err != nil {
		t.Fatalf("peers.New: %v", err)
	}
	n, err := New(db, dir, Options{}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.SetBroadcaster(&fakeBroadcaster{})
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	n.Ingest(event("sensor-1", map[string]any{"kind": "x", "confidence": 0.9}))
	sessionID := n.Session().SessionID
	n.Stop()

	sess, err := db.GetSession(sessionID)
	if err != nil || sess == nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.EndedAt == nil {
		t.Fatal("session not closed on clean shutdown")
	}
	if sess.PatternsSeen != 1 {
		t.Errorf("patterns_seen = %d, want 1", sess.PatternsSeen)
	}
	if open, _ := db.OpenSessionCount(); open != 0 {
		t.Errorf("open sessions = %d, want 0", open)
	}
}

func TestBacklogFull(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	id, _ := db.NodeID()
	dir, err := peers.New(db, store.PeerNode{NodeID: id, Role: peers.RoleParticipant, RangeM: 200}, log)
	if err != nil {
		t.Fatalf("peers.New: %v", err)
	}
	n, err := New(db, dir, Options{IngestBuffer: 2}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Never started: nothing drains the channel.
	var full int
	for i := 0; i < 5; i++ {
		if err := n.Ingest(event("s", map[string]any{"k": 1.0})); err == ErrBacklogFull {
			full++
		}
	}
	if full != 3 {
		t.Errorf("backlog rejections = %d, want 3", full)
	}
	if got := n.Counters().EventsDropped; got != 3 {
		t.Errorf("dropped counter = %d, want 3", got)
	}
}
