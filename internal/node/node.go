// Package node wires the extractor, store, peer directory, amplification
// engine, collective tracker, and gossip transport into one running node.
// It owns the ingest worker and the background maintenance loops.
package node

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmorphism/patternmesh/internal/amplify"
	"github.com/bmorphism/patternmesh/internal/collective"
	"github.com/bmorphism/patternmesh/internal/extract"
	"github.com/bmorphism/patternmesh/internal/gossip"
	"github.com/bmorphism/patternmesh/internal/peers"
	"github.com/bmorphism/patternmesh/internal/store"
)

// ErrBacklogFull is returned when the ingest buffer is saturated. The
// event is dropped and counted; callers surface backpressure upstream.
var ErrBacklogFull = errors.New("ingest backlog full")

// ErrStopped is returned for events arriving after shutdown began.
var ErrStopped = errors.New("node stopped")

// Broadcaster is the outbound side of the gossip transport. The node
// broadcasts only after the local write has committed.
type Broadcaster interface {
	BroadcastPatternShare(p *store.Pattern)
	BroadcastStateUpdate(tier int, cumulative int64)
	BroadcastHeartbeat(at time.Time)
}

// Options tune the node's loops. Zero values fall back to defaults.
type Options struct {
	BaseThreshold      float64
	Window             time.Duration
	HeartbeatInterval  time.Duration
	StaleTimeout       time.Duration
	CheckpointInterval time.Duration
	CompactInterval    time.Duration
	Retention          time.Duration
	DrainTimeout       time.Duration
	IngestBuffer       int
}

func (o *Options) fill() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = 60 * time.Second
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 30 * time.Second
	}
	if o.CompactInterval <= 0 {
		o.CompactInterval = 1 * time.Hour
	}
	if o.Retention <= 0 {
		o.Retention = 90 * 24 * time.Hour
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 10 * time.Second
	}
	if o.IngestBuffer <= 0 {
		o.IngestBuffer = 1024
	}
}

// Counters are the node's lifetime ingest counters.
type Counters struct {
	EventsIngested  uint64 `json:"events_ingested"`
	EventsMalformed uint64 `json:"events_malformed"`
	EventsDropped   uint64 `json:"events_dropped"`
	BelowThreshold  uint64 `json:"below_threshold"`
	SessionPatterns int64  `json:"session_patterns"`
}

// State is the read-only view served to the render layer.
type State struct {
	NodeID          string `json:"node_id"`
	SessionID       string `json:"session_id"`
	Tier            int    `json:"tier"`
	HighestTier     int    `json:"highest_tier"`
	KnownSignatures int64  `json:"known_signatures"`
	LastPatternAt   string `json:"last_pattern_at,omitempty"`
}

// Node is one member of the pattern-sharing network.
type Node struct {
	id        string
	opts      Options
	db        *store.DB
	extractor *extract.Extractor
	dir       *peers.Directory
	engine    *amplify.Engine
	tracker   *collective.Tracker
	out       Broadcaster
	log       *slog.Logger

	session *store.Session

	intakeMu sync.RWMutex
	closed   bool
	events   chan *extract.RawEvent

	cancel   context.CancelFunc
	workerWg sync.WaitGroup
	loopWg   sync.WaitGroup

	ingested  atomic.Uint64
	malformed atomic.Uint64
	dropped   atomic.Uint64
	belowThr  atomic.Uint64
	patterns  atomic.Int64
}

// New builds a node over an already-open store and peer directory. The
// broadcaster is wired in later with SetBroadcaster so the transport can
// be constructed around the node's Handler.
func New(db *store.DB, dir *peers.Directory, opts Options, log *slog.Logger) (*Node, error) {
	opts.fill()

	id, err := db.NodeID()
	if err != nil {
		return nil, err
	}
	tracker, err := collective.New(db, log)
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:        id,
		opts:      opts,
		db:        db,
		extractor: extract.New(id),
		dir:       dir,
		engine:    amplify.New(opts.BaseThreshold, opts.Window),
		tracker:   tracker,
		log:       log.With("component", "node", "node_id", id),
		events:    make(chan *extract.RawEvent, opts.IngestBuffer),
	}
	tracker.OnAdvance(func(tier int, cumulative int64) {
		if n.out != nil {
			n.out.BroadcastStateUpdate(tier, cumulative)
		}
	})
	return n, nil
}

// ID returns the persisted node identity.
func (n *Node) ID() string { return n.id }

// SetBroadcaster attaches the gossip transport's outbound side. Must be
// called before Start.
func (n *Node) SetBroadcaster(b Broadcaster) { n.out = b }

// Handler returns the inbound gossip callbacks for this node.
func (n *Node) Handler() gossip.Handler {
	return gossip.Handler{
		OnPatternShare: n.onPatternShare,
		OnStateUpdate:  n.onStateUpdate,
		OnHeartbeat:    n.onHeartbeat,
	}
}

// Start opens the session and launches the ingest worker, the heartbeat
// loop, and the maintenance loop.
func (n *Node) Start(ctx context.Context) error {
	session, err := n.db.OpenSession(n.id)
	if err != nil {
		return err
	}
	n.session = session
	n.log.Info("session opened", "session_id", session.SessionID)

	ctx, n.cancel = context.WithCancel(ctx)

	n.workerWg.Add(1)
	go func() {
		defer n.workerWg.Done()
		for ev := range n.events {
			n.handleEvent(ev)
		}
	}()

	n.loopWg.Add(2)
	go n.heartbeatLoop(ctx)
	go n.maintenanceLoop(ctx)
	return nil
}

// Ingest hands a raw event to the worker. It never blocks: a saturated
// backlog drops the event and reports ErrBacklogFull.
func (n *Node) Ingest(ev *extract.RawEvent) error {
	n.intakeMu.RLock()
	defer n.intakeMu.RUnlock()
	if n.closed {
		return ErrStopped
	}
	select {
	case n.events <- ev:
		n.ingested.Add(1)
		return nil
	default:
		n.dropped.Add(1)
		return ErrBacklogFull
	}
}

// handleEvent runs the full local pipeline for one event: extract,
// score, persist, fold into knowledge, then broadcast. The broadcast
// never precedes the committed write.
func (n *Node) handleEvent(ev *extract.RawEvent) {
	p, err := n.extractor.Extract(ev, n.session.SessionID)
	if err != nil {
		var malformed *extract.MalformedEventError
		if errors.As(err, &malformed) {
			n.malformed.Add(1)
			n.log.Debug("event dropped", "source", ev.SourceID, "reason", malformed.Reason)
			return
		}
		n.log.Warn("extract failed", "error", err)
		return
	}

	entry, err := n.db.LoadKnowledge(p.Signature)
	if err != nil {
		n.log.Warn("load knowledge failed", "signature", p.Signature, "error", err)
	}
	res := n.engine.Amplify(p, entry, n.tracker.HighestTier())
	p.Amplification = res.Amplification
	p.LocalConfidence = res.FinalConfidence

	if res.FinalConfidence < res.AdjustedThreshold {
		n.belowThr.Add(1)
		n.log.Debug("below threshold", "signature", p.Signature,
			"confidence", res.FinalConfidence, "threshold", res.AdjustedThreshold)
		return
	}

	inserted, err := n.db.SavePattern(p)
	if err != nil {
		n.log.Warn("persist pattern failed", "pattern_id", p.PatternID, "error", err)
		return
	}
	if inserted {
		n.absorb(p)
		n.patterns.Add(1)
	}
	// A pattern_id already present (a neighbor's share landed first, or
	// the same signature recurred within the minute bucket) folds into
	// knowledge only once, but this node still announces its own
	// detection: peers need the share to count the corroboration.
	if n.out != nil {
		n.out.BroadcastPatternShare(p)
	}
}

// absorb folds one newly persisted pattern into the knowledge base and
// the collective state.
func (n *Node) absorb(p *store.Pattern) {
	if _, err := n.db.UpsertKnowledge(p.Signature, p.LocalConfidence, p.DetectedAt); err != nil {
		n.log.Warn("upsert knowledge failed", "signature", p.Signature, "error", err)
	}
	known, err := n.db.CountKnownSignatures()
	if err != nil {
		n.log.Warn("count signatures failed", "error", err)
	}
	n.tracker.Record(1, known)
}

// onPatternShare handles a neighbor's detection: it feeds the
// corroboration window and is persisted like a local pattern. Duplicate
// delivery is a store-level no-op, so redelivery cannot double-count.
func (n *Node) onPatternShare(sourceNodeID string, wp *gossip.WirePattern) {
	if !n.dir.IsNeighbor(sourceNodeID) {
		return
	}
	at, err := wp.DetectedAtTime()
	if err != nil {
		n.log.Debug("bad share timestamp", "peer", sourceNodeID, "value", wp.DetectedAt)
		return
	}
	n.engine.RecordPeer(wp.Signature, sourceNodeID, at)

	p := &store.Pattern{
		PatternID:       wp.PatternID,
		Signature:       wp.Signature,
		OriginNodeID:    sourceNodeID,
		DetectedAt:      at.UnixMilli(),
		LocalConfidence: wp.LocalConfidence,
		Amplification:   wp.Amplification,
	}
	inserted, err := n.db.SavePattern(p)
	if err != nil {
		n.log.Warn("persist shared pattern failed", "pattern_id", p.PatternID, "error", err)
		return
	}
	if inserted {
		n.absorb(p)
	}
}

func (n *Node) onStateUpdate(sourceNodeID string, tier int, cumulative int64) {
	if !n.dir.IsNeighbor(sourceNodeID) {
		return
	}
	n.tracker.ObserveRemote(tier, cumulative)
}

func (n *Node) onHeartbeat(nodeID string, at time.Time) {
	n.dir.Touch(nodeID, at)
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	defer n.loopWg.Done()
	ticker := time.NewTicker(n.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.out != nil {
				n.out.BroadcastHeartbeat(time.Now())
			}
			n.dir.PruneStale(n.opts.StaleTimeout)
		}
	}
}

// maintenanceLoop checkpoints the session and periodically compacts
// patterns past retention.
func (n *Node) maintenanceLoop(ctx context.Context) {
	defer n.loopWg.Done()
	checkpoint := time.NewTicker(n.opts.CheckpointInterval)
	defer checkpoint.Stop()
	compact := time.NewTicker(n.opts.CompactInterval)
	defer compact.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-checkpoint.C:
			n.checkpoint()
		case <-compact.C:
			cutoff := time.Now().Add(-n.opts.Retention)
			removed, err := n.db.CompactPatterns(cutoff)
			if err != nil {
				n.log.Warn("compaction failed", "error", err)
			} else if removed > 0 {
				n.log.Info("compacted patterns", "removed", removed)
			}
		}
	}
}

func (n *Node) checkpoint() {
	n.session.PatternsSeen = n.patterns.Load()
	n.session.TierReached = n.tracker.HighestTier()
	if err := n.db.CheckpointSession(n.session); err != nil {
		n.log.Warn("checkpoint failed", "error", err)
	}
}

// Stop drains the ingest backlog, bounded by the drain timeout. On a
// clean drain the session is checkpointed and closed; on timeout the
// session stays open and the next boot's recovery closes it.
func (n *Node) Stop() {
	n.intakeMu.Lock()
	if n.closed {
		n.intakeMu.Unlock()
		return
	}
	n.closed = true
	close(n.events)
	n.intakeMu.Unlock()

	drained := make(chan struct{})
	go func() {
		n.workerWg.Wait()
		close(drained)
	}()

	clean := true
	select {
	case <-drained:
	case <-time.After(n.opts.DrainTimeout):
		clean = false
		n.log.Warn("drain timeout, abandoning backlog", "pending", len(n.events))
	}

	if n.cancel != nil {
		n.cancel()
	}
	n.loopWg.Wait()

	if clean {
		n.checkpoint()
		if err := n.db.CloseSession(n.session.SessionID, time.Now()); err != nil {
			n.log.Warn("close session failed", "error", err)
		}
		n.log.Info("session closed", "session_id", n.session.SessionID,
			"patterns", n.patterns.Load())
	}
}

// Counters returns the node's lifetime ingest counters.
func (n *Node) Counters() Counters {
	return Counters{
		EventsIngested:  n.ingested.Load(),
		EventsMalformed: n.malformed.Load(),
		EventsDropped:   n.dropped.Load(),
		BelowThreshold:  n.belowThr.Load(),
		SessionPatterns: n.patterns.Load(),
	}
}

// CurrentState builds the render-layer view. The displayed tier is the
// current session's throughput tier; the durable highest tier rides
// alongside and never regresses.
func (n *Node) CurrentState() State {
	s := State{
		NodeID:          n.id,
		Tier:            n.tracker.DisplayedTier(),
		HighestTier:     n.tracker.HighestTier(),
		KnownSignatures: n.tracker.Snapshot().KnownSignatures,
	}
	if n.session != nil {
		s.SessionID = n.session.SessionID
	}
	if last, err := n.db.LastPatternAt(); err == nil && last > 0 {
		s.LastPatternAt = time.UnixMilli(last).UTC().Format(time.RFC3339Nano)
	}
	return s
}

// Session returns the active session record.
func (n *Node) Session() *store.Session { return n.session }

// Directory exposes the peer directory for the HTTP layer.
func (n *Node) Directory() *peers.Directory { return n.dir }
