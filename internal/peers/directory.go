// Package peers tracks the nodes this node knows about and derives the
// gossip topology from their declared positions and transmission ranges.
package peers

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/bmorphism/patternmesh/internal/store"
)

// Node roles.
const (
	RoleCoordinator = "coordinator"
	RoleParticipant = "participant"
	RoleObserver    = "observer"
)

// Peer connection status.
const (
	StatusReachable   = "reachable"
	StatusUnreachable = "unreachable"
	StatusStale       = "stale"
)

// Re-registering a node id with a position that moved further than this
// is a configuration error, not drift.
const positionTolerance = 1.0

// Nodes placed closer than this are probably misconfigured; the field
// deployment spaced them at least 50 m apart.
const minSeparation = 50.0

// DuplicateNodeError marks a registration that reuses a node id with an
// incompatible position. Rejected at the boundary; the operator resolves it.
type DuplicateNodeError struct {
	NodeID string
	Drift  float64
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("node %s re-registered %.1fm from its declared position", e.NodeID, e.Drift)
}

// Peer is the in-memory view of one known peer.
type Peer struct {
	store.PeerNode
	Status string `json:"status"`
}

// Directory is the write-through peer registry. The store owns the
// durable rows; the directory caches them and layers on live status.
type Directory struct {
	db   *store.DB
	self store.PeerNode
	log  *slog.Logger

	mu    sync.RWMutex
	peers map[string]*Peer
}

// New loads the persisted peer set and returns a Directory for the given
// local node.
func New(db *store.DB, self store.PeerNode, log *slog.Logger) (*Directory, error) {
	d := &Directory{
		db:    db,
		self:  self,
		log:   log.With("component", "peers"),
		peers: make(map[string]*Peer),
	}
	known, err := db.ListPeerNodes()
	if err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}
	for i := range known {
		status := StatusUnreachable
		if known[i].Stale {
			status = StatusStale
		}
		d.peers[known[i].NodeID] = &Peer{PeerNode: known[i], Status: status}
	}
	return d, nil
}

// Self returns the local node's record.
func (d *Directory) Self() store.PeerNode { return d.self }

// Register adds or re-registers a peer. A non-positive range is invalid,
// and a known node id whose position drifted beyond tolerance is rejected
// rather than silently accepted.
func (d *Directory) Register(n store.PeerNode) error {
	if n.RangeM <= 0 {
		return fmt.Errorf("node %s: range_meters must be positive, got %f", n.NodeID, n.RangeM)
	}
	switch n.Role {
	case RoleCoordinator, RoleParticipant, RoleObserver:
	default:
		return fmt.Errorf("node %s: unknown role %q", n.NodeID, n.Role)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.peers[n.NodeID]; ok {
		drift := distance(existing.X, existing.Y, n.X, n.Y)
		if drift > positionTolerance {
			return &DuplicateNodeError{NodeID: n.NodeID, Drift: drift}
		}
	}
	for id, p := range d.peers {
		if id == n.NodeID {
			continue
		}
		if sep := distance(p.X, p.Y, n.X, n.Y); sep < minSeparation {
			d.log.Warn("peers closer than deployment minimum",
				"node", n.NodeID, "other", id, "separation_m", sep)
		}
	}

	if n.LastSeen == 0 {
		n.LastSeen = time.Now().UnixMilli()
	}
	if err := d.db.SavePeerNode(&n); err != nil {
		return err
	}
	d.peers[n.NodeID] = &Peer{PeerNode: n, Status: StatusUnreachable}
	d.log.Info("peer registered", "node", n.NodeID, "role", n.Role, "address", n.Address)
	return nil
}

// Touch records a heartbeat from a peer and clears staleness.
func (d *Directory) Touch(nodeID string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[nodeID]
	if !ok {
		return
	}
	p.LastSeen = at.UnixMilli()
	p.Stale = false
	if p.Status == StatusStale {
		p.Status = StatusUnreachable
	}
	if err := d.db.TouchPeerNode(nodeID, p.LastSeen); err != nil {
		d.log.Warn("persist heartbeat failed", "node", nodeID, "error", err)
	}
}

// SetStatus updates a peer's live connection status.
func (d *Directory) SetStatus(nodeID, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[nodeID]; ok {
		p.Status = status
	}
}

// PruneStale marks peers silent past the timeout. Their persisted
// patterns stay valid; they just stop counting toward corroboration.
// Returns the ids that went stale.
func (d *Directory) PruneStale(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout).UnixMilli()

	d.mu.Lock()
	defer d.mu.Unlock()

	var pruned []string
	for id, p := range d.peers {
		if p.Stale || p.LastSeen >= cutoff {
			continue
		}
		p.Stale = true
		p.Status = StatusStale
		pruned = append(pruned, id)
	}
	if len(pruned) > 0 {
		if _, err := d.db.MarkPeerStale(cutoff); err != nil {
			d.log.Warn("persist stale marks failed", "error", err)
		}
		d.log.Info("pruned stale peers", "count", len(pruned))
	}
	return pruned
}

// Neighbors returns the peers directly connected to the local node: an
// edge exists iff the Euclidean distance between declared positions is
// within the smaller of the two transmission ranges. Stale peers are
// excluded.
func (d *Directory) Neighbors() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Peer
	for id, p := range d.peers {
		if id == d.self.NodeID || p.Stale {
			continue
		}
		if d.connected(&p.PeerNode) {
			out = append(out, *p)
		}
	}
	return out
}

// IsNeighbor reports whether the given peer is topology-connected and
// live. Used to decide whose corroborations count.
func (d *Directory) IsNeighbor(nodeID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.peers[nodeID]
	if !ok || p.Stale || nodeID == d.self.NodeID {
		return false
	}
	return d.connected(&p.PeerNode)
}

// Snapshot returns every known peer for the operator API.
func (d *Directory) Snapshot() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	return out
}

func (d *Directory) connected(n *store.PeerNode) bool {
	dist := distance(d.self.X, d.self.Y, n.X, n.Y)
	reach := math.Min(d.self.RangeM, n.RangeM)
	return dist <= reach
}

func distance(x1, y1, x2, y2 float64) float64 {
	return math.Hypot(x2-x1, y2-y1)
}
