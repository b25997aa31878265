package store

import (
	"fmt"
)

// PeerNode is the durable record of a peer. Rows are never deleted; a
// peer that falls silent is marked stale and stops counting toward
// corroboration, while its persisted patterns remain valid.
type PeerNode struct {
	NodeID   string  `json:"node_id"`
	Role     string  `json:"role"`
	Address  string  `json:"address"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	RangeM   float64 `json:"range_meters"`
	LastSeen int64   `json:"last_seen"`
	Stale    bool    `json:"stale"`
}

// SavePeerNode upserts a peer record and clears its stale flag.
func (db *DB) SavePeerNode(n *PeerNode) error {
	err := db.writer.do(func() error {
		_, execErr := db.Exec(`
			INSERT INTO peer_nodes (node_id, role, address, pos_x, pos_y, range_m, last_seen, stale)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(node_id) DO UPDATE SET
				role      = excluded.role,
				address   = excluded.address,
				pos_x     = excluded.pos_x,
				pos_y     = excluded.pos_y,
				range_m   = excluded.range_m,
				last_seen = excluded.last_seen,
				stale     = 0
		`, n.NodeID, n.Role, n.Address, n.X, n.Y, n.RangeM, n.LastSeen)
		return execErr
	})
	if err != nil {
		return &PersistenceError{Op: "save peer node", Err: err}
	}
	return nil
}

// TouchPeerNode records a heartbeat from a peer.
func (db *DB) TouchPeerNode(nodeID string, seenAt int64) error {
	err := db.writer.do(func() error {
		_, execErr := db.Exec(
			"UPDATE peer_nodes SET last_seen = ?, stale = 0 WHERE node_id = ?",
			seenAt, nodeID)
		return execErr
	})
	if err != nil {
		return &PersistenceError{Op: "touch peer node", Err: err}
	}
	return nil
}

// MarkPeerStale flags peers not heard from since the cutoff. Returns how
// many rows changed.
func (db *DB) MarkPeerStale(cutoff int64) (int64, error) {
	var changed int64
	err := db.writer.do(func() error {
		res, execErr := db.Exec(
			"UPDATE peer_nodes SET stale = 1 WHERE stale = 0 AND last_seen < ?", cutoff)
		if execErr != nil {
			return execErr
		}
		changed, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, &PersistenceError{Op: "mark peers stale", Err: err}
	}
	return changed, nil
}

// ListPeerNodes returns every known peer, stale ones included.
func (db *DB) ListPeerNodes() ([]PeerNode, error) {
	rows, err := db.Query(`
		SELECT node_id, role, address, pos_x, pos_y, range_m, last_seen, stale
		FROM peer_nodes ORDER BY node_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list peer nodes: %w", err)
	}
	defer rows.Close()

	var out []PeerNode
	for rows.Next() {
		var n PeerNode
		var stale int
		if err := rows.Scan(&n.NodeID, &n.Role, &n.Address, &n.X, &n.Y, &n.RangeM, &n.LastSeen, &stale); err != nil {
			return nil, fmt.Errorf("scan peer node: %w", err)
		}
		n.Stale = stale == 1
		out = append(out, n)
	}
	return out, rows.Err()
}
