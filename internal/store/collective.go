package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CollectiveState is the singleton network-wide record. highest_tier is
// non-decreasing across the lifetime of the store.
type CollectiveState struct {
	CumulativePatterns int64 `json:"cumulative_patterns"`
	HighestTier        int   `json:"highest_tier_reached"`
	KnownSignatures    int64 `json:"known_signatures_count"`
	UpdatedAt          int64 `json:"updated_at"`
}

// TierRecord is one append-only entry in the tier history.
type TierRecord struct {
	Tier      int   `json:"tier"`
	ReachedAt int64 `json:"reached_at"`
}

// LoadCollective returns the singleton state, initializing it on first use.
func (db *DB) LoadCollective() (*CollectiveState, error) {
	var cs CollectiveState
	err := db.QueryRow(`
		SELECT cumulative_patterns, highest_tier, known_signatures, updated_at
		FROM collective WHERE id = 1
	`).Scan(&cs.CumulativePatterns, &cs.HighestTier, &cs.KnownSignatures, &cs.UpdatedAt)
	if err == sql.ErrNoRows {
		cs = CollectiveState{HighestTier: 1, UpdatedAt: time.Now().UnixMilli()}
		insertErr := db.writer.do(func() error {
			_, execErr := db.Exec(`
				INSERT OR IGNORE INTO collective (id, cumulative_patterns, highest_tier, known_signatures, updated_at)
				VALUES (1, 0, 1, 0, ?)
			`, cs.UpdatedAt)
			return execErr
		})
		if insertErr != nil {
			return nil, &PersistenceError{Op: "init collective", Err: insertErr}
		}
		return &cs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load collective: %w", err)
	}
	return &cs, nil
}

// SaveCollective persists the singleton. The highest tier can only move
// up: an attempt to lower it keeps the stored value, and every genuine
// advance appends to the tier history.
func (db *DB) SaveCollective(cs *CollectiveState) error {
	db.collectiveMu.Lock()
	defer db.collectiveMu.Unlock()

	prev, err := db.LoadCollective()
	if err != nil {
		return err
	}
	if cs.HighestTier < prev.HighestTier {
		cs.HighestTier = prev.HighestTier
	}
	cs.UpdatedAt = time.Now().UnixMilli()

	err = db.writer.do(func() error {
		_, execErr := db.Exec(`
			UPDATE collective
			SET cumulative_patterns = ?, highest_tier = ?, known_signatures = ?, updated_at = ?
			WHERE id = 1
		`, cs.CumulativePatterns, cs.HighestTier, cs.KnownSignatures, cs.UpdatedAt)
		if execErr != nil {
			return execErr
		}
		if cs.HighestTier > prev.HighestTier {
			_, execErr = db.Exec(
				"INSERT INTO tier_history (tier, reached_at) VALUES (?, ?)",
				cs.HighestTier, cs.UpdatedAt)
		}
		return execErr
	})
	if err != nil {
		return &PersistenceError{Op: "save collective", Err: err}
	}
	return nil
}

// TierHistory returns the append-only record of tier advances, oldest first.
func (db *DB) TierHistory() ([]TierRecord, error) {
	rows, err := db.Query("SELECT tier, reached_at FROM tier_history ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("tier history: %w", err)
	}
	defer rows.Close()

	var out []TierRecord
	for rows.Next() {
		var r TierRecord
		if err := rows.Scan(&r.Tier, &r.ReachedAt); err != nil {
			return nil, fmt.Errorf("scan tier record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
