package store

import (
	"database/sql"
	"fmt"
)

// KnowledgeEntry is the accumulated aggregate for one signature. It is a
// pure function of the (confidence, detection) history for that signature
// and can be rebuilt by replaying patterns in arrival order.
type KnowledgeEntry struct {
	Signature       string  `json:"signature"`
	FirstSeen       int64   `json:"first_seen"`
	LastSeen        int64   `json:"last_seen"`
	TotalDetections int64   `json:"total_detections"`
	MeanConfidence  float64 `json:"mean_confidence"`
	m2              float64
	Persistence     float64 `json:"persistence_score"`
}

// Variance returns the population variance of observed confidences.
func (k *KnowledgeEntry) Variance() float64 {
	if k.TotalDetections == 0 {
		return 0
	}
	return k.m2 / float64(k.TotalDetections)
}

// UpsertKnowledge folds one observation into the signature's aggregate.
// Mean and variance update incrementally (Welford), so the cost is O(1)
// regardless of history length. The read-modify-write cycle holds a
// per-signature lock; different signatures never contend.
//
// persistence_score = min(1, total_detections/10), and it only ratchets
// upward: refined, never reset.
func (db *DB) UpsertKnowledge(signature string, confidence float64, observedAt int64) (*KnowledgeEntry, error) {
	mu := db.sigLocks.lock(signature)
	defer mu.Unlock()

	entry, err := db.LoadKnowledge(signature)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		entry = &KnowledgeEntry{
			Signature: signature,
			FirstSeen: observedAt,
		}
	}

	entry.TotalDetections++
	delta := confidence - entry.MeanConfidence
	entry.MeanConfidence += delta / float64(entry.TotalDetections)
	entry.m2 += delta * (confidence - entry.MeanConfidence)

	if observedAt > entry.LastSeen {
		entry.LastSeen = observedAt
	}
	score := float64(entry.TotalDetections) / 10.0
	if score > 1.0 {
		score = 1.0
	}
	if score > entry.Persistence {
		entry.Persistence = score
	}

	err = db.writer.do(func() error {
		_, execErr := db.Exec(`
			INSERT INTO knowledge
				(signature, first_seen, last_seen, total_detections, mean_confidence, m2, persistence)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(signature) DO UPDATE SET
				last_seen        = excluded.last_seen,
				total_detections = excluded.total_detections,
				mean_confidence  = excluded.mean_confidence,
				m2               = excluded.m2,
				persistence      = excluded.persistence
		`, entry.Signature, entry.FirstSeen, entry.LastSeen,
			entry.TotalDetections, entry.MeanConfidence, entry.m2, entry.Persistence)
		return execErr
	})
	if err != nil {
		return nil, &PersistenceError{Op: "upsert knowledge", Err: err}
	}
	return entry, nil
}

// LoadKnowledge returns the aggregate for a signature, or (nil, nil).
func (db *DB) LoadKnowledge(signature string) (*KnowledgeEntry, error) {
	var k KnowledgeEntry
	err := db.QueryRow(`
		SELECT signature, first_seen, last_seen, total_detections, mean_confidence, m2, persistence
		FROM knowledge WHERE signature = ?
	`, signature).Scan(&k.Signature, &k.FirstSeen, &k.LastSeen,
		&k.TotalDetections, &k.MeanConfidence, &k.m2, &k.Persistence)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load knowledge: %w", err)
	}
	return &k, nil
}

// CountKnownSignatures returns the number of distinct signatures known.
func (db *DB) CountKnownSignatures() (int64, error) {
	var n int64
	err := db.QueryRow("SELECT COUNT(*) FROM knowledge").Scan(&n)
	return n, err
}

// ReplayKnowledge rebuilds an aggregate from the retained pattern history
// of a signature. Used by tests and integrity checks to verify that the
// incremental aggregate matches a full replay.
func (db *DB) ReplayKnowledge(signature string) (*KnowledgeEntry, error) {
	patterns, err := db.ListPatternsBySignature(signature)
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	entry := &KnowledgeEntry{
		Signature: signature,
		FirstSeen: patterns[0].DetectedAt,
	}
	for _, p := range patterns {
		entry.TotalDetections++
		delta := p.LocalConfidence - entry.MeanConfidence
		entry.MeanConfidence += delta / float64(entry.TotalDetections)
		entry.m2 += delta * (p.LocalConfidence - entry.MeanConfidence)
		if p.DetectedAt > entry.LastSeen {
			entry.LastSeen = p.DetectedAt
		}
		score := float64(entry.TotalDetections) / 10.0
		if score > 1.0 {
			score = 1.0
		}
		if score > entry.Persistence {
			entry.Persistence = score
		}
	}
	return entry, nil
}
