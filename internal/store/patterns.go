package store

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Pattern is one detected pattern. Immutable once persisted; the
// amplification fields are finalized before SavePattern is called.
type Pattern struct {
	PatternID       string         `json:"pattern_id"`
	Signature       string         `json:"signature"`
	SessionID       string         `json:"session_id"`
	OriginNodeID    string         `json:"origin_node_id"`
	DetectedAt      int64          `json:"detected_at"` // unix millis
	LocalConfidence float64        `json:"local_confidence"`
	Amplification   float64        `json:"amplification_factor"`
	Attributes      map[string]any `json:"attributes,omitempty"`
}

const (
	// Payloads above this size are stored gzip-compressed.
	compressThreshold = 512

	savePatternAttempts = 3
	saveBackoffBase     = 50 * time.Millisecond
)

// SavePattern appends a pattern. Duplicate pattern_ids are a no-op beyond
// the duplicate counter; inserted reports whether a new row was written.
// Storage failures are retried up to 3 times with exponential backoff and
// then surfaced as a PersistenceError; the caller drops the event.
func (db *DB) SavePattern(p *Pattern) (inserted bool, err error) {
	payload, compressed, err := encodePayload(p.Attributes)
	if err != nil {
		return false, &PersistenceError{Op: "encode payload", Err: err}
	}

	backoff := saveBackoffBase
	for attempt := 1; ; attempt++ {
		var rows int64
		err = db.writer.do(func() error {
			res, execErr := db.Exec(`
				INSERT OR IGNORE INTO patterns
					(pattern_id, signature, session_id, origin_node_id,
					 detected_at, local_confidence, amplification, payload, compressed)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, p.PatternID, p.Signature, p.SessionID, p.OriginNodeID,
				p.DetectedAt, p.LocalConfidence, p.Amplification, payload, boolToInt(compressed))
			if execErr != nil {
				return execErr
			}
			rows, execErr = res.RowsAffected()
			return execErr
		})
		if err == nil {
			if rows == 0 {
				db.duplicatePatterns.Add(1)
				return false, nil
			}
			return true, nil
		}

		// A closed store will not recover; retrying only delays the drop.
		if attempt >= savePatternAttempts || errors.Is(err, errWriterClosed) {
			db.droppedPatterns.Add(1)
			return false, &PersistenceError{Op: "save pattern", Err: err}
		}
		db.persistRetries.Add(1)
		time.Sleep(backoff)
		backoff *= 2
	}
}

// GetPattern loads a pattern by pattern_id. Returns (nil, nil) when absent.
// A payload that fails to decompress quarantines the row and returns a
// CorruptionError.
func (db *DB) GetPattern(patternID string) (*Pattern, error) {
	var p Pattern
	var payload []byte
	var compressed int
	err := db.QueryRow(`
		SELECT pattern_id, signature, session_id, origin_node_id,
		       detected_at, local_confidence, amplification, payload, compressed
		FROM patterns WHERE pattern_id = ? AND quarantined = 0
	`, patternID).Scan(&p.PatternID, &p.Signature, &p.SessionID, &p.OriginNodeID,
		&p.DetectedAt, &p.LocalConfidence, &p.Amplification, &payload, &compressed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pattern: %w", err)
	}

	p.Attributes, err = decodePayload(payload, compressed == 1)
	if err != nil {
		db.quarantinePattern(p.PatternID)
		return nil, &CorruptionError{PatternID: p.PatternID, Err: err}
	}
	return &p, nil
}

// ListPatternsBySignature returns all non-quarantined patterns for a
// signature in detection order. Used to replay knowledge aggregates.
func (db *DB) ListPatternsBySignature(signature string) ([]Pattern, error) {
	rows, err := db.Query(`
		SELECT pattern_id, signature, session_id, origin_node_id,
		       detected_at, local_confidence, amplification
		FROM patterns
		WHERE signature = ? AND quarantined = 0
		ORDER BY detected_at, id
	`, signature)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		var p Pattern
		if err := rows.Scan(&p.PatternID, &p.Signature, &p.SessionID, &p.OriginNodeID,
			&p.DetectedAt, &p.LocalConfidence, &p.Amplification); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPatterns returns the number of non-quarantined pattern rows.
func (db *DB) CountPatterns() (int64, error) {
	var n int64
	err := db.QueryRow("SELECT COUNT(*) FROM patterns WHERE quarantined = 0").Scan(&n)
	return n, err
}

// CountPatternsInSession returns how many patterns a session recorded.
func (db *DB) CountPatternsInSession(sessionID string) (int64, error) {
	var n int64
	err := db.QueryRow("SELECT COUNT(*) FROM patterns WHERE session_id = ?", sessionID).Scan(&n)
	return n, err
}

// LastPatternAt returns the detected_at of the most recent pattern, or 0.
func (db *DB) LastPatternAt() (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRow("SELECT MAX(detected_at) FROM patterns WHERE quarantined = 0").Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// CompactPatterns removes pattern rows detected before the cutoff.
// Knowledge aggregates are untouched: they survive raw-event deletion.
// The delete runs in one transaction on the writer goroutine, so WAL
// readers see either the pre- or the post-compaction state.
func (db *DB) CompactPatterns(olderThan time.Time) (int64, error) {
	cutoff := olderThan.UnixMilli()
	var removed int64
	err := db.writer.do(func() error {
		res, execErr := db.Exec("DELETE FROM patterns WHERE detected_at < ?", cutoff)
		if execErr != nil {
			return execErr
		}
		removed, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, &PersistenceError{Op: "compact patterns", Err: err}
	}
	return removed, nil
}

func (db *DB) quarantinePattern(patternID string) {
	db.quarantinedRows.Add(1)
	db.writer.do(func() error {
		_, err := db.Exec("UPDATE patterns SET quarantined = 1 WHERE pattern_id = ?", patternID)
		return err
	})
}

func encodePayload(attrs map[string]any) (payload []byte, compressed bool, err error) {
	if len(attrs) == 0 {
		return nil, false, nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return nil, false, err
	}
	if len(raw) < compressThreshold {
		return raw, false, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, false, err
	}
	if err := gz.Close(); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

func decodePayload(payload []byte, compressed bool) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	raw := payload
	if compressed {
		gz, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		raw, err = io.ReadAll(gz)
		if err != nil {
			return nil, err
		}
		if err := gz.Close(); err != nil {
			return nil, err
		}
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
