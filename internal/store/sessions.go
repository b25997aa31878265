package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is one bounded window of node operation, from process start to
// graceful shutdown. A session left open by power loss is closed on the
// next boot with ended_at set to the last write timestamp in the store.
type Session struct {
	ID           int64  `json:"-"`
	SessionID    string `json:"session_id"`
	NodeID       string `json:"node_id"`
	StartedAt    int64  `json:"start_ts"`
	EndedAt      *int64 `json:"end_ts,omitempty"`
	PatternsSeen int64  `json:"patterns_seen"`
	TierReached  int    `json:"tier_reached"`
}

// OpenSession recovers any session left open by an unclean shutdown and
// then opens a fresh one. After it returns, exactly one session is open.
func (db *DB) OpenSession(nodeID string) (*Session, error) {
	db.sessionMu.Lock()
	defer db.sessionMu.Unlock()

	if err := db.recoverOpenSessions(); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	s := &Session{
		SessionID:   uuid.NewString(),
		NodeID:      nodeID,
		StartedAt:   now,
		TierReached: 1,
	}
	err := db.writer.do(func() error {
		res, execErr := db.Exec(`
			INSERT INTO sessions (session_id, node_id, started_at, tier_reached)
			VALUES (?, ?, ?, 1)
		`, s.SessionID, s.NodeID, s.StartedAt)
		if execErr != nil {
			return execErr
		}
		s.ID, execErr = res.LastInsertId()
		return execErr
	})
	if err != nil {
		return nil, &PersistenceError{Op: "open session", Err: err}
	}
	return s, nil
}

// recoverOpenSessions closes every session with a NULL ended_at. The close
// timestamp is the last pattern written during that session, falling back
// to the session start when it recorded nothing.
func (db *DB) recoverOpenSessions() error {
	rows, err := db.Query("SELECT session_id, started_at FROM sessions WHERE ended_at IS NULL")
	if err != nil {
		return fmt.Errorf("find open sessions: %w", err)
	}
	type open struct {
		id      string
		started int64
	}
	var stale []open
	for rows.Next() {
		var o open
		if err := rows.Scan(&o.id, &o.started); err != nil {
			rows.Close()
			return fmt.Errorf("scan open session: %w", err)
		}
		stale = append(stale, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, o := range stale {
		var lastWrite sql.NullInt64
		if err := db.QueryRow(
			"SELECT MAX(detected_at) FROM patterns WHERE session_id = ?", o.id,
		).Scan(&lastWrite); err != nil {
			return fmt.Errorf("find last write for %s: %w", o.id, err)
		}
		end := o.started
		if lastWrite.Valid && lastWrite.Int64 > end {
			end = lastWrite.Int64
		}
		err := db.writer.do(func() error {
			_, execErr := db.Exec(
				"UPDATE sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL",
				end, o.id)
			return execErr
		})
		if err != nil {
			return &PersistenceError{Op: "recover session", Err: err}
		}
	}
	return nil
}

// CheckpointSession persists the session's current counters. Idempotent:
// repeated calls with converging values are safe, and a checkpoint after
// close never reopens the session.
func (db *DB) CheckpointSession(s *Session) error {
	err := db.writer.do(func() error {
		_, execErr := db.Exec(`
			UPDATE sessions
			SET patterns_seen = ?, tier_reached = ?
			WHERE session_id = ?
		`, s.PatternsSeen, s.TierReached, s.SessionID)
		return execErr
	})
	if err != nil {
		return &PersistenceError{Op: "checkpoint session", Err: err}
	}
	return nil
}

// CloseSession marks the session ended at the given time. Closing an
// already-closed session keeps the original end timestamp.
func (db *DB) CloseSession(sessionID string, endedAt time.Time) error {
	err := db.writer.do(func() error {
		_, execErr := db.Exec(`
			UPDATE sessions SET ended_at = COALESCE(ended_at, ?)
			WHERE session_id = ?
		`, endedAt.UnixMilli(), sessionID)
		return execErr
	})
	if err != nil {
		return &PersistenceError{Op: "close session", Err: err}
	}
	return nil
}

// GetSession returns a session by session_id, or (nil, nil).
func (db *DB) GetSession(sessionID string) (*Session, error) {
	var s Session
	err := db.QueryRow(`
		SELECT id, session_id, node_id, started_at, ended_at, patterns_seen, tier_reached
		FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&s.ID, &s.SessionID, &s.NodeID, &s.StartedAt, &s.EndedAt, &s.PatternsSeen, &s.TierReached)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// OpenSessionCount returns how many sessions currently have no end
// timestamp. The startup protocol guarantees this is at most one.
func (db *DB) OpenSessionCount() (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM sessions WHERE ended_at IS NULL").Scan(&n)
	return n, err
}

// RecentSessions returns the most recent sessions, newest first.
func (db *DB) RecentSessions(limit int) ([]Session, error) {
	rows, err := db.Query(`
		SELECT id, session_id, node_id, started_at, ended_at, patterns_seen, tier_reached
		FROM sessions ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.SessionID, &s.NodeID, &s.StartedAt, &s.EndedAt, &s.PatternsSeen, &s.TierReached); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
