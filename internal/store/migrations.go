package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "meta: node identity and store-level key/value state",
		SQL: `
CREATE TABLE meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "patterns: raw detected patterns, append-only within retention",
		SQL: `
CREATE TABLE patterns (
    id               INTEGER PRIMARY KEY,
    pattern_id       TEXT NOT NULL UNIQUE,
    signature        TEXT NOT NULL,
    session_id       TEXT NOT NULL,
    origin_node_id   TEXT NOT NULL,
    detected_at      INTEGER NOT NULL,
    local_confidence REAL NOT NULL CHECK (local_confidence >= 0 AND local_confidence <= 1),
    amplification    REAL NOT NULL DEFAULT 1.0,

    -- Attribute payload, optionally gzip-compressed
    payload          BLOB,
    compressed       INTEGER NOT NULL DEFAULT 0,

    -- Set when the payload fails to decompress; quarantined rows are
    -- excluded from reads and knowledge aggregation
    quarantined      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_patterns_signature ON patterns(signature);
CREATE INDEX idx_patterns_detected  ON patterns(detected_at);
CREATE INDEX idx_patterns_session   ON patterns(session_id);
`,
	},
	{
		Version:     3,
		Description: "sessions: bounded windows of node operation",
		SQL: `
CREATE TABLE sessions (
    id            INTEGER PRIMARY KEY,
    session_id    TEXT NOT NULL UNIQUE,
    node_id       TEXT NOT NULL,
    started_at    INTEGER NOT NULL,
    ended_at      INTEGER,
    patterns_seen INTEGER NOT NULL DEFAULT 0,
    tier_reached  INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX idx_sessions_started ON sessions(started_at DESC);
CREATE INDEX idx_sessions_node    ON sessions(node_id);
`,
	},
	{
		Version:     4,
		Description: "knowledge: accumulated per-signature aggregates",
		SQL: `
CREATE TABLE knowledge (
    signature        TEXT PRIMARY KEY,
    first_seen       INTEGER NOT NULL,
    last_seen        INTEGER NOT NULL,
    total_detections INTEGER NOT NULL DEFAULT 0,
    mean_confidence  REAL NOT NULL DEFAULT 0,

    -- Welford running aggregate of squared deviations; variance = m2 / n
    m2               REAL NOT NULL DEFAULT 0,
    persistence      REAL NOT NULL DEFAULT 0 CHECK (persistence >= 0 AND persistence <= 1)
);

CREATE INDEX idx_knowledge_last_seen ON knowledge(last_seen DESC);
`,
	},
	{
		Version:     5,
		Description: "collective: singleton network-wide state plus tier history",
		SQL: `
CREATE TABLE collective (
    id                  INTEGER PRIMARY KEY CHECK (id = 1),
    cumulative_patterns INTEGER NOT NULL DEFAULT 0,
    highest_tier        INTEGER NOT NULL DEFAULT 1 CHECK (highest_tier BETWEEN 1 AND 10),
    known_signatures    INTEGER NOT NULL DEFAULT 0,
    updated_at          INTEGER NOT NULL
);

CREATE TABLE tier_history (
    id         INTEGER PRIMARY KEY,
    tier       INTEGER NOT NULL,
    reached_at INTEGER NOT NULL
);
`,
	},
	{
		Version:     6,
		Description: "peer_nodes: known peers, their declared position and range",
		SQL: `
CREATE TABLE peer_nodes (
    node_id   TEXT PRIMARY KEY,
    role      TEXT NOT NULL CHECK (role IN ('coordinator', 'participant', 'observer')),
    address   TEXT NOT NULL,
    pos_x     REAL NOT NULL,
    pos_y     REAL NOT NULL,
    range_m   REAL NOT NULL CHECK (range_m > 0),
    last_seen INTEGER NOT NULL,
    stale     INTEGER NOT NULL DEFAULT 0
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
