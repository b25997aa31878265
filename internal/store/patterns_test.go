package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func testPattern(id, sig string, detectedAt int64) *Pattern {
	return &Pattern{
		PatternID:       id,
		Signature:       sig,
		SessionID:       "sess-1",
		OriginNodeID:    "node-1",
		DetectedAt:      detectedAt,
		LocalConfidence: 0.6,
		Amplification:   1.0,
		Attributes:      map[string]any{"source": "thermal", "interval": 5.0},
	}
}

func TestSavePatternRoundTrip(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	p := testPattern("p1", "sig-a", 1000)
	inserted, err := db.SavePattern(p)
	if err != nil {
		t.Fatalf("SavePattern: %v", err)
	}
	if !inserted {
		t.Fatal("SavePattern reported duplicate for fresh pattern")
	}

	got, err := db.GetPattern("p1")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if got == nil {
		t.Fatal("GetPattern returned nil")
	}
	if got.Signature != "sig-a" || got.LocalConfidence != 0.6 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Attributes["source"] != "thermal" {
		t.Errorf("attributes lost: %+v", got.Attributes)
	}
}

func TestSavePatternDuplicate(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	p := testPattern("p1", "sig-a", 1000)
	if _, err := db.SavePattern(p); err != nil {
		t.Fatalf("first save: %v", err)
	}
	inserted, err := db.SavePattern(p)
	if err != nil {
		t.Fatalf("duplicate save: %v", err)
	}
	if inserted {
		t.Error("duplicate save reported inserted = true")
	}
	if got := db.Stats().DuplicatePatterns; got != 1 {
		t.Errorf("duplicate counter = %d, want 1", got)
	}

	n, err := db.CountPatterns()
	if err != nil {
		t.Fatalf("CountPatterns: %v", err)
	}
	if n != 1 {
		t.Errorf("pattern count = %d, want 1", n)
	}
}

func TestLargePayloadCompressed(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	p := testPattern("p-big", "sig-big", 1000)
	p.Attributes = map[string]any{"blob": strings.Repeat("pattern telemetry ", 200)}
	if _, err := db.SavePattern(p); err != nil {
		t.Fatalf("SavePattern: %v", err)
	}

	var compressed int
	if err := db.QueryRow("SELECT compressed FROM patterns WHERE pattern_id = 'p-big'").Scan(&compressed); err != nil {
		t.Fatalf("query compressed flag: %v", err)
	}
	if compressed != 1 {
		t.Error("large payload was not stored compressed")
	}

	got, err := db.GetPattern("p-big")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if got.Attributes["blob"] != p.Attributes["blob"] {
		t.Error("compressed payload did not round trip")
	}
}

func TestCorruptPayloadQuarantined(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	_, err = db.Exec(`
		INSERT INTO patterns (pattern_id, signature, session_id, origin_node_id,
			detected_at, local_confidence, amplification, payload, compressed)
		VALUES ('p-bad', 'sig-bad', 's', 'n', 1000, 0.5, 1.0, X'DEADBEEF', 1)
	`)
	if err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	_, err = db.GetPattern("p-bad")
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("GetPattern error = %v, want CorruptionError", err)
	}

	var quarantined int
	if err := db.QueryRow("SELECT quarantined FROM patterns WHERE pattern_id = 'p-bad'").Scan(&quarantined); err != nil {
		t.Fatalf("query quarantined flag: %v", err)
	}
	if quarantined != 1 {
		t.Error("corrupt row was not quarantined")
	}
	if got := db.Stats().QuarantinedRows; got != 1 {
		t.Errorf("quarantine counter = %d, want 1", got)
	}

	// Quarantined rows vanish from reads and aggregation inputs.
	if got, _ := db.GetPattern("p-bad"); got != nil {
		t.Error("quarantined pattern still readable")
	}
	patterns, err := db.ListPatternsBySignature("sig-bad")
	if err != nil {
		t.Fatalf("ListPatternsBySignature: %v", err)
	}
	if len(patterns) != 0 {
		t.Errorf("quarantined pattern still listed: %d rows", len(patterns))
	}
}

func TestCompactRespectsRetention(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	now := time.Now()
	old := now.AddDate(0, 0, -120)
	recent := now.AddDate(0, 0, -5)

	if _, err := db.SavePattern(testPattern("p-old", "sig-a", old.UnixMilli())); err != nil {
		t.Fatalf("save old: %v", err)
	}
	if _, err := db.SavePattern(testPattern("p-new", "sig-a", recent.UnixMilli())); err != nil {
		t.Fatalf("save recent: %v", err)
	}
	if _, err := db.UpsertKnowledge("sig-a", 0.6, old.UnixMilli()); err != nil {
		t.Fatalf("upsert knowledge: %v", err)
	}

	removed, err := db.CompactPatterns(now.AddDate(0, 0, -90))
	if err != nil {
		t.Fatalf("CompactPatterns: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if got, _ := db.GetPattern("p-old"); got != nil {
		t.Error("old pattern survived compaction")
	}
	if got, _ := db.GetPattern("p-new"); got == nil {
		t.Error("recent pattern removed by compaction")
	}

	// Aggregates survive raw-event deletion.
	k, err := db.LoadKnowledge("sig-a")
	if err != nil {
		t.Fatalf("LoadKnowledge: %v", err)
	}
	if k == nil || k.TotalDetections != 1 {
		t.Errorf("knowledge entry lost by compaction: %+v", k)
	}
}

func TestCompactConcurrentWithWrites(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	now := time.Now()
	var wg sync.WaitGroup
	wg.Add(2)

	const writes = 1000
	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			p := testPattern(patternID(i), "sig-live", now.UnixMilli()+int64(i))
			if _, err := db.SavePattern(p); err != nil {
				t.Errorf("save %d: %v", i, err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if _, err := db.CompactPatterns(now.AddDate(0, 0, -90)); err != nil {
				t.Errorf("compact: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	n, err := db.CountPatterns()
	if err != nil {
		t.Fatalf("CountPatterns: %v", err)
	}
	if n != writes {
		t.Errorf("pattern count = %d, want %d (compaction lost writes)", n, writes)
	}
}

func patternID(i int) string {
	return fmt.Sprintf("p-%04d", i)
}
