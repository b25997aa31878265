package extract

import (
	"errors"
	"testing"
	"time"
)

func event(attrs map[string]any) *RawEvent {
	return &RawEvent{
		SourceID:   "thermal-0",
		Timestamp:  time.Date(2026, 8, 1, 12, 0, 30, 0, time.UTC),
		Attributes: attrs,
	}
}

func TestExtractDeterministic(t *testing.T) {
	ex := New("node-1")

	a, err := ex.Extract(event(map[string]any{"interval": 5.0, "kind": "press"}), "s1")
	if err != nil {
		t.Fatalf("Extract a: %v", err)
	}
	b, err := ex.Extract(event(map[string]any{"kind": "press", "interval": 5.0}), "s1")
	if err != nil {
		t.Fatalf("Extract b: %v", err)
	}

	if a.Signature != b.Signature {
		t.Errorf("signatures differ for identical attributes: %s vs %s", a.Signature, b.Signature)
	}
	if a.PatternID != b.PatternID {
		t.Errorf("pattern ids differ for identical input: %s vs %s", a.PatternID, b.PatternID)
	}
}

func TestQuantizationTolerance(t *testing.T) {
	ex := New("node-1")

	a, _ := ex.Extract(event(map[string]any{"interval": 5.001}), "s1")
	b, _ := ex.Extract(event(map[string]any{"interval": 4.999}), "s1")
	c, _ := ex.Extract(event(map[string]any{"interval": 5.2}), "s1")

	if a.Signature != b.Signature {
		t.Error("values within tolerance produced different signatures")
	}
	if a.Signature == c.Signature {
		t.Error("values beyond tolerance collapsed to one signature")
	}
}

func TestConfidenceExcludedFromSignature(t *testing.T) {
	ex := New("node-1")

	a, _ := ex.Extract(event(map[string]any{"interval": 5.0, "confidence": 0.3}), "s1")
	b, _ := ex.Extract(event(map[string]any{"interval": 5.0, "confidence": 0.9}), "s1")

	if a.Signature != b.Signature {
		t.Error("confidence split the signature join key")
	}
	if a.LocalConfidence != 0.3 || b.LocalConfidence != 0.9 {
		t.Errorf("confidences = %f, %f, want 0.3, 0.9", a.LocalConfidence, b.LocalConfidence)
	}
}

func TestConfidenceClamped(t *testing.T) {
	ex := New("node-1")

	over, err := ex.Extract(event(map[string]any{"interval": 5.0, "confidence": 3.5}), "s1")
	if err != nil {
		t.Fatalf("Extract over-range: %v", err)
	}
	if over.LocalConfidence != 1.0 {
		t.Errorf("over-range confidence = %f, want 1.0", over.LocalConfidence)
	}

	under, err := ex.Extract(event(map[string]any{"interval": 5.0, "confidence": -2.0}), "s1")
	if err != nil {
		t.Fatalf("Extract under-range: %v", err)
	}
	if under.LocalConfidence != 0.0 {
		t.Errorf("under-range confidence = %f, want 0.0", under.LocalConfidence)
	}
}

func TestMalformedEvents(t *testing.T) {
	ex := New("node-1")

	cases := []struct {
		name string
		ev   *RawEvent
	}{
		{"no source", &RawEvent{Timestamp: time.Now(), Attributes: map[string]any{"a": 1.0}}},
		{"no timestamp", &RawEvent{SourceID: "s", Attributes: map[string]any{"a": 1.0}}},
		{"no attributes", &RawEvent{SourceID: "s", Timestamp: time.Now()}},
	}
	for _, tc := range cases {
		_, err := ex.Extract(tc.ev, "s1")
		var malformed *MalformedEventError
		if !errors.As(err, &malformed) {
			t.Errorf("%s: err = %v, want MalformedEventError", tc.name, err)
		}
	}
}

func TestPatternIDBucketing(t *testing.T) {
	sig := Signature(map[string]any{"interval": 5.0})

	t0 := time.Date(2026, 8, 1, 12, 0, 10, 0, time.UTC)
	t1 := time.Date(2026, 8, 1, 12, 0, 50, 0, time.UTC)
	t2 := time.Date(2026, 8, 1, 12, 1, 10, 0, time.UTC)

	if PatternID(sig, t0) != PatternID(sig, t1) {
		t.Error("detections in the same minute bucket got different ids")
	}
	if PatternID(sig, t0) == PatternID(sig, t2) {
		t.Error("detections in different buckets share an id")
	}
}
