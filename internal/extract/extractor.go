// Package extract converts raw sensor events into typed patterns with a
// deterministic signature. Extraction is a pure function: identical
// attributes (within the quantization tolerance) always produce the same
// signature, so signatures join across nodes and across time.
package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmorphism/patternmesh/internal/store"
)

// RawEvent is what the sensor layer delivers: a source, a timestamp, and
// a small bag of numeric or string attributes.
type RawEvent struct {
	SourceID   string         `json:"source_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes"`
}

// MalformedEventError marks an event missing its required fields. The
// event is dropped and counted; extraction never fails on out-of-range
// numeric values (those are clamped).
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %s", e.Reason)
}

// ConfidenceFunc scores an event's attribute bag in [0,1]. The scoring
// semantics are pluggable; the default reads a "confidence" attribute.
type ConfidenceFunc func(attrs map[string]any) float64

// Extractor builds patterns for one node.
type Extractor struct {
	NodeID     string
	Confidence ConfidenceFunc
}

// New returns an Extractor with the default confidence scoring.
func New(nodeID string) *Extractor {
	return &Extractor{NodeID: nodeID, Confidence: defaultConfidence}
}

// Extract converts a RawEvent into a Pattern. Deterministic and free of
// side effects.
func (e *Extractor) Extract(ev *RawEvent, sessionID string) (*store.Pattern, error) {
	if ev.SourceID == "" {
		return nil, &MalformedEventError{Reason: "missing source_id"}
	}
	if ev.Timestamp.IsZero() {
		return nil, &MalformedEventError{Reason: "missing timestamp"}
	}
	if len(ev.Attributes) == 0 {
		return nil, &MalformedEventError{Reason: "empty attribute bag"}
	}

	sig := Signature(ev.Attributes)
	detectedAt := ev.Timestamp.UnixMilli()
	return &store.Pattern{
		PatternID:       PatternID(sig, ev.Timestamp),
		Signature:       sig,
		SessionID:       sessionID,
		OriginNodeID:    e.NodeID,
		DetectedAt:      detectedAt,
		LocalConfidence: e.Confidence(ev.Attributes),
		Amplification:   1.0,
		Attributes:      ev.Attributes,
	}, nil
}

// Signature hashes the quantized feature vector. Numeric attributes are
// rounded to two decimals before hashing, so values within the tolerance
// collapse to the same signature. The "confidence" attribute is excluded:
// detection strength must not split the join key.
func Signature(attrs map[string]any) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if k == "confidence" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quantize(attrs[k]))
		b.WriteByte('|')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// PatternID is the content hash of the signature and the minute bucket of
// the detection time. Two nodes detecting the same signature in the same
// bucket produce the same id, which is what makes duplicate delivery a
// store-level no-op.
func PatternID(signature string, at time.Time) string {
	bucket := at.Unix() / 60
	sum := sha256.Sum256([]byte(signature + ":" + strconv.FormatInt(bucket, 10)))
	return hex.EncodeToString(sum[:])
}

func quantize(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(math.Round(x*100)/100, 'f', 2, 64)
	case float32:
		return quantize(float64(x))
	case int:
		return quantize(float64(x))
	case int64:
		return quantize(float64(x))
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func defaultConfidence(attrs map[string]any) float64 {
	c, ok := attrs["confidence"]
	if !ok {
		return 0.5
	}
	var v float64
	switch x := c.(type) {
	case float64:
		v = x
	case float32:
		v = float64(x)
	case int:
		v = float64(x)
	case string:
		parsed, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0.5
		}
		v = parsed
	default:
		return 0.5
	}
	return clamp01(v)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
