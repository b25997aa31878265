package sensor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bmorphism/patternmesh/internal/extract"
)

func TestSendEvent(t *testing.T) {
	var got extract.RawEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/events" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()
	t.Setenv("PATTERNMESH_URL", srv.URL)

	c := NewClient()
	err := c.SendEvent(&extract.RawEvent{
		SourceID:   "sensor-1",
		Timestamp:  time.Now(),
		Attributes: map[string]any{"kind": "thermal", "confidence": 0.9},
	})
	if err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	if got.SourceID != "sensor-1" {
		t.Errorf("source = %s", got.SourceID)
	}
}

func TestSendEventBackpressure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"ingest backlog full"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	t.Setenv("PATTERNMESH_URL", srv.URL)

	c := NewClient()
	err := c.SendEvent(&extract.RawEvent{SourceID: "s", Timestamp: time.Now()})
	if err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestGetSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no such route"}`, http.StatusNotFound)
	}))
	defer srv.Close()
	t.Setenv("PATTERNMESH_URL", srv.URL)

	body, err := NewClient().Get("/api/missing")
	if err == nil {
		t.Fatal("expected error on 404")
	}
	// The server's reason rides along for the caller to report.
	if len(body) == 0 {
		t.Error("error body not returned")
	}
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()
	t.Setenv("PATTERNMESH_URL", srv.URL)

	if !NewClient().Healthy() {
		t.Error("healthy node reported unhealthy")
	}

	srv.Close()
	if NewClient().Healthy() {
		t.Error("dead node reported healthy")
	}
}
