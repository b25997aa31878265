// Package sensor is the HTTP client the external sensor bridge uses to
// deliver raw events to a running node. The CLI reuses it for the
// read-only status endpoints.
package sensor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/bmorphism/patternmesh/internal/extract"
)

const (
	defaultServerURL = "http://127.0.0.1:8600"
	httpTimeout      = 5 * time.Second
)

// Client talks to a patternmesh node.
type Client struct {
	http      *http.Client
	serverURL string
}

// NewClient creates a node HTTP client.
// Respects PATTERNMESH_URL env var, falls back to http://127.0.0.1:8600.
func NewClient() *Client {
	url := os.Getenv("PATTERNMESH_URL")
	if url == "" {
		url = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: url,
	}
}

// SendEvent posts one raw event to the node's ingest endpoint.
func (c *Client) SendEvent(ev *extract.RawEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = c.Post("/api/events", body)
	return err
}

// Post sends a POST request with JSON body. Returns response body.
func (c *Client) Post(path string, body []byte) ([]byte, error) {
	resp, err := c.http.Post(c.serverURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	return readBody("POST", path, resp)
}

// Get sends a GET request. Returns response body.
func (c *Client) Get(path string) ([]byte, error) {
	resp, err := c.http.Get(c.serverURL + path)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	return readBody("GET", path, resp)
}

// readBody drains the response and turns HTTP-level failures into
// errors carrying the server's body, which is where the node puts its
// reason (backlog full, shutting down).
func readBody(method, path string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return data, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}
	return data, nil
}

// Healthy checks if the node is reachable.
func (c *Client) Healthy() bool {
	resp, err := c.http.Get(c.serverURL + "/api/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
