package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bmorphism/patternmesh/internal/sensor"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a report from a running node",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := sensor.NewClient()
	if !c.Healthy() {
		return fmt.Errorf("node not reachable (set PATTERNMESH_URL if it is not on the default port)")
	}

	var state struct {
		NodeID          string `json:"node_id"`
		SessionID       string `json:"session_id"`
		Tier            int    `json:"tier"`
		HighestTier     int    `json:"highest_tier"`
		KnownSignatures int64  `json:"known_signatures"`
		LastPatternAt   string `json:"last_pattern_at"`
	}
	raw, err := c.Get("/api/state")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}

	var health struct {
		Version string  `json:"version"`
		Uptime  float64 `json:"uptime"`
		Store   struct {
			DuplicatePatterns uint64 `json:"duplicate_patterns"`
			DroppedPatterns   uint64 `json:"dropped_patterns"`
			QuarantinedRows   uint64 `json:"quarantined_rows"`
		} `json:"store"`
		Ingest struct {
			EventsIngested  uint64 `json:"events_ingested"`
			EventsMalformed uint64 `json:"events_malformed"`
			EventsDropped   uint64 `json:"events_dropped"`
			SessionPatterns int64  `json:"session_patterns"`
		} `json:"ingest"`
		Gossip struct {
			SharesSent  uint64 `json:"shares_sent"`
			Received    uint64 `json:"received"`
			Dropped     uint64 `json:"dropped"`
			Reconnects  uint64 `json:"reconnects"`
			ActiveLinks int    `json:"active_links"`
		} `json:"gossip"`
	}
	raw, err = c.Get("/api/health")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &health); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}

	fmt.Printf("node      %s\n", state.NodeID)
	fmt.Printf("session   %s\n", state.SessionID)
	fmt.Printf("version   %s  (up %.0fs)\n", health.Version, health.Uptime)
	fmt.Printf("tier      %d (highest reached: %d)\n", state.Tier, state.HighestTier)
	fmt.Printf("knowledge %d signatures\n", state.KnownSignatures)
	if state.LastPatternAt != "" {
		fmt.Printf("last seen %s\n", state.LastPatternAt)
	}
	fmt.Printf("ingest    %d events, %d malformed, %d dropped, %d patterns this session\n",
		health.Ingest.EventsIngested, health.Ingest.EventsMalformed,
		health.Ingest.EventsDropped, health.Ingest.SessionPatterns)
	fmt.Printf("gossip    %d links, %d shares sent, %d received, %d dropped, %d reconnects\n",
		health.Gossip.ActiveLinks, health.Gossip.SharesSent, health.Gossip.Received,
		health.Gossip.Dropped, health.Gossip.Reconnects)
	fmt.Printf("store     %d duplicates, %d dropped, %d quarantined\n",
		health.Store.DuplicatePatterns, health.Store.DroppedPatterns,
		health.Store.QuarantinedRows)
	return nil
}
