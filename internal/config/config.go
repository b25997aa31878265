// Package config loads the node configuration: defaults, then an
// optional TOML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all patternmesh configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Node      NodeConfig      `toml:"node"`
	Detection DetectionConfig `toml:"detection"`
	Gossip    GossipConfig    `toml:"gossip"`
	Peers     []PeerConfig    `toml:"peers"`
}

type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	Path          string `toml:"path"`
	RetentionDays int    `toml:"retention_days"`
}

// NodeConfig declares this node's physical placement. The node id itself
// is generated once and persisted in the store, not configured.
type NodeConfig struct {
	Role        string  `toml:"role"`
	X           float64 `toml:"x"`
	Y           float64 `toml:"y"`
	RangeMeters float64 `toml:"range_meters"`
}

type DetectionConfig struct {
	BaseThreshold        float64 `toml:"base_threshold"`
	CorroborationWindowS float64 `toml:"corroboration_window_seconds"`
}

type GossipConfig struct {
	HeartbeatSeconds    int `toml:"heartbeat_seconds"`
	StaleTimeoutSeconds int `toml:"stale_timeout_seconds"`
	DrainSeconds        int `toml:"drain_seconds"`
}

// PeerConfig is a statically configured peer, loaded at startup.
type PeerConfig struct {
	NodeID      string  `toml:"node_id"`
	Role        string  `toml:"role"`
	Address     string  `toml:"address"`
	X           float64 `toml:"x"`
	Y           float64 `toml:"y"`
	RangeMeters float64 `toml:"range_meters"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 8600,
		},
		Database: DatabaseConfig{
			Path:          "", // resolved at runtime via store.DefaultDBPath()
			RetentionDays: 90,
		},
		Node: NodeConfig{
			Role:        "participant",
			RangeMeters: 200,
		},
		Detection: DetectionConfig{
			BaseThreshold:        0.55,
			CorroborationWindowS: 5,
		},
		Gossip: GossipConfig{
			HeartbeatSeconds:    10,
			StaleTimeoutSeconds: 60,
			DrainSeconds:        10,
		},
	}
}

// Load layers a TOML file (if path is non-empty) and then environment
// overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PATTERNMESH_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("PATTERNMESH_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &c.Server.Port)
	}
	if v := os.Getenv("PATTERNMESH_DB"); v != "" {
		c.Database.Path = v
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// Retention returns the pattern retention window.
func (c *Config) Retention() time.Duration {
	days := c.Database.RetentionDays
	if days <= 0 {
		days = 90
	}
	return time.Duration(days) * 24 * time.Hour
}

// Window returns the corroboration window.
func (c *Config) Window() time.Duration {
	return time.Duration(c.Detection.CorroborationWindowS * float64(time.Second))
}
