// Package config loads Courier's YAML configuration, falling back to
// documented defaults for anything the file omits or when no file is
// given.
package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v2"
)

// Node controls the local UDP endpoint and node identity.
type Node struct {
	Port   int    `yaml:"port"`
	NodeID string `yaml:"node_id"`
}

// Transfer controls chunking, windowing, and RTO behavior shared by
// every bundle sent from this node.
type Transfer struct {
	ChunkSize     int `yaml:"chunk_size"`
	WindowSize    int `yaml:"window_size"`
	BaseRTOMs     int `yaml:"base_rto_ms"`
	TTLSec        int `yaml:"ttl_sec"`
	MaxRTOMs      int `yaml:"max_rto_ms"`
	PacingDelayMs int `yaml:"pacing_delay_ms"`
}

// FEC controls the forward-error-correction block parameters.
type FEC struct {
	Enabled bool `yaml:"enabled"`
	K       int  `yaml:"k"`
	R       int  `yaml:"r"`
}

// Custody controls custody-transfer retry behavior.
type Custody struct {
	MaxRetries     int `yaml:"max_retries"`
	BackoffBaseSec int `yaml:"backoff_base_sec"`
}

// Storage controls the durable store's location and maintenance cadence.
type Storage struct {
	DBPath             string `yaml:"db_path"`
	CleanupIntervalSec int    `yaml:"cleanup_interval_sec"`
	MaxBytes           int64  `yaml:"max_bytes"`
}

// Observability controls the node's /metrics and /healthz HTTP server.
// An empty Addr disables the server.
type Observability struct {
	Addr string `yaml:"addr"`
}

// Config is the full Courier node configuration.
type Config struct {
	Node          Node          `yaml:"node"`
	Transfer      Transfer      `yaml:"transfer"`
	FEC           FEC           `yaml:"fec"`
	Custody       Custody       `yaml:"custody"`
	Storage       Storage       `yaml:"storage"`
	Observability Observability `yaml:"observability"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		Node: Node{Port: 5000, NodeID: "localhost"},
		Transfer: Transfer{
			ChunkSize:     1150,
			WindowSize:    1024,
			BaseRTOMs:     900,
			TTLSec:        300,
			MaxRTOMs:      500,
			PacingDelayMs: 0,
		},
		FEC:     FEC{Enabled: true, K: 4, R: 2},
		Custody: Custody{MaxRetries: 10, BackoffBaseSec: 2},
		Storage: Storage{CleanupIntervalSec: 60},
	}
}

// Load reads and parses a YAML config file, overlaying it on top of
// Default() for any field the file does not set. If path is empty or
// does not exist, Load returns Default() with NodeID resolved to the
// local hostname.
//
// transfer.max_rto_ms is documented as an upper bound on the
// retransmission timeout, but the distilled defaults set it below
// base_rto_ms (500 < 900); rather than silently producing a transport
// that can never back off, Load clamps max_rto_ms up to base_rto_ms
// and the caller's logger should record that this happened.
func Load(path string) (Config, bool, error) {
	cfg := Default()
	clampedRTO := false

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			raw, err := os.ReadFile(path)
			if err != nil {
				return Config{}, false, fmt.Errorf("config: read %s: %w", path, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, false, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if cfg.Node.NodeID == "localhost" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Node.NodeID = hostname
		}
	}

	if cfg.Transfer.MaxRTOMs < cfg.Transfer.BaseRTOMs {
		cfg.Transfer.MaxRTOMs = cfg.Transfer.BaseRTOMs
		clampedRTO = true
	}

	return cfg, clampedRTO, nil
}
