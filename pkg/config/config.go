// Package config holds the configuration for both server binaries. Configs
// start from defaults, may be loaded from a YAML file, and are finally
// overridden by command-line flags in cmd/.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// RegionConfig configures a regional participant server (regiond).
type RegionConfig struct {
	Host           string        `yaml:"host"`             // Server host address
	Port           int           `yaml:"port"`             // Server port
	Region         string        `yaml:"region"`           // Region this participant serves (PHX or LA)
	DataDir        string        `yaml:"data_dir"`         // Store snapshot and participant log directory
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout
	MaxRequestSize int64         `yaml:"max_request_size"` // Maximum request body size in bytes
	EnableLogging  bool          `yaml:"enable_logging"`   // Enable request logging
	LogFormat      string        `yaml:"log_format"`       // Log format (text or json)

	// RecoveryGraceSeconds is the minimum age before the participant sweeps
	// its own stale PREPARED records.
	RecoveryGraceSeconds int `yaml:"recovery_grace_seconds"`

	// SnapshotIntervalSeconds controls the periodic store snapshot; 0 disables.
	SnapshotIntervalSeconds int `yaml:"snapshot_interval_seconds"`
}

// DefaultRegionConfig returns a regional configuration with sensible defaults
func DefaultRegionConfig() *RegionConfig {
	return &RegionConfig{
		Host:                    "localhost",
		Port:                    8081,
		Region:                  "PHX",
		DataDir:                 "./data",
		ReadTimeout:             30 * time.Second,
		WriteTimeout:            30 * time.Second,
		IdleTimeout:             120 * time.Second,
		MaxRequestSize:          10 * 1024 * 1024, // 10MB
		EnableLogging:           true,
		LogFormat:               "text",
		RecoveryGraceSeconds:    30,
		SnapshotIntervalSeconds: 60,
	}
}

// CoordConfig configures the coordinator server (coordd).
type CoordConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	DataDir        string        `yaml:"data_dir"` // Transaction log and GLOBAL snapshot directory
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxRequestSize int64         `yaml:"max_request_size"`
	EnableLogging  bool          `yaml:"enable_logging"`
	LogFormat      string        `yaml:"log_format"`

	// RegionEndpoints maps region names to participant base URLs.
	RegionEndpoints map[string]string `yaml:"region_endpoints"`

	HealthPollIntervalSeconds int `yaml:"health_poll_interval_seconds"` // Default 5
	HealthProbeTimeoutMS      int `yaml:"health_probe_timeout_ms"`      // Default 2000
	PrepareDeadlineMS         int `yaml:"prepare_deadline_ms"`          // Default 5000
	CommitDeadlineMS          int `yaml:"commit_deadline_ms"`           // Default 10000
	RecoveryGraceSeconds      int `yaml:"recovery_grace_seconds"`       // Default 30

	// ReplicatorMode is "initial+stream" or "stream_only".
	ReplicatorMode string `yaml:"replicator_mode"`

	// Reseed forces an initial sync even when GLOBAL is non-empty.
	Reseed bool `yaml:"reseed"`

	// EnableGraphQL mounts the read-only GraphQL API.
	EnableGraphQL bool `yaml:"enable_graphql"`
}

// DefaultCoordConfig returns a coordinator configuration with sensible defaults
func DefaultCoordConfig() *CoordConfig {
	return &CoordConfig{
		Host:           "localhost",
		Port:           8080,
		DataDir:        "./data",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxRequestSize: 10 * 1024 * 1024,
		EnableLogging:  true,
		LogFormat:      "text",
		RegionEndpoints: map[string]string{
			"PHX": "http://localhost:8081",
			"LA":  "http://localhost:8082",
		},
		HealthPollIntervalSeconds: 5,
		HealthProbeTimeoutMS:      2000,
		PrepareDeadlineMS:         5000,
		CommitDeadlineMS:          10000,
		RecoveryGraceSeconds:      30,
		ReplicatorMode:            "initial+stream",
		EnableGraphQL:             false,
	}
}

// LoadRegionConfig overlays a YAML file onto the given config.
func LoadRegionConfig(path string, cfg *RegionConfig) error {
	return loadYAML(path, cfg)
}

// LoadCoordConfig overlays a YAML file onto the given config.
func LoadCoordConfig(path string, cfg *CoordConfig) error {
	return loadYAML(path, cfg)
}

func loadYAML(path string, target interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}
