// Package config loads the cluster's single unified YAML configuration
// file, consumed once at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Intervals holds the detector/fencer/keepalive timing knobs.
type Intervals struct {
	KeepaliveSec     int   `yaml:"keepalive_sec" mapstructure:"keepalive_sec"`
	FenceRetryCount  int   `yaml:"fence_retry_count" mapstructure:"fence_retry_count"`
	FenceRetryDelays []int `yaml:"fence_retry_delays" mapstructure:"fence_retry_delays"`
	MissedBeats      int   `yaml:"missed_beats" mapstructure:"missed_beats"`
}

// Fencing holds IPMI defaults applied to nodes that don't override them.
type Fencing struct {
	IPMIHostname string    `yaml:"ipmi_hostname" mapstructure:"ipmi_hostname"`
	IPMIUser     string    `yaml:"ipmi_user" mapstructure:"ipmi_user"`
	IPMIPass     string    `yaml:"ipmi_pass" mapstructure:"ipmi_pass"`
	Intervals    Intervals `yaml:"intervals" mapstructure:"intervals"`
}

// SubsystemEnable toggles the optional collaborators a node runs alongside
// the core (all out of scope for this module; carried through for the
// external worker/API to read).
type SubsystemEnable struct {
	Storage    bool `yaml:"storage" mapstructure:"storage"`
	Networking bool `yaml:"networking" mapstructure:"networking"`
	API        bool `yaml:"api" mapstructure:"api"`
}

// NodeConfig is this node's identity and local subsystem toggles.
type NodeConfig struct {
	Hostname        string          `yaml:"hostname" mapstructure:"hostname"`
	SubsystemEnable SubsystemEnable `yaml:"subsystem_enable" mapstructure:"subsystem_enable"`
}

// NetworkParams are the three network roles a cluster declares at init
// time; read-only afterward.
type NetworkParams struct {
	Upstream string `yaml:"upstream" mapstructure:"upstream"`
	Cluster  string `yaml:"cluster" mapstructure:"cluster"`
	Storage  string `yaml:"storage" mapstructure:"storage"`
}

// ClusterConfig is the cluster-wide network/bridge configuration block.
type ClusterConfig struct {
	Networks  NetworkParams `yaml:"networks" mapstructure:"networks"`
	BridgeMTU int           `yaml:"bridge_mtu" mapstructure:"bridge_mtu"`
}

// Timers holds the remaining operation timeouts.
type Timers struct {
	VMShutdownTimeoutSec    int `yaml:"vm_shutdown_timeout_sec" mapstructure:"vm_shutdown_timeout_sec"`
	MigrationLockTimeoutSec int `yaml:"migration_lock_timeout_sec" mapstructure:"migration_lock_timeout_sec"`
}

// Logging configures the process logger.
type Logging struct {
	File  string `yaml:"file" mapstructure:"file"`
	Level string `yaml:"level" mapstructure:"level"`
}

// Config is the root of the cluster.yaml document.
type Config struct {
	Coordinators []string      `yaml:"coordinators" mapstructure:"coordinators"`
	Node         NodeConfig    `yaml:"node" mapstructure:"node"`
	Cluster      ClusterConfig `yaml:"cluster" mapstructure:"cluster"`
	Fencing      Fencing       `yaml:"fencing" mapstructure:"fencing"`
	Timers       Timers        `yaml:"timers" mapstructure:"timers"`
	Logging      Logging       `yaml:"logging" mapstructure:"logging"`
	Debug        bool          `yaml:"debug" mapstructure:"debug"`
}

// Default returns the configuration defaults applied before a file is
// loaded: 5s keepalives, 6 missed beats, 6 fence retries with 1-15s
// exponential backoff, 180s ACPI shutdown, 10s migration lock.
func Default() *Config {
	return &Config{
		Fencing: Fencing{
			Intervals: Intervals{
				KeepaliveSec:     5,
				MissedBeats:      6,
				FenceRetryCount:  6,
				FenceRetryDelays: []int{1, 2, 4, 8, 15, 15},
			},
		},
		Timers: Timers{
			VMShutdownTimeoutSec:    180,
			MigrationLockTimeoutSec: 10,
		},
		Logging: Logging{Level: "info"},
	}
}

// Load reads and merges cluster.yaml at path over the defaults. Viper
// handles the merge (file values override Default()'s zero-valued fields)
// and the YAML unmarshal.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, the form an operator can hand back to
// Load on the next restart. Used by `cluster init` to persist the
// defaults a bootstrap run generated rather than leave them implicit.
func Save(path string, cfg *Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// KeepaliveInterval is the configured keepalive period as a duration.
func (c *Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.Fencing.Intervals.KeepaliveSec) * time.Second
}

// VMShutdownTimeout is the configured ACPI shutdown grace period.
func (c *Config) VMShutdownTimeout() time.Duration {
	return time.Duration(c.Timers.VMShutdownTimeoutSec) * time.Second
}

// MigrationLockTimeout is the configured steady-state migration lock
// acquisition timeout. Callers that need the longer startup-time
// acquisition window pass it explicitly instead of using this default.
func (c *Config) MigrationLockTimeout() time.Duration {
	return time.Duration(c.Timers.MigrationLockTimeoutSec) * time.Second
}

// MissedBeats is the number of keepalive periods a peer may go silent
// for before the Failure Detector suspects it.
func (c *Config) MissedBeats() int {
	return c.Fencing.Intervals.MissedBeats
}

// FenceRetryCount is the number of power-off attempts the Fencer makes
// before giving up and raising a critical fault.
func (c *Config) FenceRetryCount() int {
	return c.Fencing.Intervals.FenceRetryCount
}

// FenceRetryDelay returns the backoff delay before fence attempt n
// (1-indexed), clamped to the last configured delay.
func (c *Config) FenceRetryDelay(attempt int) time.Duration {
	delays := c.Fencing.Intervals.FenceRetryDelays
	if len(delays) == 0 {
		return time.Second
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return time.Duration(delays[idx]) * time.Second
}
