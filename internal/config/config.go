// Package config provides centralized configuration for the manager daemon.
// All configuration is loaded from a JSON file at /etc/qemubox/manager.json
// (overridable via QEMUBOX_MANAGER_CONFIG).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/qemubox/manager.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "QEMUBOX_MANAGER_CONFIG"
)

// Config is the root configuration structure
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Timeouts TimeoutsConfig `json:"timeouts"`
	Events   EventsConfig   `json:"events"`
}

// PathsConfig defines filesystem paths for the manager
type PathsConfig struct {
	StateDir     string `json:"state_dir"`     // Persistent state (bolt db, sockets, lock file)
	LogDir       string `json:"log_dir"`       // Per-domain console logs
	QEMUPath     string `json:"qemu_path"`     // Hypervisor binary (definition may override)
	CgroupParent string `json:"cgroup_parent"` // Parent cgroup for hypervisor processes
}

// TimeoutsConfig defines timeout durations for lifecycle operations.
// All values are duration strings (e.g., "5s", "2m", "500ms").
type TimeoutsConfig struct {
	// JobWait bounds how long an administrative request waits for another
	// job on the same domain to finish before failing.
	// Default: 30s.
	JobWait string `json:"job_wait"`

	// MonitorCommand is the timeout for monitor socket commands.
	// Default: 5s. Increase for slow hosts.
	MonitorCommand string `json:"monitor_command"`

	// AgentCommand is the timeout for guest agent commands. The guest may
	// legitimately never answer (agent not running), so keep this short.
	// Default: 5s.
	AgentCommand string `json:"agent_command"`

	// ShutdownGrace is how long a graceful stop waits for the guest to
	// power down before escalating to SIGKILL.
	// Default: 30s.
	ShutdownGrace string `json:"shutdown_grace"`

	// ProcessStart is the timeout for hypervisor process startup
	// (spawn to monitor socket accepting connections).
	// Default: 10s.
	ProcessStart string `json:"process_start"`
}

// EventsConfig tunes event delivery.
type EventsConfig struct {
	// Workers bounds the number of concurrent background event handlers.
	Workers int `json:"workers"`
}

// GetJobWait returns the job wait timeout as a time.Duration.
// Panics if the configuration is invalid (should be caught by validation).
func (t *TimeoutsConfig) GetJobWait() time.Duration {
	return mustParseDuration(t.JobWait)
}

// GetMonitorCommand returns the monitor command timeout as a time.Duration.
func (t *TimeoutsConfig) GetMonitorCommand() time.Duration {
	return mustParseDuration(t.MonitorCommand)
}

// GetAgentCommand returns the agent command timeout as a time.Duration.
func (t *TimeoutsConfig) GetAgentCommand() time.Duration {
	return mustParseDuration(t.AgentCommand)
}

// GetShutdownGrace returns the shutdown grace period as a time.Duration.
func (t *TimeoutsConfig) GetShutdownGrace() time.Duration {
	return mustParseDuration(t.ShutdownGrace)
}

// GetProcessStart returns the process start timeout as a time.Duration.
func (t *TimeoutsConfig) GetProcessStart() time.Duration {
	return mustParseDuration(t.ProcessStart)
}

// mustParseDuration parses a duration string, panicking on error.
// This is safe because validation should have already verified the format.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

// Load loads configuration from QEMUBOX_MANAGER_CONFIG or the default path.
// A missing file yields the default configuration rather than an error so
// the daemon can run without any config file at all.
func Load() (*Config, error) {
	path := os.Getenv(ConfigEnvVar)
	if path == "" {
		path = DefaultConfigPath
	}
	cfg, err := LoadFrom(path)
	if err != nil && os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

// LoadFrom loads configuration from a specific path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir:     "/var/lib/qemubox/manager",
			LogDir:       "/var/log/qemubox",
			QEMUPath:     "", // Auto-discovered
			CgroupParent: "qemubox.slice",
		},
		Timeouts: TimeoutsConfig{
			JobWait:        "30s",
			MonitorCommand: "5s",
			AgentCommand:   "5s",
			ShutdownGrace:  "30s",
			ProcessStart:   "10s",
		},
		Events: EventsConfig{
			Workers: 4,
		},
	}
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaults.Paths.StateDir
	}
	if c.Paths.LogDir == "" {
		c.Paths.LogDir = defaults.Paths.LogDir
	}
	if c.Paths.CgroupParent == "" {
		c.Paths.CgroupParent = defaults.Paths.CgroupParent
	}
	// QEMUPath is intentionally left empty for auto-discovery

	if c.Timeouts.JobWait == "" {
		c.Timeouts.JobWait = defaults.Timeouts.JobWait
	}
	if c.Timeouts.MonitorCommand == "" {
		c.Timeouts.MonitorCommand = defaults.Timeouts.MonitorCommand
	}
	if c.Timeouts.AgentCommand == "" {
		c.Timeouts.AgentCommand = defaults.Timeouts.AgentCommand
	}
	if c.Timeouts.ShutdownGrace == "" {
		c.Timeouts.ShutdownGrace = defaults.Timeouts.ShutdownGrace
	}
	if c.Timeouts.ProcessStart == "" {
		c.Timeouts.ProcessStart = defaults.Timeouts.ProcessStart
	}

	if c.Events.Workers == 0 {
		c.Events.Workers = defaults.Events.Workers
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	for name, value := range map[string]string{
		"job_wait":        c.Timeouts.JobWait,
		"monitor_command": c.Timeouts.MonitorCommand,
		"agent_command":   c.Timeouts.AgentCommand,
		"shutdown_grace":  c.Timeouts.ShutdownGrace,
		"process_start":   c.Timeouts.ProcessStart,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("timeouts.%s: invalid duration %q: %w", name, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("timeouts.%s: must be positive, got %q", name, value)
		}
	}
	if c.Events.Workers < 1 {
		return fmt.Errorf("events.workers: must be >= 1, got %d", c.Events.Workers)
	}
	return nil
}
