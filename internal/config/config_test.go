package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Paths.StateDir != "/var/lib/qemubox/manager" {
		t.Errorf("expected StateDir /var/lib/qemubox/manager, got %s", cfg.Paths.StateDir)
	}
	if cfg.Paths.LogDir != "/var/log/qemubox" {
		t.Errorf("expected LogDir /var/log/qemubox, got %s", cfg.Paths.LogDir)
	}
	if cfg.Timeouts.JobWait != "30s" {
		t.Errorf("expected JobWait 30s, got %s", cfg.Timeouts.JobWait)
	}
	if cfg.Timeouts.GetJobWait() != 30*time.Second {
		t.Errorf("expected GetJobWait 30s, got %v", cfg.Timeouts.GetJobWait())
	}
	if cfg.Events.Workers != 4 {
		t.Errorf("expected 4 event workers, got %d", cfg.Events.Workers)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFrom_MissingFile(t *testing.T) {
	_, err := LoadFrom("/nonexistent/path/manager.json")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !os.IsNotExist(err) {
		t.Errorf("expected IsNotExist error, got: %v", err)
	}
}

func TestLoadFrom_InvalidJSON(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "manager.json")
	if err := os.WriteFile(configPath, []byte("{invalid json}"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(configPath)
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestLoadFrom_PartialConfigGetsDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "manager.json")
	content := `{"timeouts":{"job_wait":"5s"}}`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timeouts.GetJobWait() != 5*time.Second {
		t.Errorf("expected JobWait 5s, got %v", cfg.Timeouts.GetJobWait())
	}
	// Untouched fields fall back to defaults
	if cfg.Timeouts.MonitorCommand != "5s" {
		t.Errorf("expected default MonitorCommand, got %s", cfg.Timeouts.MonitorCommand)
	}
	if cfg.Paths.StateDir != "/var/lib/qemubox/manager" {
		t.Errorf("expected default StateDir, got %s", cfg.Paths.StateDir)
	}
}

func TestValidate_BadDurations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "invalid job_wait",
			mutate: func(c *Config) { c.Timeouts.JobWait = "soon" },
			want:   "job_wait",
		},
		{
			name:   "negative shutdown_grace",
			mutate: func(c *Config) { c.Timeouts.ShutdownGrace = "-1s" },
			want:   "shutdown_grace",
		},
		{
			name:   "zero workers",
			mutate: func(c *Config) { c.Events.Workers = -1 },
			want:   "events.workers",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}
