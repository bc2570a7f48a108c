package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	ApplyDefaults(&cfg)

	if cfg.Log.Level != "INFO" {
		t.Errorf("Log.Level = %q, want INFO", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want text", cfg.Log.Format)
	}
	if cfg.NM.HeartbeatTimeout != 6*time.Second {
		t.Errorf("NM.HeartbeatTimeout = %v, want 6s", cfg.NM.HeartbeatTimeout)
	}
	if cfg.NM.MonitorInterval != time.Second {
		t.Errorf("NM.MonitorInterval = %v, want 1s", cfg.NM.MonitorInterval)
	}
	if cfg.NM.ReplicaTarget != 1 {
		t.Errorf("NM.ReplicaTarget = %d, want 1", cfg.NM.ReplicaTarget)
	}
	if cfg.SS.ID != 1 {
		t.Errorf("SS.ID = %d, want 1", cfg.SS.ID)
	}
}

func TestApplyDefaultsPreservesExplicit(t *testing.T) {
	cfg := Config{}
	cfg.Log.Level = "debug"
	cfg.NM.Port = 7777
	ApplyDefaults(&cfg)

	if cfg.Log.Level != "DEBUG" {
		t.Errorf("Log.Level = %q, want DEBUG (normalized)", cfg.Log.Level)
	}
	if cfg.NM.Port != 7777 {
		t.Errorf("NM.Port = %d, want 7777", cfg.NM.Port)
	}
}

func TestValidateDefaultsPass(t *testing.T) {
	var cfg Config
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}

func TestValidateRejectsBadLevel(t *testing.T) {
	var cfg Config
	ApplyDefaults(&cfg)
	cfg.Log.Level = "LOUD"
	if err := Validate(&cfg); err == nil {
		t.Error("Validate() accepted invalid log level")
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	var cfg Config
	ApplyDefaults(&cfg)
	cfg.NM.Port = 700000
	if err := Validate(&cfg); err == nil {
		t.Error("Validate() accepted out-of-range port")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docstore.yaml")
	data := []byte("log:\n  level: debug\nnm:\n  port: 9555\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "DEBUG" {
		t.Errorf("Log.Level = %q, want DEBUG", cfg.Log.Level)
	}
	if cfg.NM.Port != 9555 {
		t.Errorf("NM.Port = %d, want 9555", cfg.NM.Port)
	}
	// Unset sections still get defaults.
	if cfg.SS.DataDir != "ss_data" {
		t.Errorf("SS.DataDir = %q, want ss_data", cfg.SS.DataDir)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() with a missing explicit path should fail")
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "docstore.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of generated file error = %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("generated config does not validate: %v", err)
	}

	if err := WriteDefault(path); err == nil {
		t.Error("WriteDefault() overwrote an existing file")
	}
}
