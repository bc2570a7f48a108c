package config

import (
	"strings"
	"time"
)

// ApplyDefaults fills unset fields with working values. Zero values are
// replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLogDefaults(&cfg.Log)
	applyNMDefaults(&cfg.NM)
	applySSDefaults(&cfg.SS)
}

func applyLogDefaults(cfg *LogConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyNMDefaults(cfg *NMConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9000
	}
	if cfg.StateFile == "" {
		cfg.StateFile = "nm_state.json"
	}
	if cfg.ReplicaTarget == 0 {
		cfg.ReplicaTarget = 1
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 6 * time.Second
	}
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.API.Enabled && cfg.API.Port == 0 {
		cfg.API.Port = 9090
	}
	if cfg.API.ReadTimeout == 0 {
		cfg.API.ReadTimeout = 10 * time.Second
	}
	if cfg.API.WriteTimeout == 0 {
		cfg.API.WriteTimeout = 10 * time.Second
	}
}

func applySSDefaults(cfg *SSConfig) {
	if cfg.ID == 0 {
		cfg.ID = 1
	}
	if cfg.CtrlPort == 0 {
		cfg.CtrlPort = 9101
	}
	if cfg.DataPort == 0 {
		cfg.DataPort = 9201
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "ss_data"
	}
	if cfg.NMAddr == "" {
		cfg.NMAddr = "127.0.0.1"
	}
	if cfg.NMPort == 0 {
		cfg.NMPort = 9000
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}
