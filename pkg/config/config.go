// Package config loads and validates the docstore configuration.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (DOCSTORE_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config captures the static configuration of both server roles. A process
// runs either the naming manager or one storage server; both read the same
// file and use their own section.
type Config struct {
	// Log controls log output behavior
	Log LogConfig `mapstructure:"log" yaml:"log"`

	// NM configures the naming manager role
	NM NMConfig `mapstructure:"nm" yaml:"nm"`

	// SS configures the storage server role
	SS SSConfig `mapstructure:"ss" yaml:"ss"`
}

// LogConfig controls logging behavior.
type LogConfig struct {
	// Level is the minimum log level to output
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format (text or json)
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// NMConfig configures the naming manager.
type NMConfig struct {
	// Bind is the IP address to listen on; empty binds all interfaces
	Bind string `mapstructure:"bind" yaml:"bind"`

	// Port is the control port clients and storage servers connect to
	Port int `mapstructure:"port" validate:"required,gt=0,lte=65535" yaml:"port"`

	// StateFile is the path of the persisted state document
	StateFile string `mapstructure:"state_file" validate:"required" yaml:"state_file"`

	// ReplicaTarget is the number of replicas assigned per file
	ReplicaTarget int `mapstructure:"replica_target" validate:"gte=0" yaml:"replica_target"`

	// HeartbeatTimeout marks a storage server down after this much silence
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" validate:"required,gt=0" yaml:"heartbeat_timeout"`

	// MonitorInterval is the pause between liveness scans
	MonitorInterval time.Duration `mapstructure:"monitor_interval" validate:"required,gt=0" yaml:"monitor_interval"`

	// MaxConnections limits concurrent client connections; 0 is unlimited
	MaxConnections int `mapstructure:"max_connections" validate:"gte=0" yaml:"max_connections"`

	// ShutdownTimeout bounds the wait for connections to drain on stop
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// API configures the HTTP admin surface
	API APIConfig `mapstructure:"api" yaml:"api"`
}

// APIConfig configures the optional HTTP admin server of the naming manager.
type APIConfig struct {
	// Enabled starts the admin server alongside the control listener
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP listen port
	Port int `mapstructure:"port" validate:"omitempty,gt=0,lte=65535" yaml:"port"`

	// ReadTimeout and WriteTimeout bound request handling
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// SSConfig configures one storage server.
type SSConfig struct {
	// ID identifies this server to the naming manager; must be positive
	ID int `mapstructure:"id" validate:"required,gt=0" yaml:"id"`

	// Bind is the IP address to listen on; empty binds all interfaces
	Bind string `mapstructure:"bind" yaml:"bind"`

	// CtrlPort receives naming-manager control traffic
	CtrlPort int `mapstructure:"ctrl_port" validate:"required,gt=0,lte=65535" yaml:"ctrl_port"`

	// DataPort receives client data traffic
	DataPort int `mapstructure:"data_port" validate:"required,gt=0,lte=65535" yaml:"data_port"`

	// DataDir is the root under which this server keeps its files
	DataDir string `mapstructure:"data_dir" validate:"required" yaml:"data_dir"`

	// NMAddr and NMPort locate the naming manager
	NMAddr string `mapstructure:"nm_addr" validate:"required" yaml:"nm_addr"`
	NMPort int    `mapstructure:"nm_port" validate:"required,gt=0,lte=65535" yaml:"nm_port"`

	// HeartbeatInterval is the pause between heartbeats to the naming manager
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required,gt=0" yaml:"heartbeat_interval"`

	// MaxConnections limits concurrent connections; 0 is unlimited
	MaxConnections int `mapstructure:"max_connections" validate:"gte=0" yaml:"max_connections"`

	// ShutdownTimeout bounds the wait for connections to drain on stop
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// Load reads configuration from path (or the default search locations when
// path is empty), applies environment overrides and defaults, and validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("docstore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.docstore")
		v.AddConfigPath("/etc/docstore")
	}

	v.SetEnvPrefix("DOCSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Running on defaults is fine when no explicit file was requested.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded configuration against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("invalid config: field %q fails %q", e.Namespace(), e.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// WriteDefault writes a fully populated default configuration file at path,
// creating parent directories. It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %q already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	var cfg Config
	ApplyDefaults(&cfg)

	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("failed to write %q: %w", path, err)
	}
	return nil
}
