// Package config provides configuration management for rdmabench.
//
// Configuration is loaded with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (RDMABENCH_* prefix)
//  3. Configuration file (rdmabench.yaml)
//  4. Default values (lowest priority)
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/piwi3910/rdmabench/internal/engine"
	"github.com/piwi3910/rdmabench/internal/proto"
)

// Config holds all configuration for rdmabench.
type Config struct {
	// Target is the fabric address the initiator connects to and the
	// responder listens on.
	Target string `mapstructure:"target"`

	// Mode selects the transfer semantics: write, read, send or recv.
	Mode string `mapstructure:"mode"`

	// Device is the RDMA device name. Empty selects the default device.
	Device string `mapstructure:"device"`

	// MaxBlockSize is the largest per-request payload in bytes.
	MaxBlockSize uint32 `mapstructure:"max_block_size"`

	// IODepth bounds outstanding requests per connection.
	IODepth int `mapstructure:"io_depth"`

	// Requests is how many transfers the initiator issues in total.
	Requests int `mapstructure:"requests"`

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// HandshakeGrace is the pause after the handshake before the first
	// transfer.
	HandshakeGrace time.Duration `mapstructure:"handshake_grace"`

	// MetricsAddr, when set, serves Prometheus metrics on this address.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// LogLevel sets zerolog verbosity: trace, debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
}

// Options carries command-line overrides into Load.
type Options struct {
	Target   string
	Mode     string
	IODepth  int
	Requests int
}

// Load loads configuration from file, environment and command line options.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("rdmabench")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rdmabench")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("RDMABENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Target != "" {
		v.Set("target", opts.Target)
	}
	if opts.Mode != "" {
		v.Set("mode", opts.Mode)
	}
	if opts.IODepth != 0 {
		v.Set("io_depth", opts.IODepth)
	}
	if opts.Requests != 0 {
		v.Set("requests", opts.Requests)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := engine.DefaultConfig()

	v.SetDefault("target", "rdmabench0")
	v.SetDefault("mode", "write")
	v.SetDefault("device", def.DeviceName)
	v.SetDefault("max_block_size", def.MaxBlockSize)
	v.SetDefault("io_depth", def.IODepth)
	v.SetDefault("requests", 1024)
	v.SetDefault("connect_timeout", def.ConnectTimeout)
	v.SetDefault("handshake_grace", def.HandshakeGrace)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")
}

func (c *Config) validate() error {
	if c.Target == "" {
		return fmt.Errorf("target must not be empty")
	}
	if _, err := proto.ParseMode(c.Mode); err != nil {
		return err
	}
	if c.IODepth < 1 || c.IODepth > proto.MaxDepth {
		return fmt.Errorf("io_depth %d out of range [1, %d]", c.IODepth, proto.MaxDepth)
	}
	if c.MaxBlockSize == 0 {
		return fmt.Errorf("max_block_size must be positive")
	}
	if c.Requests < 1 {
		return fmt.Errorf("requests must be positive")
	}
	return nil
}

// EngineConfig converts the loaded configuration into engine tunables.
func (c *Config) EngineConfig() (engine.Config, error) {
	mode, err := proto.ParseMode(c.Mode)
	if err != nil {
		return engine.Config{}, err
	}

	ec := engine.DefaultConfig()
	ec.Mode = mode
	ec.MaxBlockSize = c.MaxBlockSize
	ec.IODepth = c.IODepth
	ec.DeviceName = c.Device
	if c.ConnectTimeout > 0 {
		ec.ConnectTimeout = c.ConnectTimeout
	}
	if c.HandshakeGrace >= 0 {
		ec.HandshakeGrace = c.HandshakeGrace
	}

	return ec, nil
}
