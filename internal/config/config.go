// Package config handles YAML and environment configuration for asgdns.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read on top of the config file.
const (
	EnvUsePublicIP = "use_public_ip"
	EnvConfigPath  = "ASGDNS_CONFIG"
	EnvRegion      = "AWS_REGION"
)

// DefaultTagKey is the ASG tag holding "<hostname pattern>@<zone id>".
const DefaultTagKey = "asg:hostname_pattern"

// Config is the root configuration structure.
type Config struct {
	AWS   AWSConfig   `yaml:"aws"`
	DNS   DNSConfig   `yaml:"dns"`
	Log   LogConfig   `yaml:"log"`
	OTEL  OTELConfig  `yaml:"otel"`
	Serve ServeConfig `yaml:"serve"`
	Poll  PollConfig  `yaml:"poll"`
}

// AWSConfig holds AWS client settings.
type AWSConfig struct {
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
}

// DNSConfig holds record management settings.
type DNSConfig struct {
	UsePublicIP bool   `yaml:"use_public_ip"`
	TagKey      string `yaml:"tag_key"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled    bool `yaml:"enabled"`
	Prometheus bool `yaml:"prometheus"`
}

// ServeConfig holds the SNS HTTP endpoint settings.
type ServeConfig struct {
	Listen       string        `yaml:"listen"`
	TopicARNs    []string      `yaml:"topic_arns"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PollConfig holds the SQS poller settings.
type PollConfig struct {
	QueueURL    string `yaml:"queue_url"`
	WaitSeconds int32  `yaml:"wait_seconds"`
	MaxMessages int32  `yaml:"max_messages"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML config file. An empty path yields defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(cfg)
	applyEnv(cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DNS.TagKey == "" {
		cfg.DNS.TagKey = DefaultTagKey
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "asgdns"
	}
	if cfg.OTEL.Traces.SampleRate == 0 {
		cfg.OTEL.Traces.SampleRate = 1.0
	}
	if cfg.Serve.Listen == "" {
		cfg.Serve.Listen = ":8080"
	}
	if cfg.Serve.ReadTimeout == 0 {
		cfg.Serve.ReadTimeout = 10 * time.Second
	}
	if cfg.Serve.WriteTimeout == 0 {
		cfg.Serve.WriteTimeout = 60 * time.Second
	}
	if cfg.Poll.WaitSeconds == 0 {
		cfg.Poll.WaitSeconds = 20
	}
	if cfg.Poll.MaxMessages == 0 {
		cfg.Poll.MaxMessages = 1
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvUsePublicIP); ok {
		cfg.DNS.UsePublicIP = ParsePublicIPFlag(v)
	}
	if v, ok := lookup(EnvRegion); ok && cfg.AWS.Region == "" {
		cfg.AWS.Region = v
	}
}

// ParsePublicIPFlag decodes the use_public_ip flag. Only the literal "true"
// selects the public address.
func ParsePublicIPFlag(v string) bool {
	return v == "true"
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log: format must be json or console (got %q)", c.Log.Format)
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	if c.Poll.WaitSeconds < 0 || c.Poll.WaitSeconds > 20 {
		return fmt.Errorf("poll: wait_seconds must be between 0 and 20 (got %d)", c.Poll.WaitSeconds)
	}
	if c.Poll.MaxMessages < 1 || c.Poll.MaxMessages > 10 {
		return fmt.Errorf("poll: max_messages must be between 1 and 10 (got %d)", c.Poll.MaxMessages)
	}
	return nil
}
