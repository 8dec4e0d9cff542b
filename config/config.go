// Package config loads and validates the engine's ambient tunables: the
// teacher's listen port and request backlog (here max_inflight) promoted
// to an overridable, validated YAML file. The block size is not
// configurable; it stays block.MaxBlockLength.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// Config is the full set of tunables a gorentd process needs beyond what
// each .torrent file itself specifies.
type Config struct {
	ListenPort  int    `yaml:"listen_port" validate:"min=1"`
	DownloadDir string `yaml:"download_dir" validate:"nonzero"`
	SessionFile string `yaml:"session_file" validate:"nonzero"`

	CheckIntervalSeconds int `yaml:"check_interval_seconds" validate:"min=1"`
	MaxFailures          int `yaml:"max_failures" validate:"min=1"`
	MaxInflight          int `yaml:"max_inflight" validate:"min=1"`

	HandshakeTimeoutSeconds  int `yaml:"handshake_timeout_seconds" validate:"min=1"`
	HTTPTrackerTimeoutSeconds int `yaml:"http_tracker_timeout_seconds" validate:"min=1"`
	UDPTrackerTimeoutSeconds int `yaml:"udp_tracker_timeout_seconds" validate:"min=1"`
}

// Defaults mirror the teacher's package-level constants and the spec's
// named intervals, now overridable.
var Defaults = Config{
	ListenPort:                6881,
	DownloadDir:               "./downloads",
	SessionFile:               "./session.json",
	CheckIntervalSeconds:      10,
	MaxFailures:               5,
	MaxInflight:               40,
	HandshakeTimeoutSeconds:   1,
	HTTPTrackerTimeoutSeconds: 15,
	UDPTrackerTimeoutSeconds:  3,
}

// Load reads a YAML config file at path, fills any zero-valued optional
// field from Defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: io-error: reading %s: %w", path, err)
	}

	cfg := Defaults
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: invalid-config: parsing %s: %w", path, err)
	}
	applyDefaults(&cfg)

	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid-config: %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenPort == 0 {
		cfg.ListenPort = Defaults.ListenPort
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = Defaults.DownloadDir
	}
	if cfg.SessionFile == "" {
		cfg.SessionFile = Defaults.SessionFile
	}
	if cfg.CheckIntervalSeconds == 0 {
		cfg.CheckIntervalSeconds = Defaults.CheckIntervalSeconds
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = Defaults.MaxFailures
	}
	if cfg.MaxInflight == 0 {
		cfg.MaxInflight = Defaults.MaxInflight
	}
	if cfg.HandshakeTimeoutSeconds == 0 {
		cfg.HandshakeTimeoutSeconds = Defaults.HandshakeTimeoutSeconds
	}
	if cfg.HTTPTrackerTimeoutSeconds == 0 {
		cfg.HTTPTrackerTimeoutSeconds = Defaults.HTTPTrackerTimeoutSeconds
	}
	if cfg.UDPTrackerTimeoutSeconds == 0 {
		cfg.UDPTrackerTimeoutSeconds = Defaults.UDPTrackerTimeoutSeconds
	}
}

// CheckInterval, HandshakeTimeout, HTTPTrackerTimeout, UDPTrackerTimeout
// convert the stored second counts to time.Duration for the engine.

func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

func (c *Config) HTTPTrackerTimeout() time.Duration {
	return time.Duration(c.HTTPTrackerTimeoutSeconds) * time.Second
}

func (c *Config) UDPTrackerTimeout() time.Duration {
	return time.Duration(c.UDPTrackerTimeoutSeconds) * time.Second
}
