package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalText parses human readable duration strings; TOML uses it.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ServerConfig covers the rendezvous listeners and what is advertised to
// clients.
type ServerConfig struct {
	// Port is the main UDP/TCP port; the NAT test listener uses Port-1 and
	// the WebSocket listener Port+2.
	Port              int      `yaml:"port" toml:"port"`
	LANMask           string   `yaml:"lan_mask" toml:"lan_mask"`
	Key               string   `yaml:"key" toml:"key"`
	KeyDir            string   `yaml:"key_dir" toml:"key_dir"`
	LicenceKey        string   `yaml:"licence_key" toml:"licence_key"`
	Serial            int32    `yaml:"serial" toml:"serial"`
	RendezvousServers []string `yaml:"rendezvous_servers" toml:"rendezvous_servers"`
	AlwaysUseRelay    bool     `yaml:"always_use_relay" toml:"always_use_relay"`
	SoftwareVersion   string   `yaml:"software_version" toml:"software_version"`
	SoftwareURL       string   `yaml:"software_url" toml:"software_url"`
	UDPWorkers        int      `yaml:"udp_workers" toml:"udp_workers"`
	UDPQueue          int      `yaml:"udp_queue" toml:"udp_queue"`
	StreamIdleTimeout Duration `yaml:"stream_idle_timeout" toml:"stream_idle_timeout"`
	WSOrigins         []string `yaml:"ws_origins" toml:"ws_origins"`
}

// RelayConfig lists the relay servers handed out to peers.
type RelayConfig struct {
	Servers       []string `yaml:"servers" toml:"servers"`
	ProbeInterval Duration `yaml:"probe_interval" toml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout" toml:"probe_timeout"`
}

// PeerConfig tunes liveness tracking and abuse limits.
type PeerConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	PeerTimeout       Duration `yaml:"peer_timeout" toml:"peer_timeout"`
	RegisterInterval  Duration `yaml:"register_interval" toml:"register_interval"`
	CleanupInterval   Duration `yaml:"cleanup_interval" toml:"cleanup_interval"`
	RenameCooldown    Duration `yaml:"rename_cooldown" toml:"rename_cooldown"`
	DegradedThreshold int      `yaml:"degraded_threshold" toml:"degraded_threshold"`
	CriticalThreshold int      `yaml:"critical_threshold" toml:"critical_threshold"`
	IPBlockWindow     Duration `yaml:"ip_block_window" toml:"ip_block_window"`
	IPBlockLimit      int      `yaml:"ip_block_limit" toml:"ip_block_limit"`
	IPDistinctWindow  Duration `yaml:"ip_distinct_window" toml:"ip_distinct_window"`
	IPDistinctLimit   int      `yaml:"ip_distinct_limit" toml:"ip_distinct_limit"`
	IPChangeWindow    Duration `yaml:"ip_change_window" toml:"ip_change_window"`
}

// DatabaseConfig selects the identity store.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver" toml:"driver"`
	Path             string   `yaml:"path" toml:"path"`
	DSN              string   `yaml:"dsn" toml:"dsn"`
	PoolSize         int      `yaml:"pool_size" toml:"pool_size"`
	BreakerThreshold int      `yaml:"breaker_threshold" toml:"breaker_threshold"`
	BreakerReset     Duration `yaml:"breaker_reset" toml:"breaker_reset"`
	StatusQueue      int      `yaml:"status_queue" toml:"status_queue"`
	StatusWorkers    int      `yaml:"status_workers" toml:"status_workers"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Env        string `yaml:"env" toml:"env"`
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint       string   `yaml:"endpoint" toml:"endpoint"`
	Insecure       bool     `yaml:"insecure" toml:"insecure"`
	Headers        string   `yaml:"headers" toml:"headers"`
	Metrics        bool     `yaml:"metrics" toml:"metrics"`
	Traces         bool     `yaml:"traces" toml:"traces"`
	SampleRatio    float64  `yaml:"sample_ratio" toml:"sample_ratio"`
	ExportInterval Duration `yaml:"export_interval" toml:"export_interval"`
}

// OpsConfig configures the health and metrics listener.
type OpsConfig struct {
	Listen   string `yaml:"listen" toml:"listen"`
	Disabled bool   `yaml:"disabled" toml:"disabled"`
}
