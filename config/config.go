package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the main rendezvous port.
const DefaultPort = 21116

// Environment variables overriding the most common settings.
const (
	EnvPort         = "SIGNALHUB_PORT"
	EnvRelayServers = "SIGNALHUB_RELAY_SERVERS"
	EnvKey          = "SIGNALHUB_KEY"
	EnvDB           = "SIGNALHUB_DB"
)

// Config captures runtime configuration for signalhubd.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Peer      PeerConfig      `yaml:"peer" toml:"peer"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Ops       OpsConfig       `yaml:"ops" toml:"ops"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// Load reads configuration from path. TOML is used for ".toml" files and YAML
// otherwise. A missing file is created with defaults; an empty path skips the
// file entirely. Environment overrides are applied before defaults and
// validation.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			cfg = Default()
			if err := persist(path, cfg); err != nil {
				return cfg, fmt.Errorf("write default config: %w", err)
			}
		} else if err != nil {
			return cfg, fmt.Errorf("stat config: %w", err)
		} else if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func decodeFile(path string, cfg *Config) error {
	if isTOML(path) {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			return fmt.Errorf("decode config: unknown keys %s", strings.Join(keys, ", "))
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func persist(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isTOML(path) {
		return toml.NewEncoder(f).Encode(cfg)
	}
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if raw, ok := lookup(EnvPort); ok && strings.TrimSpace(raw) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Server.Port = port
	}
	if raw, ok := lookup(EnvRelayServers); ok && strings.TrimSpace(raw) != "" {
		cfg.Relay.Servers = splitList(raw)
	}
	if raw, ok := lookup(EnvKey); ok && strings.TrimSpace(raw) != "" {
		cfg.Server.Key = strings.TrimSpace(raw)
	}
	if raw, ok := lookup(EnvDB); ok && strings.TrimSpace(raw) != "" {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "://") || strings.Contains(raw, "=") {
			cfg.Database.DSN = raw
		} else {
			cfg.Database.Path = raw
		}
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func setDuration(d *Duration, def time.Duration) {
	if d.Duration == 0 {
		d.Duration = def
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.LANMask == "" {
		cfg.Server.LANMask = "192.168.0.0/16"
	}
	if cfg.Server.KeyDir == "" {
		cfg.Server.KeyDir = "."
	}
	if cfg.Server.UDPWorkers <= 0 {
		cfg.Server.UDPWorkers = 8
	}
	if cfg.Server.UDPQueue <= 0 {
		cfg.Server.UDPQueue = 4096
	}
	setDuration(&cfg.Server.StreamIdleTimeout, 20*time.Second)
	if len(cfg.Server.WSOrigins) == 0 {
		cfg.Server.WSOrigins = []string{"*"}
	}

	setDuration(&cfg.Relay.ProbeInterval, 3*time.Second)
	setDuration(&cfg.Relay.ProbeTimeout, 3*time.Second)

	setDuration(&cfg.Peer.HeartbeatInterval, 60*time.Second)
	setDuration(&cfg.Peer.PeerTimeout, 15*time.Second)
	setDuration(&cfg.Peer.RegisterInterval, 12*time.Second)
	setDuration(&cfg.Peer.CleanupInterval, 5*time.Minute)
	setDuration(&cfg.Peer.RenameCooldown, 5*time.Minute)
	if cfg.Peer.DegradedThreshold <= 0 {
		cfg.Peer.DegradedThreshold = 2
	}
	if cfg.Peer.CriticalThreshold <= 0 {
		cfg.Peer.CriticalThreshold = 3
	}
	setDuration(&cfg.Peer.IPBlockWindow, 60*time.Second)
	if cfg.Peer.IPBlockLimit <= 0 {
		cfg.Peer.IPBlockLimit = 30
	}
	setDuration(&cfg.Peer.IPDistinctWindow, 24*time.Hour)
	if cfg.Peer.IPDistinctLimit <= 0 {
		cfg.Peer.IPDistinctLimit = 300
	}
	setDuration(&cfg.Peer.IPChangeWindow, 180*time.Second)

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" && cfg.Database.DSN == "" {
		cfg.Database.Path = "./db_v2.sqlite3"
	}
	if cfg.Database.PoolSize <= 0 {
		cfg.Database.PoolSize = 5
	}
	if cfg.Database.BreakerThreshold <= 0 {
		cfg.Database.BreakerThreshold = 5
	}
	setDuration(&cfg.Database.BreakerReset, 30*time.Second)
	if cfg.Database.StatusQueue <= 0 {
		cfg.Database.StatusQueue = 1024
	}
	if cfg.Database.StatusWorkers <= 0 {
		cfg.Database.StatusWorkers = 2
	}

	if cfg.Logging.Env == "" {
		cfg.Logging.Env = "prod"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays <= 0 {
		cfg.Logging.MaxAgeDays = 28
	}

	if cfg.Ops.Listen == "" {
		cfg.Ops.Listen = "127.0.0.1:21120"
	}
}
