package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "signalhub.yaml", `
server:
  port: 31116
  lan_mask: 10.0.0.0/8
  serial: 3
  rendezvous_servers: [rs1.example, rs2.example]
  always_use_relay: true
  ws_origins: ["*.example.com"]
relay:
  servers: [relay1.example, "relay2.example:9000"]
  probe_interval: 5s
peer:
  peer_timeout: 20s
  degraded_threshold: 3
  critical_threshold: 6
database:
  path: /var/lib/signalhub/db.sqlite3
  pool_size: 8
  breaker_reset: 1m
logging:
  level: debug
telemetry:
  traces: true
  sample_ratio: 0.1
  export_interval: 30s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 31116 || cfg.Server.Serial != 3 || !cfg.Server.AlwaysUseRelay {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if len(cfg.Server.WSOrigins) != 1 || cfg.Server.WSOrigins[0] != "*.example.com" {
		t.Fatalf("unexpected websocket origins: %v", cfg.Server.WSOrigins)
	}
	if len(cfg.Relay.Servers) != 2 || cfg.Relay.ProbeInterval.Duration != 5*time.Second {
		t.Fatalf("unexpected relay config: %+v", cfg.Relay)
	}
	if cfg.Peer.PeerTimeout.Duration != 20*time.Second || cfg.Peer.CriticalThreshold != 6 {
		t.Fatalf("unexpected peer config: %+v", cfg.Peer)
	}
	if cfg.Peer.HeartbeatInterval.Duration != 60*time.Second {
		t.Fatalf("expected default sweep interval, got %s", cfg.Peer.HeartbeatInterval)
	}
	if cfg.Database.PoolSize != 8 || cfg.Database.BreakerReset.Duration != time.Minute {
		t.Fatalf("unexpected database config: %+v", cfg.Database)
	}
	if !cfg.Telemetry.Traces || cfg.Telemetry.SampleRatio != 0.1 || cfg.Telemetry.ExportInterval.Duration != 30*time.Second {
		t.Fatalf("unexpected telemetry config: %+v", cfg.Telemetry)
	}
	prefix, err := cfg.Server.LANPrefix()
	if err != nil || prefix.String() != "10.0.0.0/8" {
		t.Fatalf("unexpected lan prefix %v: %v", prefix, err)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "signalhub.toml", `
[server]
port = 21200
licence_key = "secret"

[relay]
servers = ["relay.example"]
probe_timeout = "2s"

[database]
driver = "postgres"
dsn = "postgres://signalhub@localhost/signalhub"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 21200 || cfg.Server.LicenceKey != "secret" {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Relay.ProbeTimeout.Duration != 2*time.Second {
		t.Fatalf("unexpected probe timeout %s", cfg.Relay.ProbeTimeout)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.Path != "" {
		t.Fatalf("unexpected database config: %+v", cfg.Database)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	yamlPath := writeFile(t, "bad.yaml", "server:\n  prot: 1\n")
	if _, err := Load(yamlPath); err == nil {
		t.Fatalf("expected unknown yaml key to fail")
	}
	tomlPath := writeFile(t, "bad.toml", "[server]\nprot = 1\n")
	if _, err := Load(tomlPath); err == nil || !strings.Contains(err.Error(), "server.prot") {
		t.Fatalf("expected unknown toml key error, got %v", err)
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	for _, name := range []string{"signalhub.yaml", "signalhub.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "conf", name)
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cfg.Server.Port != DefaultPort {
				t.Fatalf("unexpected default port %d", cfg.Server.Port)
			}
			if _, err := os.Stat(path); err != nil {
				t.Fatalf("expected default config to be written: %v", err)
			}
			reloaded, err := Load(path)
			if err != nil {
				t.Fatalf("reload: %v", err)
			}
			if reloaded.Peer.RenameCooldown.Duration != 5*time.Minute {
				t.Fatalf("durations should round trip, got %s", reloaded.Peer.RenameCooldown)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvPort, "30000")
	t.Setenv(EnvRelayServers, "a.example, b.example")
	t.Setenv(EnvKey, "c2VjcmV0")
	t.Setenv(EnvDB, "/tmp/signalhub.sqlite3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 30000 || cfg.Server.Key != "c2VjcmV0" {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if len(cfg.Relay.Servers) != 2 || cfg.Relay.Servers[1] != "b.example" {
		t.Fatalf("unexpected relays: %v", cfg.Relay.Servers)
	}
	if cfg.Database.Path != "/tmp/signalhub.sqlite3" {
		t.Fatalf("unexpected db path %q", cfg.Database.Path)
	}

	t.Setenv(EnvDB, "postgres://localhost/signalhub")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "postgres://localhost/signalhub" {
		t.Fatalf("expected dsn override, got %+v", cfg.Database)
	}

	t.Setenv(EnvPort, "not-a-port")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected invalid port to fail")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"port too high":   func(c *Config) { c.Server.Port = 65535 },
		"bad lan mask":    func(c *Config) { c.Server.LANMask = "not-a-cidr" },
		"bad driver":      func(c *Config) { c.Database.Driver = "mysql" },
		"postgres no dsn": func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" },
		"bad level":       func(c *Config) { c.Logging.Level = "loud" },
		"thresholds":      func(c *Config) { c.Peer.CriticalThreshold = 1 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := validate(Default()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
