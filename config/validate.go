package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
)

// LANPrefix parses the LAN mask used to detect peers on the same network.
func (s ServerConfig) LANPrefix() (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(s.LANMask))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("server.lan_mask: %w", err)
	}
	return prefix.Masked(), nil
}

// SlogLevel maps the configured level name onto slog.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

func validate(cfg Config) error {
	// The NAT test listener binds Port-1 and the WebSocket listener Port+2.
	if cfg.Server.Port < 2 || cfg.Server.Port > 65533 {
		return fmt.Errorf("server.port: %d out of range [2, 65533]", cfg.Server.Port)
	}
	if _, err := cfg.Server.LANPrefix(); err != nil {
		return err
	}
	if cfg.Peer.PeerTimeout.Duration <= 0 || cfg.Peer.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("peer: heartbeat_interval and peer_timeout must be positive")
	}
	if cfg.Peer.CriticalThreshold < cfg.Peer.DegradedThreshold {
		return fmt.Errorf("peer: critical_threshold < degraded_threshold")
	}
	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		if cfg.Database.Path == "" && cfg.Database.DSN == "" {
			return fmt.Errorf("database: path or dsn required")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database: dsn required for postgres")
		}
	default:
		return fmt.Errorf("database.driver: unsupported %q", cfg.Database.Driver)
	}
	if _, err := cfg.Logging.SlogLevel(); err != nil {
		return err
	}
	return nil
}
