package main

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"signalhub/config"
	"signalhub/crypto"
)

func TestApplyFlagsOverridesConfig(t *testing.T) {
	cfg := config.Default()
	applyFlags(&cfg, 31000, "relay-a, relay-b:9000", "")
	require.Equal(t, 31000, cfg.Server.Port)
	require.Equal(t, []string{"relay-a", "relay-b:9000"}, cfg.Relay.Servers)
	require.Empty(t, cfg.Server.Key)

	applyFlags(&cfg, 0, "", "")
	require.Equal(t, 31000, cfg.Server.Port)
	require.Len(t, cfg.Relay.Servers, 2)
}

func TestRegistryConfigMapsPeerSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Peer.IPBlockLimit = 7
	cfg.Peer.RenameCooldown = config.Duration{Duration: time.Minute}

	rc := registryConfig(cfg.Peer)
	require.Equal(t, 15*time.Second, rc.PeerTimeout)
	require.Equal(t, 12*time.Second, rc.RegisterInterval)
	require.Equal(t, 7, rc.Abuse.ShortLimit)
	require.Equal(t, time.Minute, rc.Abuse.RenameCooldown)
	require.Equal(t, 24*time.Hour, rc.Abuse.LongWindow)
}

func TestLoadSigner(t *testing.T) {
	dir := t.TempDir()
	generated, err := loadSigner(config.ServerConfig{KeyDir: dir})
	require.NoError(t, err)

	reloaded, err := loadSigner(config.ServerConfig{KeyDir: dir})
	require.NoError(t, err)
	require.Equal(t, generated.PublicKey(), reloaded.PublicKey())

	explicit, err := crypto.GenerateSigner()
	require.NoError(t, err)
	fromKey, err := loadSigner(config.ServerConfig{Key: explicit.SecretKeyBase64(), KeyDir: dir})
	require.NoError(t, err)
	require.Equal(t, explicit.PublicKey(), fromKey.PublicKey())

	_, err = loadSigner(config.ServerConfig{Key: "not-a-key"})
	require.Error(t, err)
}

func TestStorageConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.sqlite3")
	sc, err := storageConfig(config.DatabaseConfig{Driver: "sqlite", Path: path, PoolSize: 3})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sc.DSN, "file:"))
	require.Contains(t, sc.DSN, "peers.sqlite3")
	require.Equal(t, 3, sc.PoolSize)

	sc, err = storageConfig(config.DatabaseConfig{Driver: "postgres", DSN: "postgres://localhost/signalhub"})
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/signalhub", sc.DSN)
}
