package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := &Config{
		DefaultSession: "work",
		Server:         ServerConfig{BaseURL: "https://chat.example.com", APIKey: "key"},
		Sync:           SyncConfig{QueryPageSize: 50},
	}
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "work", loaded.DefaultSession)
	require.Equal(t, "https://chat.example.com", loaded.Server.BaseURL)
	require.Equal(t, 50, loaded.Sync.QueryPageSize)
	require.Equal(t, 1, loaded.Sync.WatchMessageLimit, "default filled in")
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	require.Error(t, err)
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, cfg.Sync.ReconnectMin())
	require.Equal(t, 30*time.Second, cfg.Sync.ReconnectMax())
}

func TestValidate(t *testing.T) {
	err := Default().Validate()
	require.ErrorContains(t, err, "server.token")

	cfg := Default()
	cfg.Server = ServerConfig{BaseURL: "http://x", WSURL: "ws://x", APIKey: "k", Token: "t"}
	require.NoError(t, cfg.Validate())
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, Save(path, &Config{DefaultSession: "main"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
