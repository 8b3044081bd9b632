package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "weft.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := unmarshal(NewViper())
	require.NoError(t, err)

	assert.Equal(t, "weft.db", cfg.Database.Path)
	assert.Equal(t, 8357, cfg.Server.Port)
	assert.NotEmpty(t, cfg.Server.AllowedOrigins)
	assert.Equal(t, 200, cfg.Hub.BacklogSize)
	assert.Contains(t, cfg.Forward.ExcludedTypes, "heartbeat")
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Log.JSON)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
[database]
path = "/tmp/custom.db"

[server]
port = 9000

[log]
level = "debug"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", cfg.Database.Path)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 200, cfg.Hub.BacklogSize, "unset keys keep defaults")
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "weft.toml"))
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("WEFT_SERVER_PORT", "7777")
	t.Setenv("WEFT_DATABASE_PATH", "/tmp/env.db")

	cfg, err := unmarshal(NewViper())
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "[server]\nport = 9000\n")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Stop()
	w.debounce = 20 * time.Millisecond

	var mu sync.Mutex
	var got []*Config
	w.OnReload(func(cfg *Config) error {
		mu.Lock()
		got = append(got, cfg)
		mu.Unlock()
		return nil
	})
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 9001\n"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 9001, got[len(got)-1].Server.Port)
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("weft.toml~"))
	assert.True(t, isBackupFile(".weft.toml.swp"))
	assert.False(t, isBackupFile("weft.toml"))
}
