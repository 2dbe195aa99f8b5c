package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rigup.app/requestctl"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reqctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, requestctl.DefaultConfig().MaxPerWindow, s.Controller.MaxPerWindow)
	assert.Equal(t, requestctl.DefaultTTL, s.Controller.TTL)
	assert.Empty(t, s.RedisAddr)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
ttl: 1d
window_size: 2s
max_per_window: 3
min_spacing: 0
backoff_cooldown: 10s
emergency_ceiling: 6
redis_addr: localhost:6379
backend: http://localhost:4000/
`)

	s, err := Load(path)
	require.NoError(t, err)

	cfg := s.Controller
	assert.Equal(t, 24*time.Hour, cfg.TTL)
	assert.Equal(t, 2*time.Second, cfg.WindowSize)
	assert.Equal(t, 3, cfg.MaxPerWindow)
	assert.Equal(t, time.Duration(0), cfg.MinSpacing)
	assert.Equal(t, 10*time.Second, cfg.BackoffCooldown)
	assert.Equal(t, requestctl.DefaultShortWindow, cfg.ShortWindow)
	assert.Equal(t, 6, cfg.EmergencyCeiling)
	assert.Equal(t, "localhost:6379", s.RedisAddr)
	assert.Equal(t, "http://localhost:4000", s.Backend)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "max_per_window: 3\nmin_spacing: 200ms\n")
	t.Setenv("RIGUP_MAX_PER_WINDOW", "8")
	t.Setenv("RIGUP_MIN_SPACING", "150ms")
	t.Setenv("RIGUP_EMERGENCY_CEILING", "not-a-number")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, s.Controller.MaxPerWindow)
	assert.Equal(t, 150*time.Millisecond, s.Controller.MinSpacing)
	assert.Equal(t, requestctl.DefaultEmergencyCeiling, s.Controller.EmergencyCeiling)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "ttl: [unterminated"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "ttl: soon"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "max_per_window: -1"))
	assert.ErrorIs(t, err, requestctl.ErrInvalidConfig)
}
