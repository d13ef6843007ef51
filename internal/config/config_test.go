package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir is t.Chdir from Go 1.24+, unavailable on this toolchain.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", cfg.BackendURL)
	assert.Equal(t, 16000, cfg.SampleRate)
	assert.Equal(t, 3, cfg.RestartAttempts)
	assert.Equal(t, 5, cfg.RebuildAttempts)
	assert.Equal(t, 5*time.Second, cfg.RestartBackoffCap)
	assert.Equal(t, 10*time.Second, cfg.RebuildBackoffCap)
	assert.Equal(t, 3*time.Second, cfg.QualityInterval)
	assert.Equal(t, 2*time.Second, cfg.TranscribeStartDelay)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := []byte(`backend_url: "https://api.example.com"
sample_rate: 24000
restart_attempts: 7
quality_interval: "1s"
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), yaml, 0o644))

	t.Setenv("CONFIG_ENV", "test")
	chdir(t, dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.BackendURL)
	assert.Equal(t, 24000, cfg.SampleRate)
	assert.Equal(t, 7, cfg.RestartAttempts)
	assert.Equal(t, time.Second, cfg.QualityInterval)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, 3, cfg.ExchangeAttempts)
	assert.Equal(t, "gpt-4o-realtime-preview-2024-12-17", cfg.RealtimeModel)
}
