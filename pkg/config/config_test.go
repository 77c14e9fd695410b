package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/served/pkg/log"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "served.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store_path: /var/lib/served/served.db\nqueue_capacity: 32\nlog_level: debug\nlog_json: true\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/served/served.db", cfg.StorePath)
	require.Equal(t, 32, cfg.QueueCapacity)
	require.Equal(t, "debug", cfg.LogLevel)
	require.True(t, cfg.LogJSON)
}

func TestLogLevelValue_FallsBackToInfo(t *testing.T) {
	cfg := Config{LogLevel: "verbose"}
	require.Equal(t, log.InfoLevel, cfg.LogLevelValue())
}
