package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "afd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0640))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfigFile(t, "workDir: /srv/afd\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/afd", cfg.WorkDir)
	require.Equal(t, "/srv/afd/fifodir", cfg.FifoDir)
	require.Equal(t, "/srv/afd/files", cfg.FilesDir)
	require.Equal(t, "/srv/afd/log", cfg.LogDir)
	require.Equal(t, 5*time.Second, cfg.Poll.DirCheckInterval)
	require.Equal(t, 15*time.Minute, cfg.Poll.ArchiveStepTime)
	require.Equal(t, 1, cfg.Workers.MaxBurst)
	require.Equal(t, "info", cfg.Logging.Level)
	require.True(t, cfg.Metrics.Enabled)
}

func TestLoadHonorsExplicitOverrides(t *testing.T) {
	path := writeConfigFile(t, `
workDir: /srv/afd
fifoDir: /srv/afd/custom-fifo
poll:
  dirCheckInterval: 30s
workers:
  maxBurst: 4
logging:
  level: debug
  jsonOutput: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/afd/custom-fifo", cfg.FifoDir)
	require.Equal(t, 30*time.Second, cfg.Poll.DirCheckInterval)
	require.Equal(t, 4, cfg.Workers.MaxBurst)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Logging.JSONOutput)
}

func TestLoadMissingWorkDirFails(t *testing.T) {
	path := writeConfigFile(t, "logging:\n  level: debug\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsZeroMaxBurst(t *testing.T) {
	path := writeConfigFile(t, "workDir: /srv/afd\nworkers:\n  maxBurst: 0\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := defaults()
	cfg.WorkDir = "/srv/afd"
	require.NoError(t, cfg.Validate())

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path, &cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.WorkDir, loaded.WorkDir)
	require.Equal(t, cfg.Workers.MaxBurst, loaded.Workers.MaxBurst)
}
