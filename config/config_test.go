package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "gorent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaultsForZeroFields(t *testing.T) {
	path := writeConfig(t, "download_dir: /tmp/x\nsession_file: /tmp/session.json\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Defaults.ListenPort, cfg.ListenPort)
	assert.Equal(t, Defaults.MaxInflight, cfg.MaxInflight)
	assert.Equal(t, "/tmp/x", cfg.DownloadDir)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, "listen_port: 7000\ndownload_dir: /tmp/x\nsession_file: /tmp/session.json\nmax_inflight: 10\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.ListenPort)
	assert.Equal(t, 10, cfg.MaxInflight)
}

func TestLoadRejectsInvalidField(t *testing.T) {
	path := writeConfig(t, "download_dir: /tmp/x\nsession_file: /tmp/session.json\nmax_failures: -1\n")
	cfg, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Defaults
	assert.Equal(t, 10.0, cfg.CheckInterval().Seconds())
}
