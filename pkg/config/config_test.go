package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDirectorConfigDefaults(t *testing.T) {
	cfg, err := LoadDirectorConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":9876", cfg.Addr)
	assert.Equal(t, 256, cfg.OutboxCapacity)
}

func TestLoadDirectorConfigEnvOverride(t *testing.T) {
	t.Setenv("BIKANPE_ADDR", ":9999")
	t.Setenv("BIKANPE_SLOW_CONSUMER_MAX", "3")
	cfg, err := LoadDirectorConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 3, cfg.SlowConsumerMax)
}

func TestLoadDirectorConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "director.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"addr":":1234","server_name":"dir-1"}`), 0o644))

	cfg, err := LoadDirectorConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":1234", cfg.Addr)
	assert.Equal(t, "dir-1", cfg.ServerName)
}

func TestLoadCasterConfigEnvOverridesDisplayMonitors(t *testing.T) {
	t.Setenv("BIKANPE_DISPLAY_MONITOR_IDS", "mon-1, mon-2,mon-3")
	cfg, err := LoadCasterConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{"mon-1", "mon-2", "mon-3"}, cfg.DisplayMonitorIDs)
}

func TestSplitCSVTrimsAndDropsEmpty(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a , ,b"))
	assert.Nil(t, splitCSV(""))
}
