package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadMergesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "10-base.toml", `
[pacman]
sysroot = "/sysroot"
ostree_server = "https://ota.example.com/treehub"
tags = "main, premerge"

[provision]
primary_ecu_hardware_id = "intel-corei7-64"
`)
	writeConfig(t, dir, "90-override.toml", `
[pacman]
ostree_server = "https://mirror.example.com/treehub"
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/sysroot", cfg.SysrootPath)
	assert.Equal(t, "https://mirror.example.com/treehub", cfg.OstreeServer)
	assert.Equal(t, []string{"main", "premerge"}, cfg.Tags)
	assert.Equal(t, "intel-corei7-64", cfg.HardwareID)
}

func TestLoadSkipsMissingPaths(t *testing.T) {
	cfg, err := Load("/does/not/exist")
	require.NoError(t, err)
	assert.Equal(t, "/sysroot", cfg.SysrootPath)
	assert.Equal(t, DefaultStorageWatermark, cfg.StorageWatermark)
}

func TestTruthy(t *testing.T) {
	assert.True(t, Truthy("1"))
	assert.True(t, Truthy("true"))
	assert.True(t, Truthy("yes"))
	assert.False(t, Truthy("0"))
	assert.False(t, Truthy("false"))
}

func TestUpdateBlock(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "z.toml", `
[pacman]
bootupgrade_available_blocker = "1"
`)
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, cfg.UpdateBlock)
}

func TestWatermarkClamping(t *testing.T) {
	for _, tc := range []struct {
		raw  string
		want int
	}{
		{"30", 50},
		{"99", 95},
		{"abc", 90},
		{"", 90},
		{"75", 75},
		{"50", 50},
		{"95", 95},
	} {
		t.Run(tc.raw, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, "w.toml", "[pacman]\nsysroot_storage_watermark = \""+tc.raw+"\"\n")
			cfg, err := Load(dir)
			require.NoError(t, err)
			assert.Equal(t, tc.want, cfg.StorageWatermark)
		})
	}
}
