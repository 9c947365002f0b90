package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGlobalConfigDefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadGlobalConfig()
	require.NoError(t, err)

	assert.Equal(t, 600, cfg.Daemon.IdleTTLSeconds)
	assert.Equal(t, 2000, cfg.Daemon.ConnectTimeoutMS)
	assert.Equal(t, 10000, cfg.Daemon.StartTimeoutMS)
	assert.Equal(t, 16<<20, cfg.Daemon.MaxFrameBytes)
	assert.Equal(t, "cbor", cfg.Daemon.CodecID)
}

func TestLoadGlobalConfigEnvOverridesDefault(t *testing.T) {
	t.Setenv("LOOPBACK_SINGLETON_DAEMON_IDLE_TTL_SECONDS", "30")
	t.Setenv("LOOPBACK_SINGLETON_DAEMON_CODEC_ID", "json")

	cfg, err := LoadGlobalConfig()
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Daemon.IdleTTLSeconds)
	assert.Equal(t, "json", cfg.Daemon.CodecID)
}

func TestLoadGlobalConfigReadsFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	baseDir := filepath.Join(home, ".loopback-singleton")
	require.NoError(t, os.MkdirAll(baseDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "config.yml"), []byte(
		"daemon:\n  idle_ttl_seconds: 45\n  codec_id: json\n",
	), 0o644))

	cfg, err := LoadGlobalConfig()
	require.NoError(t, err)

	assert.Equal(t, 45, cfg.Daemon.IdleTTLSeconds)
	assert.Equal(t, "json", cfg.Daemon.CodecID)
}
