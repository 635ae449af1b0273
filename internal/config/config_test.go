package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.Server.Port, cfg.Server.Port)
	assert.Equal(t, "chat:broadcast", cfg.Redis.Channel)
	assert.Equal(t, 30, cfg.Gateway.HeartbeatSeconds)
	assert.Equal(t, 100, cfg.Retention.KeepLast)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")
	body := []byte(`
server:
  port: 9090
bus:
  driver: memory
gateway:
  historyonjoin: 20
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))
	t.Setenv("CHAT_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Bus.Driver)
	assert.Equal(t, 20, cfg.Gateway.HistoryOnJoin)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	// 未覆盖的字段保持默认值
	assert.Equal(t, 2000, cfg.Gateway.MaxContentRunes)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
}
