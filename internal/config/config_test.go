package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
env: development
api:
  base_url: http://localhost:8080
hub:
  chat_url: ws://localhost:8080/hubs/chat
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.API.BaseURL)
	assert.Equal(t, 300, cfg.API.RateLimitPerMinute)
	assert.Equal(t, 10, cfg.Hub.MaxReconnectAttempts)
	assert.Equal(t, 3, cfg.Chat.MaxOpenWindows)
	assert.Equal(t, 50, cfg.Chat.HistoryPageSize)
	assert.Equal(t, "chatsync", cfg.Redis.Prefix)

	assert.Equal(t, 15*time.Second, cfg.APITimeout)
	assert.Equal(t, 20*time.Second, cfg.APIRetryElapsed)
	assert.Equal(t, 25*time.Second, cfg.PingInterval)
	assert.Equal(t, 300*time.Millisecond, cfg.TypingDebounce)
	assert.Equal(t, 3*time.Second, cfg.TypingExpiry)
}

func TestLoadExplicitValuesWin(t *testing.T) {
	path := writeConfig(t, `
env: production
api:
  base_url: https://crm.example.com
  timeout_seconds: 5
hub:
  chat_url: wss://crm.example.com/hubs/chat
  operator_url: wss://crm.example.com/hubs/operator
  invoke_timeout_seconds: 7
  max_reconnect_attempts: 4
chat:
  max_open_windows: 2
  typing_debounce_ms: 150
redis:
  addr: localhost:6379
  prefix: myapp
metrics_port: 9999
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, 5*time.Second, cfg.APITimeout)
	assert.Equal(t, 7*time.Second, cfg.InvokeTimeout)
	assert.Equal(t, 4, cfg.Hub.MaxReconnectAttempts)
	assert.Equal(t, 2, cfg.Chat.MaxOpenWindows)
	assert.Equal(t, 150*time.Millisecond, cfg.TypingDebounce)
	assert.Equal(t, "myapp", cfg.Redis.Prefix)
	assert.Equal(t, 9999, cfg.MetricsPort)
	assert.Equal(t, "wss://crm.example.com/hubs/operator", cfg.Hub.OperatorURL)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
