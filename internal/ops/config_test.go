package ops

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
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{"venue":{"recipient":"0xrecipient","chainId":1}}`)
	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, loaded.Bus.DedupWindow)
	assert.Equal(t, 3, loaded.Orchestrator.MaxAttempts)
	assert.Equal(t, 120*time.Second, loaded.Orchestrator.AwaitReceiptTimeout)
	assert.Equal(t, 256, loaded.Coordinator.GapWindow)
	assert.Equal(t, 1024, loaded.Gateway.QueueDepth)
	assert.Equal(t, "uniswap_v3", loaded.Planner.Venue)
	assert.Equal(t, "0xrecipient", loaded.Planner.Recipient)
	assert.Equal(t, ":8080", loaded.GatewayListen)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"bus": {"dedupWindowSeconds": 30, "ackTimeoutSeconds": 2},
		"exec": {"maxAttempts": 5, "awaitReceiptTimeoutMs": 1000, "gapWindow": 16, "gapTimeoutSeconds": 5},
		"gateway": {"listen": ":9999", "queueDepth": 64},
		"venue": {"recipient": "0xrecipient", "chainId": 1}
	}`)
	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, loaded.Bus.DedupWindow)
	assert.Equal(t, 2*time.Second, loaded.Bus.AckTimeout)
	assert.Equal(t, 5, loaded.Orchestrator.MaxAttempts)
	assert.Equal(t, time.Second, loaded.Orchestrator.AwaitReceiptTimeout)
	assert.Equal(t, 16, loaded.Coordinator.GapWindow)
	assert.Equal(t, 5*time.Second, loaded.Coordinator.GapTimeout)
	assert.Equal(t, 64, loaded.Gateway.QueueDepth)
	assert.Equal(t, ":9999", loaded.GatewayListen)
}

func TestLoadRejectsUnknownVenue(t *testing.T) {
	path := writeConfig(t, `{"venue":{"name":"sushiswap","recipient":"0xrecipient"}}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRequiresRecipient(t *testing.T) {
	path := writeConfig(t, `{"venue":{"chainId":1}}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RECIPIENT_ADDRESS", "0xfromenv")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0xfromenv", loaded.Planner.Recipient)
	assert.Equal(t, "localhost:6379", loaded.Stores.RedisAddr)
}
