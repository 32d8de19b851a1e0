package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Bridge.Host)
	assert.Equal(t, 25575, cfg.Bridge.Port)
	assert.Equal(t, "ws://localhost:8080/events", cfg.Bridge.EventURL)
	assert.Equal(t, 2*time.Second, cfg.Bridge.AckTimeout)
	assert.Equal(t, 1024, cfg.Events.QueueSize)
	assert.Equal(t, SourceFile, cfg.Triggers.Source)
	assert.True(t, cfg.Triggers.Watch)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, time.Duration(0), cfg.Reconnect.MaxElapsed)
	assert.Empty(t, cfg.Redis.Address)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json
bridge:
  host: game.internal
  port: 4711
  credential: from-file
  ack_timeout: 750ms
  max_commands_per_second: 20
triggers:
  source: postgres
redis:
  address: redis:6379
`)
	t.Setenv("EFFECTS_BRIDGE_CREDENTIAL", "from-env")
	t.Setenv("EFFECTS_EVENTS_QUEUE_SIZE", "64")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "game.internal", cfg.Bridge.Host)
	assert.Equal(t, 4711, cfg.Bridge.Port)
	assert.Equal(t, "from-env", cfg.Bridge.Credential)
	assert.Equal(t, 750*time.Millisecond, cfg.Bridge.AckTimeout)
	assert.Equal(t, 20.0, cfg.Bridge.MaxCommandsPerSecond)
	assert.Equal(t, 64, cfg.Events.QueueSize)
	assert.Equal(t, SourcePostgres, cfg.Triggers.Source)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, `
bridge:
  port: 70000
  event_url: http://wrong
triggers:
  source: s3
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, "bridge.port")
	assert.ErrorContains(t, err, "bridge.event_url")
	assert.ErrorContains(t, err, "triggers.source")
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfig(t, "bridge: [unclosed")
	_, err := Load(path)
	assert.ErrorContains(t, err, "read config")
}
