// ABOUTME: Tests for configuration loading, validation and hot-reload diffing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and the file watcher

package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Gateway.SessionTimeout)
	assert.Equal(t, 300*time.Second, cfg.Gateway.SuspendTimeout)
	assert.Equal(t, 30*time.Second, cfg.Gateway.HealthCheckInterval)
	assert.Equal(t, 256, cfg.Gateway.LaneCapacity)
	assert.Equal(t, 100000, cfg.Gateway.MaxConversations)
	assert.Equal(t, 24*time.Hour, cfg.Gateway.ConversationTTL)
	assert.Equal(t, ScopeSender, cfg.Gateway.DefaultConversationScope)
	assert.Equal(t, 5, cfg.Breaker.Threshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Cooldown)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("TEST_CONTROL_KEY", "secret-key")

	path := writeConfig(t, "config.yaml", `
server:
  host: "127.0.0.1"
  port: 19000
control_api:
  url: "https://control.example.com"
  key: "${TEST_CONTROL_KEY}"
  timeout: "2s"
gateway:
  session_timeout: "90s"
  suspend_timeout: "10m"
  lane_capacity: 64
  default_conversation_scope: "thread"
breaker:
  cooldown: "1m"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:19000", cfg.Server.Addr())
	assert.Equal(t, "secret-key", cfg.ControlAPI.Key)
	assert.Equal(t, 2*time.Second, cfg.ControlAPI.Timeout)
	assert.Equal(t, 90*time.Second, cfg.Gateway.SessionTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Gateway.SuspendTimeout)
	assert.Equal(t, 64, cfg.Gateway.LaneCapacity)
	assert.Equal(t, ScopeThread, cfg.Gateway.DefaultConversationScope)
	assert.Equal(t, time.Minute, cfg.Breaker.Cooldown)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 100000, cfg.Gateway.MaxConversations)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
port = 20000

[gateway]
health_check_interval = "15s"
max_frames_per_second = 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20000, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Gateway.HealthCheckInterval)
	assert.Equal(t, 10, cfg.Gateway.MaxFramesPerSecond)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad duration", "gateway:\n  session_timeout: \"soon\"\n", "gateway.session_timeout"},
		{"zero capacity", "gateway:\n  lane_capacity: 0\n", "gateway.lane_capacity"},
		{"bad scope", "gateway:\n  default_conversation_scope: \"planet\"\n", "gateway.default_conversation_scope"},
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{"tailscale without hostname", "tailscale:\n  enabled: true\n", "tailscale.hostname"},
		{"short jwt secret", "auth:\n  jwt_secret: \"short\"\n", "auth.jwt_secret"},
		{"bad log level", "logging:\n  level: \"loud\"\n", "logging.level"},
		{"invalid yaml", "gateway: [\n", "parsing config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestExpandEnvVars_Unset(t *testing.T) {
	assert.Equal(t, "key: ", expandEnvVars("key: ${FLEET_TEST_DEFINITELY_UNSET}"))
}

func TestCompare(t *testing.T) {
	prev := Default()
	next := Default()
	next.Gateway.SessionTimeout = 2 * time.Minute
	next.Gateway.LaneCapacity = 32
	next.Server.Port = 9999
	next.ControlAPI.URL = "https://other.example.com"
	next.ControlAPI.Key = "rotated"

	d := Compare(prev, next)
	assert.False(t, d.Empty())
	assert.Equal(t, []string{"gateway.session_timeout", "gateway.lane_capacity"}, d.HotChanged)
	assert.Equal(t, []string{"server.port", "control_api.url", "control_api.key"}, d.RestartRequired)
	assert.Equal(t, 2*time.Minute, d.Hot.SessionTimeout)
	assert.Equal(t, 32, d.Hot.LaneCapacity)

	assert.True(t, Compare(prev, Default()).Empty())
}

func TestWithHot(t *testing.T) {
	base := Default()
	applied := base.WithHot(HotSettings{
		SessionTimeout:      time.Minute * 2,
		SuspendTimeout:      base.Gateway.SuspendTimeout,
		HealthCheckInterval: base.Gateway.HealthCheckInterval,
		LaneCapacity:        32,
	})

	assert.Equal(t, 60*time.Second, base.Gateway.SessionTimeout, "original untouched")
	assert.Equal(t, 32, applied.Gateway.LaneCapacity)
	assert.Equal(t, base.Server, applied.Server)

	d := Compare(applied, applied.WithHot(applied.Hot()))
	assert.True(t, d.Empty())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "config.yaml", "gateway:\n  lane_capacity: 8\n")

	changes := make(chan *Config, 4)
	w := NewWatcher(path, func(c *Config) { changes <- c }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  lane_capacity: \"bogus\"\n"), 0644))
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  lane_capacity: 16\n"), 0644))

	select {
	case cfg := <-changes:
		assert.Equal(t, 16, cfg.Gateway.LaneCapacity)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatcher_InvalidEditKeepsRunning(t *testing.T) {
	path := writeConfig(t, "config.yaml", "{}\n")

	changes := make(chan *Config, 4)
	w := NewWatcher(path, func(c *Config) { changes <- c }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  lane_capacity: 0\n"), 0644))

	select {
	case cfg := <-changes:
		t.Fatalf("invalid config should not be delivered: %+v", cfg.Gateway)
	case <-time.After(300 * time.Millisecond):
	}
}
