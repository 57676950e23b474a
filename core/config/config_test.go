package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shardmaster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
master:
  listen_addr: 127.0.0.1:4021
  shard_count: 4
  secret: hunter2
  worker_command: ["./worker", "--flag"]
  restart_delay: 5s
  heartbeat_interval: 45s
  connect_stagger: 5s
limits:
  cleverbot:
    capacity: 30
    interval: 1m
    fire_immediately: true
  wolfram:
    capacity: 65
    interval: 1h
metrics:
  listen_addr: 127.0.0.1:9090
nats:
  url: nats://127.0.0.1:4222
  subject_prefix: shardmaster
`)

	c, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", c.LogLevel)
	require.Equal(t, 4, c.Master.ShardCount)
	require.Equal(t, "hunter2", c.Master.Secret)
	require.Equal(t, []string{"./worker", "--flag"}, c.Master.WorkerCommand)
	require.Equal(t, 5*time.Second, c.Master.RestartDelay)
	require.Equal(t, "127.0.0.1:9090", c.Metrics.ListenAddr)
	require.Equal(t, "shardmaster", c.Nats.SubjectPrefix)

	buckets := c.BucketConfigs()
	require.Len(t, buckets, 2)
	require.Equal(t, 30, buckets["cleverbot"].Capacity)
	require.True(t, buckets["cleverbot"].FireImmediately)
	require.Equal(t, time.Hour, buckets["wolfram"].Interval)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
master:
  shard_count: 1
  secret: s
`)

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "info", c.LogLevel)
	require.Equal(t, "127.0.0.1:4021", c.Master.ListenAddr)
	require.Empty(t, c.Metrics.ListenAddr)
	require.Nil(t, c.BucketConfigs())
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("no shard count", func(t *testing.T) {
		_, err := Load(writeConfig(t, "master:\n  secret: s\n"))
		require.Error(t, err)
	})

	t.Run("no secret", func(t *testing.T) {
		_, err := Load(writeConfig(t, "master:\n  shard_count: 2\n"))
		require.Error(t, err)
	})
}
