package config

import (
	"testing"
	"time"

	"github.com/filemesh/filemesh/internal/cluster"
	"github.com/filemesh/filemesh/pkg/bytesize"
	"github.com/filemesh/filemesh/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTrackerConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: "0.0.0.0:22122"
base_path: "/data/tracker"
network_timeout: 10s
store_lookup: load_balance
reserved_storage_space: 2GB
metrics_listen: ":9101"
`
	configPath := testutil.TempFile(t, dir, "tracker.yaml", content)

	cfg, err := LoadTrackerConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:22122", cfg.Listen)
	assert.Equal(t, "/data/tracker", cfg.BasePath)
	assert.Equal(t, 10*time.Second, cfg.NetworkTimeout)
	assert.Equal(t, cluster.PolicyLoadBalance, cfg.Policy())
	assert.Equal(t, int64(2048), cfg.ReservedStorageSpace.MB())
	assert.Equal(t, ":9101", cfg.MetricsListen)
}

func TestLoadTrackerConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "tracker.yaml", "{}\n")

	cfg, err := LoadTrackerConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":22122", cfg.Listen)
	assert.Equal(t, "/var/lib/filemesh/tracker", cfg.BasePath)
	assert.Equal(t, 30*time.Second, cfg.NetworkTimeout)
	assert.Equal(t, 256, cfg.MaxConnections)
	assert.Equal(t, cluster.PolicyRoundRobin, cfg.Policy())
}

func TestTrackerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TrackerConfig
		wantErr string
	}{
		{"bad listen", TrackerConfig{Listen: "nope", StoreLookup: "round_robin"}, "invalid listen address"},
		{"bad policy", TrackerConfig{Listen: ":1", StoreLookup: "random"}, "unknown store lookup policy"},
		{"specified without group", TrackerConfig{Listen: ":1", StoreLookup: "specified_group"}, "store_group"},
		{"specified bad group", TrackerConfig{Listen: ":1", StoreLookup: "specified_group", StoreGroup: "g-1"}, "store_group"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	ok := TrackerConfig{Listen: ":1", StoreLookup: "specified_group", StoreGroup: "group1"}
	assert.NoError(t, ok.Validate())
}

func TestLoadTrackerConfig_FileNotFound(t *testing.T) {
	_, err := LoadTrackerConfig("/nonexistent/path/tracker.yaml")
	assert.Error(t, err)
}

func TestLoadTrackerConfig_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "tracker.yaml", "listen: [unclosed\n")
	_, err := LoadTrackerConfig(configPath)
	assert.ErrorContains(t, err, "parse config file")
}

func TestLoadStorageConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
group_name: group1
bind_addr: 10.0.0.5
port: 23001
base_path: /data/storage
tracker_servers:
  - 10.0.0.1:22122
  - 10.0.0.2:22122
heart_beat_interval: 5s
sync_wait_interval: 50ms
sync_rate_limit: 200
binlog_max_size: 64MB
loki:
  url: http://10.0.0.9:3100
  batch_size: 50
  flush_interval: 2s
`
	configPath := testutil.TempFile(t, dir, "storage.yaml", content)

	cfg, err := LoadStorageConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "group1", cfg.GroupName)
	assert.Equal(t, "10.0.0.5:23001", cfg.ListenAddr())
	assert.Equal(t, []string{"10.0.0.1:22122", "10.0.0.2:22122"}, cfg.TrackerServers)
	assert.Equal(t, 5*time.Second, cfg.HeartBeatInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.SyncWaitInterval)
	assert.Equal(t, 300*time.Second, cfg.StatReportInterval)
	assert.Equal(t, 60*time.Second, cfg.SyncRetryInterval)
	assert.Equal(t, 200.0, cfg.SyncRateLimit)
	assert.Equal(t, 64*bytesize.MB, cfg.BinlogMaxSize.Bytes())
	assert.Equal(t, LokiConfig{URL: "http://10.0.0.9:3100", BatchSize: 50, FlushInterval: 2 * time.Second}, cfg.Loki)
}

func TestLoadStorageConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
group_name: group1
tracker_servers: ["127.0.0.1:22122"]
`
	configPath := testutil.TempFile(t, dir, "storage.yaml", content)

	cfg, err := LoadStorageConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 23000, cfg.Port)
	assert.Equal(t, ":23000", cfg.ListenAddr())
	assert.Equal(t, "/var/lib/filemesh/storage", cfg.BasePath)
	assert.Equal(t, 30*time.Second, cfg.HeartBeatInterval)
	assert.Equal(t, 200*time.Millisecond, cfg.SyncWaitInterval)
	assert.Equal(t, bytesize.GB, cfg.BinlogMaxSize.Bytes())
}

func TestStorageConfig_Validate(t *testing.T) {
	base := func() StorageConfig {
		c := StorageConfig{GroupName: "group1", TrackerServers: []string{"127.0.0.1:22122"}}
		c.ApplyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *StorageConfig)
		wantErr string
	}{
		{"bad group", func(c *StorageConfig) { c.GroupName = "" }, "group_name"},
		{"bad port", func(c *StorageConfig) { c.Port = 70000 }, "invalid port"},
		{"no trackers", func(c *StorageConfig) { c.TrackerServers = nil }, "tracker server"},
		{"bad tracker", func(c *StorageConfig) { c.TrackerServers = []string{"host"} }, "invalid tracker server"},
		{"tiny binlog", func(c *StorageConfig) { c.BinlogMaxSize = 10 }, "too small"},
		{"negative rate", func(c *StorageConfig) { c.SyncRateLimit = -1 }, "sync_rate_limit"},
		{"bad loki url", func(c *StorageConfig) { c.Loki.URL = "loki:3100" }, "loki.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
