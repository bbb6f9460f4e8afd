// Package config handles configuration loading and validation for filemesh
// trackers and storage nodes.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/filemesh/filemesh/internal/cluster"
	"github.com/filemesh/filemesh/pkg/bytesize"
	"github.com/filemesh/filemesh/pkg/proto"
	"gopkg.in/yaml.v3"
)

// TrackerConfig holds configuration for a tracker server.
type TrackerConfig struct {
	Listen               string        `yaml:"listen"`
	BasePath             string        `yaml:"base_path"` // Roster directory (default: /var/lib/filemesh/tracker)
	NetworkTimeout       time.Duration `yaml:"network_timeout"`
	MaxConnections       int           `yaml:"max_connections"`
	StoreLookup          string        `yaml:"store_lookup"` // round_robin, specified_group or load_balance
	StoreGroup           string        `yaml:"store_group"`
	ReservedStorageSpace bytesize.Size `yaml:"reserved_storage_space"`
	MetricsListen        string        `yaml:"metrics_listen"`
	Loki                 LokiConfig    `yaml:"loki"`
}

// StorageConfig holds configuration for a storage node.
type StorageConfig struct {
	GroupName          string        `yaml:"group_name"`
	BindAddr           string        `yaml:"bind_addr"`
	Port               int           `yaml:"port"`
	BasePath           string        `yaml:"base_path"` // File and binlog root (default: /var/lib/filemesh/storage)
	TrackerServers     []string      `yaml:"tracker_servers"`
	NetworkTimeout     time.Duration `yaml:"network_timeout"`
	MaxConnections     int           `yaml:"max_connections"`
	HeartBeatInterval  time.Duration `yaml:"heart_beat_interval"`
	StatReportInterval time.Duration `yaml:"stat_report_interval"`
	SyncWaitInterval   time.Duration `yaml:"sync_wait_interval"`
	SyncRetryInterval  time.Duration `yaml:"sync_retry_interval"`
	SyncRateLimit      float64       `yaml:"sync_rate_limit"` // binlog records per second per peer, 0 = unlimited
	BinlogMaxSize      bytesize.Size `yaml:"binlog_max_size"`
	MetricsListen      string        `yaml:"metrics_listen"`
	Loki               LokiConfig    `yaml:"loki"`
}

// LokiConfig enables log shipping to a Loki server when URL is set.
type LokiConfig struct {
	URL           string        `yaml:"url"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

func (c LokiConfig) validate() error {
	if c.URL == "" {
		return nil
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("loki.url %q must be an http(s) URL", c.URL)
	}
	if c.BatchSize < 0 || c.FlushInterval < 0 {
		return fmt.Errorf("loki batch_size and flush_interval must not be negative")
	}
	return nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// LoadTrackerConfig loads tracker configuration from a YAML file.
func LoadTrackerConfig(path string) (*TrackerConfig, error) {
	cfg := &TrackerConfig{}
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset tracker fields.
func (c *TrackerConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":22122"
	}
	if c.BasePath == "" {
		c.BasePath = "/var/lib/filemesh/tracker"
	}
	c.BasePath = expandHome(c.BasePath)
	if c.NetworkTimeout == 0 {
		c.NetworkTimeout = 30 * time.Second
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 256
	}
	if c.StoreLookup == "" {
		c.StoreLookup = "round_robin"
	}
}

// Policy returns the parsed store lookup policy.
func (c *TrackerConfig) Policy() cluster.Policy {
	p, _ := cluster.ParsePolicy(c.StoreLookup)
	return p
}

// Validate checks the tracker configuration.
func (c *TrackerConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	p, err := cluster.ParsePolicy(c.StoreLookup)
	if err != nil {
		return err
	}
	if p == cluster.PolicySpecifiedGroup {
		if err := proto.ValidateGroupName(c.StoreGroup); err != nil {
			return fmt.Errorf("store_group: %w", err)
		}
	}
	if c.NetworkTimeout < 0 {
		return fmt.Errorf("network_timeout must not be negative")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	return c.Loki.validate()
}

// LoadStorageConfig loads storage node configuration from a YAML file.
func LoadStorageConfig(path string) (*StorageConfig, error) {
	cfg := &StorageConfig{}
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset storage fields.
func (c *StorageConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 23000
	}
	if c.BasePath == "" {
		c.BasePath = "/var/lib/filemesh/storage"
	}
	c.BasePath = expandHome(c.BasePath)
	if c.NetworkTimeout == 0 {
		c.NetworkTimeout = 30 * time.Second
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 256
	}
	if c.HeartBeatInterval == 0 {
		c.HeartBeatInterval = 30 * time.Second
	}
	if c.StatReportInterval == 0 {
		c.StatReportInterval = 300 * time.Second
	}
	if c.SyncWaitInterval == 0 {
		c.SyncWaitInterval = 200 * time.Millisecond
	}
	if c.SyncRetryInterval == 0 {
		c.SyncRetryInterval = 60 * time.Second
	}
	if c.BinlogMaxSize == 0 {
		c.BinlogMaxSize = bytesize.Size(bytesize.GB)
	}
}

// ListenAddr returns the address the storage server binds.
func (c *StorageConfig) ListenAddr() string {
	return net.JoinHostPort(c.BindAddr, fmt.Sprint(c.Port))
}

// Validate checks the storage configuration.
func (c *StorageConfig) Validate() error {
	if err := proto.ValidateGroupName(c.GroupName); err != nil {
		return fmt.Errorf("group_name: %w", err)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if len(c.TrackerServers) == 0 {
		return fmt.Errorf("at least one tracker server is required")
	}
	for _, addr := range c.TrackerServers {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid tracker server %q: %w", addr, err)
		}
	}
	if c.BinlogMaxSize.Bytes() < bytesize.KB {
		return fmt.Errorf("binlog_max_size %s is too small", c.BinlogMaxSize)
	}
	if c.SyncRateLimit < 0 {
		return fmt.Errorf("sync_rate_limit must not be negative")
	}
	return c.Loki.validate()
}
