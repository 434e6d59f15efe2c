// Package config loads and validates the daemon's YAML configuration file,
// with environment variable overrides under the VAULTHALLA_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the root of the daemon's config file.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Pools      PoolsConfig      `yaml:"pools"`
	Cache      CacheConfig      `yaml:"cache"`
	Storage    StorageConfig    `yaml:"storage"`
	Security   SecurityConfig   `yaml:"security"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Vaults     []VaultConfig    `yaml:"vaults"`
}

// GlobalConfig holds daemon-wide settings.
type GlobalConfig struct {
	MountRoot   string `yaml:"mount_root"`
	MSPath      string `yaml:"metadata_store_path"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	PIDFile     string `yaml:"pid_file"`
}

// PoolsConfig sizes the named thread pools the Thread-Pool Manager owns.
type PoolsConfig struct {
	FUSEWorkers  int           `yaml:"fuse_workers"`
	HTTPWorkers  int           `yaml:"http_workers"`
	ThumbWorkers int           `yaml:"thumb_workers"`
	SyncWorkers  int           `yaml:"sync_workers"`
	ReserveSize  int           `yaml:"reserve_size"`
	MonitorTick  time.Duration `yaml:"monitor_tick"`

	// ReserveFactor, when positive, implements spec's init(reserve_factor):
	// total worker handles become max(hw_concurrency*ReserveFactor, 12),
	// taking precedence over ReserveSize. Zero keeps the explicit
	// ReserveSize behavior.
	ReserveFactor float64 `yaml:"reserve_factor"`
}

// CacheConfig bounds the local on-disk content cache.
type CacheConfig struct {
	Directory    string `yaml:"directory"`
	MaxBytes     int64  `yaml:"max_bytes"`
	EvictionStep int     `yaml:"eviction_step"`
}

// StorageConfig wraps the S3-compatible backend.
type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

// S3Config describes the remote object store endpoint and credentials.
type S3Config struct {
	Endpoint        string        `yaml:"endpoint"`
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MultipartPartMB int           `yaml:"multipart_part_mb"`
}

// SecurityConfig holds access and key-material settings. The daemon reads
// only VaultKeyDirectory (vault keyrings); the RBAC resolver reads none.
type SecurityConfig struct {
	DefaultDeny       bool   `yaml:"default_deny"`
	APIKeyHeader      string `yaml:"api_key_header"`
	VaultKeyDirectory string `yaml:"vault_key_directory"`
}

// MonitoringConfig configures the Prometheus and health-check endpoints.
type MonitoringConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
	MetricsPort    int  `yaml:"metrics_port"`
	HealthPort     int  `yaml:"health_port"`
}

// VaultConfig declares one user-defined vault.
type VaultConfig struct {
	Name           string `yaml:"name"`
	RemotePrefix   string `yaml:"remote_prefix"`
	SyncIntervalS  int    `yaml:"sync_interval_seconds"`
	ConflictPolicy string `yaml:"conflict_policy"`
	QuotaBytes     int64  `yaml:"quota_bytes"`

	// APIKeyFile holds the raw API key the daemon authenticates this
	// mount's FUSE adapter as (spec's api_key_manager identity, resolved
	// once at mount time — see internal/fuseadapter.Config.Subject).
	APIKeyFile string `yaml:"api_key_file"`
}

// NewDefault returns the daemon's baked-in defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			MountRoot: "/mnt/vaulthalla",
			MSPath:    "/var/lib/vaulthalla/metadata.db",
			LogLevel:  "info",
			LogFormat: "text",
			PIDFile:   "/var/run/vaulthallad.pid",
		},
		Pools: PoolsConfig{
			FUSEWorkers:  8,
			HTTPWorkers:  4,
			ThumbWorkers: 2,
			SyncWorkers:  4,
			ReserveSize:  4,
			MonitorTick:  50 * time.Millisecond,
		},
		Cache: CacheConfig{
			Directory:    "/var/lib/vaulthalla/cache",
			MaxBytes:     10 << 30,
			EvictionStep: 64,
		},
		Storage: StorageConfig{
			S3: S3Config{
				Region:          "us-east-1",
				UsePathStyle:    true,
				RequestTimeout:  30 * time.Second,
				MultipartPartMB: 8,
			},
		},
		Security: SecurityConfig{
			DefaultDeny:       true,
			APIKeyHeader:      "X-Vaulthalla-Api-Key",
			VaultKeyDirectory: "/etc/vaulthalla/keys",
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: true,
			MetricsPort:    9090,
			HealthPort:     9091,
		},
	}
}

// LoadFromFile reads and parses a YAML config file on top of the defaults.
func LoadFromFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := NewDefault()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overlays VAULTHALLA_*-prefixed environment variables onto cfg.
func (c *Configuration) LoadFromEnv() {
	if v := os.Getenv("VAULTHALLA_MOUNT_ROOT"); v != "" {
		c.Global.MountRoot = v
	}
	if v := os.Getenv("VAULTHALLA_LOG_LEVEL"); v != "" {
		c.Global.LogLevel = v
	}
	if v := os.Getenv("VAULTHALLA_S3_ENDPOINT"); v != "" {
		c.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("VAULTHALLA_S3_BUCKET"); v != "" {
		c.Storage.S3.Bucket = v
	}
	if v := os.Getenv("VAULTHALLA_S3_ACCESS_KEY_ID"); v != "" {
		c.Storage.S3.AccessKeyID = v
	}
	if v := os.Getenv("VAULTHALLA_S3_SECRET_ACCESS_KEY"); v != "" {
		c.Storage.S3.SecretAccessKey = v
	}
	if v := os.Getenv("VAULTHALLA_METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Monitoring.MetricsPort = p
		}
	}
}

// SaveToFile writes the configuration back out as YAML.
func (c *Configuration) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks required fields and cross-field invariants.
func (c *Configuration) Validate() error {
	if c.Global.MountRoot == "" {
		return fmt.Errorf("global.mount_root is required")
	}
	if c.Global.MSPath == "" {
		return fmt.Errorf("global.metadata_store_path is required")
	}
	if c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required")
	}
	if c.Pools.FUSEWorkers <= 0 || c.Pools.SyncWorkers <= 0 {
		return fmt.Errorf("pools.fuse_workers and pools.sync_workers must be positive")
	}
	seen := make(map[string]bool, len(c.Vaults))
	for _, v := range c.Vaults {
		if v.Name == "" {
			return fmt.Errorf("vault entry missing name")
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate vault name %q", v.Name)
		}
		seen[v.Name] = true
		if v.APIKeyFile == "" {
			return fmt.Errorf("vault %q: api_key_file is required", v.Name)
		}
		switch strings.ToLower(v.ConflictPolicy) {
		case "", "keep_local", "keep_remote", "overwrite", "ask":
		default:
			return fmt.Errorf("vault %q: unknown conflict_policy %q", v.Name, v.ConflictPolicy)
		}
	}
	return nil
}
