package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/fleetwork/cacheengine/pkg/errors"
)

// Configuration represents the complete engine configuration
type Configuration struct {
	Global   GlobalConfig   `yaml:"global"`
	Registry RegistryConfig `yaml:"registry"`
	Usage    UsageConfig    `yaml:"usage"`
	Loader   LoaderConfig   `yaml:"loader"`
	Storage  StorageConfig  `yaml:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Admin    AdminConfig    `yaml:"admin"`
}

// GlobalConfig represents global settings
type GlobalConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogCompress   bool   `yaml:"log_compress"`
}

// RegistryConfig describes the named stores and their sweep interval
type RegistryConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Stores          []StoreConfig `yaml:"stores"`
}

// StoreConfig fixes one named store's limits at startup
type StoreConfig struct {
	Name     string        `yaml:"name"`
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
	Strategy string        `yaml:"strategy"`
}

// UsageConfig represents usage tracker settings
type UsageConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DatabasePath      string        `yaml:"database_path"`
	HalfLife          time.Duration `yaml:"half_life"`
	MinTTL            time.Duration `yaml:"min_ttl"`
	MaxTTL            time.Duration `yaml:"max_ttl"`
	Saturation        float64       `yaml:"saturation"`
	HighPriorityLimit int           `yaml:"high_priority_limit"`
}

// LoaderConfig represents adaptive loader settings
type LoaderConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	PreloadCount  int           `yaml:"preload_count"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	StoreCapacity int           `yaml:"store_capacity"`
}

// StorageConfig selects the optional persistent tier
type StorageConfig struct {
	Backend string            `yaml:"backend"` // none, file or s3
	Timeout time.Duration     `yaml:"timeout"`
	Breaker BreakerConfig     `yaml:"breaker"`
	File    FileStorageConfig `yaml:"file"`
	S3      S3StorageConfig   `yaml:"s3"`
}

// BreakerConfig controls when the tier is bypassed after repeated failures
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RetryAfter       time.Duration `yaml:"retry_after"`
}

// FileStorageConfig represents the on-disk tier
type FileStorageConfig struct {
	Directory       string        `yaml:"directory"`
	Compression     bool          `yaml:"compression"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
}

// S3StorageConfig represents the object storage tier
type S3StorageConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// AdminConfig represents the admin HTTP API
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
}

// DefaultStores returns the fixed set of named stores
func DefaultStores() []StoreConfig {
	return []StoreConfig{
		{Name: "api", TTL: 5 * time.Minute, Capacity: 200, Strategy: "LRU"},
		{Name: "user", TTL: 3 * time.Minute, Capacity: 100, Strategy: "LRU"},
		{Name: "warehouse", TTL: 5 * time.Minute, Capacity: 50, Strategy: "LRU"},
		{Name: "dictionary", TTL: 30 * time.Minute, Capacity: 100, Strategy: "LRU"},
		{Name: "config", TTL: time.Hour, Capacity: 50, Strategy: "LRU"},
	}
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFormat:     "text",
			LogMaxSizeMB:  100,
			LogMaxBackups: 5,
			LogCompress:   true,
		},
		Registry: RegistryConfig{
			CleanupInterval: 5 * time.Minute,
			Stores:          DefaultStores(),
		},
		Usage: UsageConfig{
			Enabled:           true,
			DatabasePath:      "cacheengine-usage.db",
			HalfLife:          24 * time.Hour,
			MinTTL:            5 * time.Minute,
			MaxTTL:            30 * time.Minute,
			Saturation:        20,
			HighPriorityLimit: 5,
		},
		Loader: LoaderConfig{
			BatchSize:     3,
			PreloadCount:  5,
			DefaultTTL:    5 * time.Minute,
			StoreCapacity: 500,
		},
		Storage: StorageConfig{
			Backend: "none",
			Timeout: 2 * time.Second,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				RetryAfter:       30 * time.Second,
			},
			File: FileStorageConfig{
				Directory:       "/var/cache/cacheengine",
				Compression:     true,
				CleanupInterval: 10 * time.Minute,
				SyncInterval:    time.Minute,
			},
			S3: S3StorageConfig{
				Prefix: "cacheengine/",
				Region: "us-east-1",
			},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "cacheengine",
		},
		Admin: AdminConfig{
			Enabled:   true,
			Address:   ":8080",
			JWTIssuer: "cacheengine",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to read config file", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to parse config file", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from CACHEENGINE_* environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("CACHEENGINE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("CACHEENGINE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("CACHEENGINE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("CACHEENGINE_LOG_MAX_SIZE_MB"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Global.LogMaxSizeMB = n
		}
	}

	// Registry
	if val := os.Getenv("CACHEENGINE_CLEANUP_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Registry.CleanupInterval = d
		}
	}

	// Usage tracker
	if val := os.Getenv("CACHEENGINE_USAGE_ENABLED"); val != "" {
		c.Usage.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("CACHEENGINE_USAGE_DB"); val != "" {
		c.Usage.DatabasePath = val
	}
	if val := os.Getenv("CACHEENGINE_USAGE_HALF_LIFE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Usage.HalfLife = d
		}
	}

	// Loader
	if val := os.Getenv("CACHEENGINE_PRELOAD_BATCH_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Loader.BatchSize = n
		}
	}

	// Persistent tier
	if val := os.Getenv("CACHEENGINE_STORAGE_BACKEND"); val != "" {
		c.Storage.Backend = val
	}
	if val := os.Getenv("CACHEENGINE_STORAGE_DIR"); val != "" {
		c.Storage.File.Directory = val
	}
	if val := os.Getenv("CACHEENGINE_S3_BUCKET"); val != "" {
		c.Storage.S3.Bucket = val
	}
	if val := os.Getenv("CACHEENGINE_S3_ENDPOINT"); val != "" {
		c.Storage.S3.Endpoint = val
	}
	if val := os.Getenv("CACHEENGINE_S3_REGION"); val != "" {
		c.Storage.S3.Region = val
	}

	// Metrics and admin
	if val := os.Getenv("CACHEENGINE_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("CACHEENGINE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}
	if val := os.Getenv("CACHEENGINE_ADMIN_ADDRESS"); val != "" {
		c.Admin.Address = val
	}
	if val := os.Getenv("CACHEENGINE_ADMIN_JWT_SECRET"); val != "" {
		c.Admin.JWTSecret = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigSave, "failed to marshal config", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(errors.ErrCodeConfigSave, "failed to create config directory", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(errors.ErrCodeConfigSave, "failed to write config file", err)
	}

	return nil
}

// Store returns the named store's settings
func (c *Configuration) Store(name string) (StoreConfig, bool) {
	for _, s := range c.Registry.Stores {
		if s.Name == name {
			return s, true
		}
	}
	return StoreConfig{}, false
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return invalid("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Global.LogMaxSizeMB < 0 || c.Global.LogMaxBackups < 0 {
		return invalid("log rotation limits cannot be negative")
	}

	if len(c.Registry.Stores) == 0 {
		return invalid("registry must define at least one store")
	}
	seen := make(map[string]bool)
	for _, s := range c.Registry.Stores {
		if strings.TrimSpace(s.Name) == "" {
			return invalid("store name cannot be empty")
		}
		if seen[s.Name] {
			return invalid("duplicate store name: %s", s.Name)
		}
		seen[s.Name] = true
		if s.Capacity <= 0 {
			return invalid("store %s: capacity must be greater than 0", s.Name)
		}
		if s.TTL <= 0 {
			return invalid("store %s: ttl must be greater than 0", s.Name)
		}
		switch strings.ToLower(s.Strategy) {
		case "lru", "lfu", "recency", "frequency":
		default:
			return invalid("store %s: unknown strategy %q", s.Name, s.Strategy)
		}
	}

	if c.Usage.HalfLife <= 0 {
		return invalid("usage half_life must be greater than 0")
	}
	if c.Usage.MinTTL <= 0 || c.Usage.MaxTTL < c.Usage.MinTTL {
		return invalid("usage ttl bounds invalid: min=%v max=%v", c.Usage.MinTTL, c.Usage.MaxTTL)
	}
	if c.Usage.Saturation <= 0 {
		return invalid("usage saturation must be greater than 0")
	}

	if c.Loader.BatchSize <= 0 {
		return invalid("loader batch_size must be greater than 0")
	}

	switch c.Storage.Backend {
	case "", "none":
	case "file":
		if c.Storage.File.Directory == "" {
			return invalid("file storage requires a directory")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return invalid("s3 storage requires a bucket")
		}
	default:
		return invalid("unknown storage backend: %s", c.Storage.Backend)
	}
	if c.Storage.Breaker.FailureThreshold < 0 {
		return invalid("storage breaker failure_threshold must not be negative")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return invalid("metrics port out of range: %d", c.Metrics.Port)
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.NewError(errors.ErrCodeConfigValidation, fmt.Sprintf(format, args...)).
		WithComponent("config")
}
