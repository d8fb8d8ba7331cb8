package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"downloadgrid/downloader"
)

// Config is the full process configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Advisor   AdvisorConfig   `yaml:"advisor"`
	S3        S3Config        `yaml:"s3"`
	Log       LogConfig       `yaml:"log"`
	Downloads DownloadsConfig `yaml:"downloads"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	// Mode is the gin mode: release, debug or test
	Mode string `yaml:"mode"`
}

type DatabaseConfig struct {
	// Driver is sqlite, postgres or bolt. Empty infers it from DSN.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// Retention removes completed tasks older than this. 0 keeps them.
	Retention time.Duration `yaml:"retention"`
}

type RedisConfig struct {
	// URL enables status publishing when set
	URL string `yaml:"url"`
}

type AdvisorConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

type S3Config struct {
	Enabled bool   `yaml:"enabled"`
	Profile string `yaml:"profile"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DownloadsConfig holds the initial settings and engine tuning
type DownloadsConfig struct {
	ConcurrentTasks   int      `yaml:"concurrent_tasks"`
	GlobalMaxThreads  int      `yaml:"global_max_threads"`
	DefaultMaxThreads int      `yaml:"default_max_threads"`
	SavePath          string   `yaml:"save_path"`
	AIEnabled         bool     `yaml:"ai_enabled"`
	DiskQuota         ByteSize `yaml:"disk_quota"`
	SpeedLimit        ByteSize `yaml:"speed_limit"`

	MinSegmentSize  ByteSize      `yaml:"min_segment_size"`
	BufferSize      ByteSize      `yaml:"buffer_size"`
	Sectors         int           `yaml:"sectors"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`
	StallTimeout    time.Duration `yaml:"stall_timeout"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	PersistInterval time.Duration `yaml:"persist_interval"`
}

// Default returns a Config with sensible defaults
func Default() Config {
	settings := downloader.DefaultSettings()
	return Config{
		Server: ServerConfig{
			Port: "8080",
			Mode: "release",
		},
		Database: DatabaseConfig{
			DSN: "downloadgrid.db",
		},
		Advisor: AdvisorConfig{
			Timeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Downloads: DownloadsConfig{
			ConcurrentTasks:   settings.ConcurrentTaskLimit,
			GlobalMaxThreads:  settings.GlobalMaxThreads,
			DefaultMaxThreads: settings.DefaultMaxThreads,
			SavePath:          settings.DefaultSavePath,
			MinSegmentSize:    ByteSize(downloader.DefaultMinSegmentSize),
			BufferSize:        ByteSize(downloader.DefaultBufferSize),
			Sectors:           64,
			MaxRetries:        5,
			RetryBackoff:      500 * time.Millisecond,
			RetryMaxBackoff:   30 * time.Second,
			StallTimeout:      downloader.DefaultStallTimeout,
			ProbeTimeout:      30 * time.Second,
			PublishInterval:   250 * time.Millisecond,
			PersistInterval:   5 * time.Second,
		},
	}
}

// LoadFromFile reads a YAML file over Default(). Keys absent from the file
// keep their defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Load reads path when set, then applies the environment and validates
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides values from the deployment environment
func (c *Config) ApplyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Database.DSN = getEnv("DATABASE_URL", c.Database.DSN)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Advisor.APIKey = getEnv("ADVISOR_API_KEY", c.Advisor.APIKey)
	c.Downloads.SavePath = getEnv("DOWNLOADGRID_SAVE_PATH", c.Downloads.SavePath)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("config: server.port is required")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "", "sqlite", "postgres", "bolt":
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("config: database.dsn is required")
	}
	if c.Database.Retention < 0 {
		return errors.New("config: database.retention must not be negative")
	}
	if c.Advisor.Endpoint != "" && c.Advisor.APIKey == "" {
		return errors.New("config: advisor.api_key is required when advisor.endpoint is set")
	}
	if c.Downloads.MaxRetries < 0 {
		return errors.New("config: downloads.max_retries must not be negative")
	}
	if c.Downloads.MinSegmentSize <= 0 {
		return errors.New("config: downloads.min_segment_size must be positive")
	}
	if err := c.Settings().Validate(); err != nil {
		return fmt.Errorf("config: downloads: %w", err)
	}
	return nil
}

// Settings returns the initial scheduler settings
func (c *Config) Settings() downloader.Settings {
	d := c.Downloads
	return downloader.Settings{
		ConcurrentTaskLimit: d.ConcurrentTasks,
		GlobalMaxThreads:    d.GlobalMaxThreads,
		DefaultMaxThreads:   d.DefaultMaxThreads,
		DefaultSavePath:     d.SavePath,
		AIEnabled:           d.AIEnabled,
		DiskQuota:           int64(d.DiskQuota),
		SpeedLimit:          int64(d.SpeedLimit),
	}
}

// ManagerOptions maps the engine tuning onto downloader.Options. Stores,
// sources and publishers are left for the caller.
func (c *Config) ManagerOptions() downloader.Options {
	d := c.Downloads
	return downloader.Options{
		Settings:        c.Settings(),
		MinSegmentSize:  int64(d.MinSegmentSize),
		BufferSize:      int(d.BufferSize),
		Sectors:         d.Sectors,
		MaxRetries:      d.MaxRetries,
		RetryBackoff:    d.RetryBackoff,
		RetryMaxBackoff: d.RetryMaxBackoff,
		StallTimeout:    d.StallTimeout,
		ProbeTimeout:    d.ProbeTimeout,
		PublishInterval: d.PublishInterval,
		PersistInterval: d.PersistInterval,
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
