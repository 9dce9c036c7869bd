// Package config loads and validates the odontiq YAML configuration shared
// by the API and worker processes. Defaults are merged under the file, and a
// small set of environment overrides covers the deploy-time knobs.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odontiq/odontiq/observability"
	"github.com/odontiq/odontiq/pipeline"
	"github.com/odontiq/odontiq/worker"
)

// Config is the full configuration tree.
type Config struct {
	API           APIConfig                 `yaml:"api"`
	Worker        WorkerConfig              `yaml:"worker"`
	Queue         QueueConfig               `yaml:"queue"`
	Store         StoreConfig               `yaml:"store"`
	Callback      CallbackConfig            `yaml:"callback"`
	ImageDownload ImageDownloadConfig       `yaml:"image_download"`
	WeightsDir    string                    `yaml:"weights_dir"`
	Pipelines     map[string]PipelineConfig `yaml:"pipelines"`
	Observability ObservabilityConfig       `yaml:"observability"`
}

// APIConfig configures the ingress process.
type APIConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	UploadDir         string `yaml:"upload_dir"`
	LogLevel          string `yaml:"loglevel"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

// WorkerConfig configures the worker process.
type WorkerConfig struct {
	Concurrency  int    `yaml:"concurrency"`
	LogLevel     string `yaml:"loglevel"`
	Pool         string `yaml:"pool"` // threaded | single-process
	HeartbeatSec int    `yaml:"heartbeat_sec"`
}

// QueueConfig configures the task queue.
type QueueConfig struct {
	BrokerURL            string `yaml:"broker_url"` // SQLite path shared by both processes
	VisibilityTimeoutSec int    `yaml:"visibility_timeout_sec"`
	PollIntervalMs       int    `yaml:"poll_interval_ms"`
}

// StoreConfig configures the task store.
type StoreConfig struct {
	URL             string `yaml:"url"` // SQLite path shared by both processes
	TTLSec          int    `yaml:"ttl_sec"`
	ReapIntervalSec int    `yaml:"reap_interval_sec"`
}

// CallbackConfig configures terminal callback delivery.
type CallbackConfig struct {
	TimeoutSec int    `yaml:"timeout_sec"`
	Secret     string `yaml:"secret"` // optional HMAC signing key
}

// ImageDownloadConfig configures the image fetcher.
type ImageDownloadConfig struct {
	TimeoutSec        int      `yaml:"timeout_sec"`
	MaxSizeMB         int      `yaml:"max_size_mb"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// PipelineConfig holds per-pipeline module settings, opaque to the fabric.
type PipelineConfig struct {
	Modules map[string]pipeline.ModuleConfig `yaml:"modules"`
}

// ObservabilityConfig configures the event/heartbeat database.
type ObservabilityConfig struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Default returns sane defaults for a single-host deployment.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			UploadDir:         "data/uploads",
			LogLevel:          "info",
			RequestTimeoutSec: 30,
		},
		Worker: WorkerConfig{
			Concurrency:  4,
			LogLevel:     "info",
			Pool:         worker.PoolThreaded,
			HeartbeatSec: 15,
		},
		Queue: QueueConfig{
			BrokerURL:            "data/queue.db",
			VisibilityTimeoutSec: 600,
			PollIntervalMs:       250,
		},
		Store: StoreConfig{
			URL:             "data/tasks.db",
			TTLSec:          3600,
			ReapIntervalSec: 60,
		},
		Callback: CallbackConfig{
			TimeoutSec: 10,
		},
		ImageDownload: ImageDownloadConfig{
			TimeoutSec:        30,
			MaxSizeMB:         50,
			AllowedExtensions: []string{".jpg", ".jpeg", ".png", ".bmp", ".dcm"},
		},
		WeightsDir: "data/weights",
		Observability: ObservabilityConfig{
			DBPath:        "data/observability.db",
			RetentionDays: 30,
		},
	}
}

// Load reads a YAML config file merged over Default, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// applyEnv applies deploy-time environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("ODONTIQ_LISTEN"); v != "" {
		if host, port, err := net.SplitHostPort(v); err == nil {
			if p, err := strconv.Atoi(port); err == nil {
				c.API.Host = host
				c.API.Port = p
			}
		}
	}
	if v := os.Getenv("ODONTIQ_UPLOAD_DIR"); v != "" {
		c.API.UploadDir = v
	}
	if v := os.Getenv("ODONTIQ_STORE_PATH"); v != "" {
		c.Store.URL = v
	}
	if v := os.Getenv("ODONTIQ_QUEUE_PATH"); v != "" {
		c.Queue.BrokerURL = v
	}
	if v := os.Getenv("ODONTIQ_WEIGHTS_DIR"); v != "" {
		c.WeightsDir = v
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.API.UploadDir == "" {
		return fmt.Errorf("api.upload_dir is required")
	}
	if c.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	if c.Queue.BrokerURL == "" {
		return fmt.Errorf("queue.broker_url is required")
	}
	if c.Store.TTLSec <= 0 {
		return fmt.Errorf("store.ttl_sec must be > 0")
	}
	if c.Queue.VisibilityTimeoutSec <= 0 {
		return fmt.Errorf("queue.visibility_timeout_sec must be > 0")
	}
	// The TTL bounds orphan leakage; shorter than the visibility timeout it
	// would reap records for tasks still legitimately in flight.
	if c.Store.TTLSec < c.Queue.VisibilityTimeoutSec {
		return fmt.Errorf("store.ttl_sec (%d) must be >= queue.visibility_timeout_sec (%d)",
			c.Store.TTLSec, c.Queue.VisibilityTimeoutSec)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	switch c.Worker.Pool {
	case worker.PoolThreaded, worker.PoolSingleProcess:
	default:
		return fmt.Errorf("worker.pool %q is not supported (use threaded or single-process)", c.Worker.Pool)
	}
	if c.ImageDownload.MaxSizeMB <= 0 {
		return fmt.Errorf("image_download.max_size_mb must be > 0")
	}
	if c.Callback.TimeoutSec <= 0 {
		return fmt.Errorf("callback.timeout_sec must be > 0")
	}
	return nil
}

// Listen returns the API listen address.
func (c *Config) Listen() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// StoreTTL returns the record TTL as a duration.
func (c *Config) StoreTTL() time.Duration {
	return time.Duration(c.Store.TTLSec) * time.Second
}

// ReapInterval returns the reaper period as a duration.
func (c *Config) ReapInterval() time.Duration {
	if c.Store.ReapIntervalSec <= 0 {
		return time.Minute
	}
	return time.Duration(c.Store.ReapIntervalSec) * time.Second
}

// Visibility returns the queue visibility timeout as a duration.
func (c *Config) Visibility() time.Duration {
	return time.Duration(c.Queue.VisibilityTimeoutSec) * time.Second
}

// PollInterval returns the queue poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	if c.Queue.PollIntervalMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.Queue.PollIntervalMs) * time.Millisecond
}

// CallbackTimeout returns the callback delivery timeout as a duration.
func (c *Config) CallbackTimeout() time.Duration {
	return time.Duration(c.Callback.TimeoutSec) * time.Second
}

// ImageTimeout returns the image download timeout as a duration.
func (c *Config) ImageTimeout() time.Duration {
	return time.Duration(c.ImageDownload.TimeoutSec) * time.Second
}

// MaxImageBytes returns the image size cap in bytes.
func (c *Config) MaxImageBytes() int64 {
	return int64(c.ImageDownload.MaxSizeMB) << 20
}

// PipelineModules returns the module table for a pipeline, or nil.
func (c *Config) PipelineModules(name string) map[string]pipeline.ModuleConfig {
	pc, ok := c.Pipelines[name]
	if !ok {
		return nil
	}
	return pc.Modules
}

// Retention returns the observability cleanup policy.
func (c *Config) Retention() observability.RetentionConfig {
	return observability.RetentionConfig{
		TaskEventsDays: c.Observability.RetentionDays,
		HeartbeatsDays: c.Observability.RetentionDays,
	}
}

// HeartbeatInterval returns the worker heartbeat period as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.Worker.HeartbeatSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Worker.HeartbeatSec) * time.Second
}
