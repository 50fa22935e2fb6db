// Package config defines the backend's YAML configuration file format and
// its loading, defaulting, and validation rules.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the UMDF UI backend.
type Config struct {
	Server    ServerConfig    `yaml:"server,omitempty"`
	Storage   StorageConfig   `yaml:"storage,omitempty"`
	Schemas   SchemasConfig   `yaml:"schemas,omitempty"`
	Catalog   CatalogConfig   `yaml:"catalog,omitempty"`
	Engine    EngineConfig    `yaml:"engine,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
	Metrics   MetricsConfig   `yaml:"metrics,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8000".
	Addr string `yaml:"addr,omitempty"`

	// UploadMaxBytes caps the size of an uploaded container file.
	UploadMaxBytes int64 `yaml:"uploadMaxBytes,omitempty"`

	// UploadBurst is the number of uploads allowed back to back before the
	// per-minute rate applies.
	UploadBurst int `yaml:"uploadBurst,omitempty"`

	// UploadsPerMinute is the sustained upload rate limit. Zero disables
	// rate limiting.
	UploadsPerMinute int `yaml:"uploadsPerMinute,omitempty"`
}

// StorageConfig controls where uploaded container files are staged.
type StorageConfig struct {
	// Dir is the staging directory for uploaded .umdf files.
	Dir string `yaml:"dir,omitempty"`

	// SweepAfter is the age (e.g. "24h") at which staged files left
	// behind by crashed or abandoned sessions are deleted. "0" disables
	// the sweeper.
	SweepAfter string `yaml:"sweepAfter,omitempty"`
}

// SweepAfterDuration returns the parsed sweep age. Zero means disabled;
// unparseable values also disable the sweeper.
func (s *StorageConfig) SweepAfterDuration() time.Duration {
	if s.SweepAfter == "" {
		return 0
	}
	d, err := time.ParseDuration(s.SweepAfter)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// SchemasConfig controls the module schema registry.
type SchemasConfig struct {
	// Dir is the root of the schema tree (./schemas/<domain>/vN.json).
	Dir string `yaml:"dir,omitempty"`
}

// CatalogConfig selects the backend for the uploaded-container index.
type CatalogConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend,omitempty"`
	Redis   RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig holds connection settings for the Redis catalog backend.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`

	// TTL for catalog entries (e.g. "24h"). Empty means no expiry.
	TTL string `yaml:"ttl,omitempty"`
}

// TTLDuration returns the parsed TTL, or def when unset or unparseable.
func (r *RedisConfig) TTLDuration(def time.Duration) time.Duration {
	if r.TTL == "" {
		return def
	}
	d, err := time.ParseDuration(r.TTL)
	if err != nil {
		return def
	}
	return d
}

// EngineConfig selects the container engine backend.
type EngineConfig struct {
	// Backend names the engine implementation. "memory" is the in-process
	// reference engine backed by JSON staging files.
	Backend string `yaml:"backend,omitempty"`

	// WriterReads lets the memory engine serve module reads through open
	// writer handles. The native engine cannot; the default mirrors it.
	WriterReads bool `yaml:"writerReads,omitempty"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty"`

	// Format is "json" or "text".
	Format string `yaml:"format,omitempty"`

	// CommonFields are key-value pairs added to every log entry.
	CommonFields map[string]string `yaml:"commonFields,omitempty"`
}

// MetricsConfig controls the Prometheus exporter listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Addr    string `yaml:"addr,omitempty"`
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	ServiceName string `yaml:"serviceName,omitempty"`
}

// Backend name constants.
const (
	CatalogMemory = "memory"
	CatalogRedis  = "redis"
	EngineMemory  = "memory"
)

// Level and format constants for programmatic use.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Default returns a Config with sensible defaults for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             ":8000",
			UploadMaxBytes:   256 << 20,
			UploadBurst:      5,
			UploadsPerMinute: 30,
		},
		Storage: StorageConfig{Dir: "data/uploads", SweepAfter: "24h"},
		Schemas: SchemasConfig{Dir: "schemas"},
		Catalog: CatalogConfig{
			Backend: CatalogMemory,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "umdfui",
				TTL:    "24h",
			},
		},
		Engine: EngineConfig{Backend: EngineMemory},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatText,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "umdf-ui",
		},
	}
}

// Load reads the YAML file at path and unmarshals it over the defaults.
// An empty path skips the file. Environment variables are applied last,
// so they win over both the file and the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays UMDF_UI_* environment variables, mainly so deployments
// can keep the Redis credential out of the config file.
func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	set(&c.Server.Addr, "UMDF_UI_ADDR")
	set(&c.Storage.Dir, "UMDF_UI_STORAGE_DIR")
	set(&c.Schemas.Dir, "UMDF_UI_SCHEMAS_DIR")
	set(&c.Catalog.Backend, "UMDF_UI_CATALOG_BACKEND")
	set(&c.Catalog.Redis.Addr, "UMDF_UI_REDIS_ADDR")
	set(&c.Catalog.Redis.Password, "UMDF_UI_REDIS_PASSWORD")
	set(&c.Logging.Level, "UMDF_UI_LOG_LEVEL")
	set(&c.Logging.Format, "UMDF_UI_LOG_FORMAT")
	set(&c.Telemetry.Endpoint, "UMDF_UI_OTLP_ENDPOINT")
}

// Validate checks field values; it does not touch the filesystem or network.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return &ValidationError{Field: "server.addr", Message: "listen address is required"}
	}
	if c.Server.UploadMaxBytes <= 0 {
		return &ValidationError{
			Field:   "server.uploadMaxBytes",
			Message: "must be positive",
			Value:   fmt.Sprintf("%d", c.Server.UploadMaxBytes),
		}
	}
	if c.Catalog.Backend != CatalogMemory && c.Catalog.Backend != CatalogRedis {
		return &ValidationError{
			Field:   "catalog.backend",
			Message: "must be one of: memory, redis",
			Value:   c.Catalog.Backend,
		}
	}
	if c.Catalog.Backend == CatalogRedis && c.Catalog.Redis.Addr == "" {
		return &ValidationError{Field: "catalog.redis.addr", Message: "redis address is required"}
	}
	if c.Engine.Backend != EngineMemory {
		return &ValidationError{
			Field:   "engine.backend",
			Message: "must be: memory",
			Value:   c.Engine.Backend,
		}
	}
	if !isValidLogLevel(c.Logging.Level) {
		return &ValidationError{
			Field:   "logging.level",
			Message: "must be one of: debug, info, warn, error",
			Value:   c.Logging.Level,
		}
	}
	if c.Logging.Format != LogFormatJSON && c.Logging.Format != LogFormatText {
		return &ValidationError{
			Field:   "logging.format",
			Message: "must be one of: json, text",
			Value:   c.Logging.Format,
		}
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return &ValidationError{Field: "metrics.addr", Message: "metrics address is required when enabled"}
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return &ValidationError{Field: "telemetry.endpoint", Message: "endpoint is required when enabled"}
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
	Value   string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return "config validation error: " + e.Field + ": " + e.Message + " (got: " + e.Value + ")"
	}
	return "config validation error: " + e.Field + ": " + e.Message
}
