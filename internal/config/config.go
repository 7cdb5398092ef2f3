package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Keys       KeysConfig
	RateLimit  RateLimitConfig
	Schedule   ScheduleConfig
	Extractor  ExtractorConfig
	Source     SourceConfig
	Storage    StorageConfig
	Sink       SinkConfig
	Cache      CacheConfig
	API        APIConfig
	Metrics    MetricsConfig
	Monitoring MonitoringConfig
	Tracing    TracingConfig
	Logging    LoggingConfig
}

// KeysConfig holds API key pool configuration
type KeysConfig struct {
	File             string
	StatsFile        string
	EnvPrefix        string
	RotationStrategy string
	CooldownMinutes  int
	AutoRecovery     bool
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute   int
	RequestsPerDay      int
	RequestDelaySeconds float64
}

// ScheduleConfig holds quiet-hours and pacing configuration
type ScheduleConfig struct {
	QuietStartHour      int
	QuietEndHour        int
	ProcessDuringQuiet  bool
	PollIntervalSeconds int
	MaxMinuteRetries    int
}

// ExtractorConfig holds extraction API configuration
type ExtractorConfig struct {
	BaseURL      string
	Model        string
	LanguageHint string
	Timeout      time.Duration
	MaxRetries   int
}

// SourceConfig holds image source configuration
type SourceConfig struct {
	Backend        string // local, s3
	InputDir       string
	Extensions     []string
	MaxImageSizeMB int64
}

// StorageConfig holds object storage configuration for the s3 source backend
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Prefix          string
	Region          string
	UseSSL          bool
}

// SinkConfig holds annotation output configuration
type SinkConfig struct {
	OutputDir string
}

// CacheConfig holds Redis result cache configuration
type CacheConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration
}

// APIConfig holds the operator status API configuration
type APIConfig struct {
	Enabled bool
	Port    int
}

// MetricsConfig holds Prometheus metrics server configuration
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// MonitoringConfig holds periodic monitoring configuration
type MonitoringConfig struct {
	IntervalImages int
}

// TracingConfig holds Jaeger tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	JaegerEndpoint string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// Load reads configuration from file and environment variables. A missing
// config file is not an error: defaults plus environment apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	setDefaults(v)

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Schedule.QuietStartHour < 0 || c.Schedule.QuietStartHour > 23 {
		return fmt.Errorf("invalid quiet start hour: %d", c.Schedule.QuietStartHour)
	}
	if c.Schedule.QuietEndHour < 0 || c.Schedule.QuietEndHour > 24 {
		return fmt.Errorf("invalid quiet end hour: %d", c.Schedule.QuietEndHour)
	}
	if !c.Schedule.ProcessDuringQuiet && c.Schedule.QuietStartHour >= c.Schedule.QuietEndHour {
		return fmt.Errorf("quiet hours start (%d) must be before end (%d)",
			c.Schedule.QuietStartHour, c.Schedule.QuietEndHour)
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("requestsPerMinute must be positive, got %d", c.RateLimit.RequestsPerMinute)
	}
	if c.RateLimit.RequestsPerDay <= 0 {
		return fmt.Errorf("requestsPerDay must be positive, got %d", c.RateLimit.RequestsPerDay)
	}
	switch c.Source.Backend {
	case "local", "s3":
	default:
		return fmt.Errorf("unknown source backend: %s", c.Source.Backend)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Key pool defaults
	v.SetDefault("keys.file", "api_keys.json")
	v.SetDefault("keys.statsFile", "api_key_stats.json")
	v.SetDefault("keys.envPrefix", "OCR_API_KEY_")
	v.SetDefault("keys.rotationStrategy", "smart_rotate")
	v.SetDefault("keys.cooldownMinutes", 60)
	v.SetDefault("keys.autoRecovery", true)

	// Rate limit defaults sized for the free tier
	v.SetDefault("ratelimit.requestsPerMinute", 5)
	v.SetDefault("ratelimit.requestsPerDay", 1000)
	v.SetDefault("ratelimit.requestDelaySeconds", 15.0)

	// Schedule defaults
	v.SetDefault("schedule.quietStartHour", 0)
	v.SetDefault("schedule.quietEndHour", 6)
	v.SetDefault("schedule.processDuringQuiet", true)
	v.SetDefault("schedule.pollIntervalSeconds", 10)
	v.SetDefault("schedule.maxMinuteRetries", 3)

	// Extractor defaults
	v.SetDefault("extractor.baseURL", "https://generativelanguage.googleapis.com")
	v.SetDefault("extractor.model", "gemini-2.5-flash")
	v.SetDefault("extractor.languageHint", "nepali")
	v.SetDefault("extractor.timeout", "120s")
	v.SetDefault("extractor.maxRetries", 3)

	// Source defaults
	v.SetDefault("source.backend", "local")
	v.SetDefault("source.inputDir", "images")
	v.SetDefault("source.extensions", []string{".jpg", ".jpeg", ".png"})
	v.SetDefault("source.maxImageSizeMB", 10)

	// Storage defaults
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.accessKeyID", "minioadmin")
	v.SetDefault("storage.secretAccessKey", "minioadmin")
	v.SetDefault("storage.bucketName", "documents")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.useSSL", false)

	// Sink defaults
	v.SetDefault("sink.outputDir", "annotations")

	// Cache defaults
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.host", "localhost")
	v.SetDefault("cache.port", 6379)
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", "168h")

	// API defaults
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.port", 8080)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9091)

	// Monitoring defaults
	v.SetDefault("monitoring.intervalImages", 5)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "ocrbatch")
	v.SetDefault("tracing.jaegerEndpoint", "http://localhost:14268/api/traces")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")
}

// Cooldown returns the key cooldown duration
func (k KeysConfig) Cooldown() time.Duration {
	return time.Duration(k.CooldownMinutes) * time.Minute
}

// RequestDelay returns the inter-request pacing delay
func (r RateLimitConfig) RequestDelay() time.Duration {
	return time.Duration(r.RequestDelaySeconds * float64(time.Second))
}

// PollInterval returns the minute-limit polling interval
func (s ScheduleConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}
