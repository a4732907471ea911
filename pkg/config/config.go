package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tether/pkg/compatibility"
	"github.com/platinummonkey/tether/pkg/observability"
	"github.com/platinummonkey/tether/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       storage.Config      `yaml:"storage"`
	Registry      RegistryConfig      `yaml:"registry"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`

	// Health and metrics server, separate port for k8s probes
	HealthPort string `yaml:"health_port"`
}

// RegistryConfig tunes schema registration and compatibility checks
type RegistryConfig struct {
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`
	MaxConflictRetries  int           `yaml:"max_conflict_retries"`
	DocumentCacheSize   int           `yaml:"document_cache_size"`
	LenientTypes        bool          `yaml:"lenient_types"`
	// DefaultCompatibility names the policy mode for groups created without one
	DefaultCompatibility string `yaml:"default_compatibility"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel   `yaml:"log_level"`
	MetricsEnabled bool                     `yaml:"metrics_enabled"`
	OTel           observability.OTelConfig `yaml:"otel"`
	// InventorySchedule is the cron spec for refreshing the group and version gauges
	InventorySchedule string `yaml:"inventory_schedule"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    45 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    4 << 20,
			HealthPort:      "9090",
		},
		Storage: storage.DefaultConfig(),
		Registry: RegistryConfig{
			RegistrationTimeout:  30 * time.Second,
			MaxConflictRetries:   3,
			DocumentCacheSize:    compatibility.DefaultDocumentCacheSize,
			DefaultCompatibility: compatibility.CompatibilityModeBackward.String(),
		},
		Observability: ObservabilityConfig{
			LogLevel:       observability.InfoLevel,
			MetricsEnabled: true,
			OTel: observability.OTelConfig{
				Endpoint:       "localhost:4317",
				ServiceName:    "tether",
				ServiceVersion: "dev",
				Insecure:       true,
				SampleRatio:    1,
			},
			InventorySchedule: "@every 1m",
		},
	}
}

// LoadConfig builds the configuration from defaults, the YAML file named by
// TETHER_CONFIG_FILE when set, and TETHER_* environment variables, in that
// order of precedence from lowest to highest.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := getEnv("TETHER_CONFIG_FILE", ""); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	loadServerConfig(&cfg.Server)
	loadStorageConfig(&cfg.Storage)
	loadRegistryConfig(&cfg.Registry)
	loadObservabilityConfig(&cfg.Observability)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile overlays the YAML document at path onto cfg
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadServerConfig applies server environment overrides
func loadServerConfig(cfg *ServerConfig) {
	cfg.Host = getEnv("TETHER_HOST", cfg.Host)
	cfg.Port = getEnv("TETHER_PORT", cfg.Port)
	cfg.ReadTimeout = getEnvDuration("TETHER_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = getEnvDuration("TETHER_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = getEnvDuration("TETHER_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ShutdownTimeout = getEnvDuration("TETHER_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.MaxBodyBytes = getEnvInt64("TETHER_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.HealthPort = getEnv("TETHER_HEALTH_PORT", cfg.HealthPort)
}

// loadStorageConfig applies storage environment overrides
func loadStorageConfig(cfg *storage.Config) {
	cfg.Type = getEnv("TETHER_STORAGE_TYPE", cfg.Type)
	cfg.FilesystemRoot = getEnv("TETHER_FILESYSTEM_ROOT", cfg.FilesystemRoot)

	// PostgreSQL
	cfg.PostgresURL = getEnv("TETHER_POSTGRES_URL", cfg.PostgresURL)
	cfg.PostgresReplicaURLs = getEnv("TETHER_POSTGRES_REPLICA_URLS", cfg.PostgresReplicaURLs)
	if maxConns := getEnvInt("TETHER_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("TETHER_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("TETHER_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// S3
	cfg.S3Endpoint = getEnv("TETHER_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("TETHER_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("TETHER_S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("TETHER_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("TETHER_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UsePathStyle = getEnvBool("TETHER_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	// Redis
	cfg.RedisURL = getEnv("TETHER_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("TETHER_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("TETHER_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("TETHER_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("TETHER_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	cfg.CacheEnabled = getEnvBool("TETHER_CACHE_ENABLED", cfg.CacheEnabled)
	if cfg.CacheTTL == nil {
		cfg.CacheTTL = map[string]time.Duration{}
	}
	if ttl := getEnvDuration("TETHER_CACHE_GROUP_TTL", 0); ttl > 0 {
		cfg.CacheTTL["group"] = ttl
	}
	if ttl := getEnvDuration("TETHER_CACHE_SCHEMA_TTL", 0); ttl > 0 {
		cfg.CacheTTL["schema"] = ttl
	}
}

// loadRegistryConfig applies registry environment overrides
func loadRegistryConfig(cfg *RegistryConfig) {
	cfg.RegistrationTimeout = getEnvDuration("TETHER_REGISTRATION_TIMEOUT", cfg.RegistrationTimeout)
	cfg.MaxConflictRetries = getEnvInt("TETHER_MAX_CONFLICT_RETRIES", cfg.MaxConflictRetries)
	cfg.DocumentCacheSize = getEnvInt("TETHER_DOCUMENT_CACHE_SIZE", cfg.DocumentCacheSize)
	cfg.LenientTypes = getEnvBool("TETHER_LENIENT_TYPES", cfg.LenientTypes)
	cfg.DefaultCompatibility = getEnv("TETHER_DEFAULT_COMPATIBILITY", cfg.DefaultCompatibility)
}

// loadObservabilityConfig applies observability environment overrides
func loadObservabilityConfig(cfg *ObservabilityConfig) {
	if level := getEnv("TETHER_LOG_LEVEL", ""); level != "" {
		cfg.LogLevel = parseLogLevel(level)
	}
	cfg.MetricsEnabled = getEnvBool("TETHER_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.InventorySchedule = getEnv("TETHER_INVENTORY_SCHEDULE", cfg.InventorySchedule)

	cfg.OTel.Enabled = getEnvBool("TETHER_OTEL_ENABLED", cfg.OTel.Enabled)
	cfg.OTel.Endpoint = getEnv("TETHER_OTEL_ENDPOINT", cfg.OTel.Endpoint)
	cfg.OTel.ServiceName = getEnv("TETHER_OTEL_SERVICE_NAME", cfg.OTel.ServiceName)
	cfg.OTel.ServiceVersion = getEnv("TETHER_OTEL_SERVICE_VERSION", cfg.OTel.ServiceVersion)
	cfg.OTel.Insecure = getEnvBool("TETHER_OTEL_INSECURE", cfg.OTel.Insecure)
	cfg.OTel.SampleRatio = getEnvFloat("TETHER_OTEL_SAMPLE_RATIO", cfg.OTel.SampleRatio)
}

// DefaultPolicy resolves DefaultCompatibility to a policy
func (r RegistryConfig) DefaultPolicy() (compatibility.Policy, error) {
	mode, err := compatibility.ParseCompatibilityMode(r.DefaultCompatibility)
	if err != nil {
		return compatibility.Policy{}, err
	}
	return compatibility.PolicyForMode(mode, nil)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Storage.Type {
	case "memory":
	case "filesystem":
		if c.Storage.FilesystemRoot == "" {
			return fmt.Errorf("filesystem root is required for filesystem storage")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	case "hybrid":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for hybrid storage")
		}
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for hybrid storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, filesystem, postgres, or hybrid)", c.Storage.Type)
	}

	if c.Registry.MaxConflictRetries < 0 {
		return fmt.Errorf("max conflict retries must not be negative")
	}
	if c.Registry.RegistrationTimeout < 0 {
		return fmt.Errorf("registration timeout must not be negative")
	}
	if _, err := c.Registry.DefaultPolicy(); err != nil {
		return fmt.Errorf("invalid default compatibility: %w", err)
	}

	if c.Observability.OTel.Enabled {
		if c.Observability.OTel.Endpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTel.ServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string, falling back to info
func parseLogLevel(level string) observability.LogLevel {
	parsed, err := observability.ParseLogLevel(level)
	if err != nil {
		return observability.InfoLevel
	}
	return parsed
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
