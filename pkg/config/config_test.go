package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/platinummonkey/tether/pkg/compatibility"
	"github.com/platinummonkey/tether/pkg/observability"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{"returns env value when set", "TETHER_TEST_VAR", "default", "custom", "custom"},
		{"returns default when env not set", "TETHER_TEST_VAR_NOT_SET", "default", "", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			if got := getEnv(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvTyped tests the typed env helpers
func TestGetEnvTyped(t *testing.T) {
	t.Setenv("TETHER_TEST_BOOL", "1")
	t.Setenv("TETHER_TEST_BOOL_FALSE", "no")
	t.Setenv("TETHER_TEST_INT", "42")
	t.Setenv("TETHER_TEST_BAD_INT", "forty")
	t.Setenv("TETHER_TEST_INT64", "9000000000")
	t.Setenv("TETHER_TEST_FLOAT", "0.25")
	t.Setenv("TETHER_TEST_DURATION", "90s")
	t.Setenv("TETHER_TEST_BAD_DURATION", "soon")

	if !getEnvBool("TETHER_TEST_BOOL", false) {
		t.Error("getEnvBool(1) = false, want true")
	}
	if getEnvBool("TETHER_TEST_BOOL_FALSE", true) {
		t.Error("getEnvBool(no) = true, want false")
	}
	if got := getEnvInt("TETHER_TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %d, want 42", got)
	}
	if got := getEnvInt("TETHER_TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt(invalid) = %d, want default 7", got)
	}
	if got := getEnvInt64("TETHER_TEST_INT64", 0); got != 9000000000 {
		t.Errorf("getEnvInt64() = %d", got)
	}
	if got := getEnvFloat("TETHER_TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("getEnvFloat() = %v, want 0.25", got)
	}
	if got := getEnvDuration("TETHER_TEST_DURATION", 0); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}
	if got := getEnvDuration("TETHER_TEST_BAD_DURATION", time.Minute); got != time.Minute {
		t.Errorf("getEnvDuration(invalid) = %v, want default", got)
	}
}

// TestParseLogLevel tests log level parsing with fallback
func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  observability.LogLevel
	}{
		{"debug", observability.DebugLevel},
		{"INFO", observability.InfoLevel},
		{"warning", observability.WarnLevel},
		{"error", observability.ErrorLevel},
		{"verbose", observability.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.input); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

// TestLoadConfig_Defaults tests that an empty environment yields a valid config
func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.Port != "8080" || cfg.Server.HealthPort != "9090" {
		t.Errorf("unexpected ports: %s/%s", cfg.Server.Port, cfg.Server.HealthPort)
	}
	if cfg.Storage.Type != "filesystem" {
		t.Errorf("Storage.Type = %s, want filesystem", cfg.Storage.Type)
	}
	if cfg.Registry.MaxConflictRetries != 3 || cfg.Registry.RegistrationTimeout != 30*time.Second {
		t.Errorf("unexpected registry defaults: %+v", cfg.Registry)
	}
	policy, err := cfg.Registry.DefaultPolicy()
	if err != nil {
		t.Fatalf("DefaultPolicy() error = %v", err)
	}
	if policy != compatibility.Backward() {
		t.Errorf("DefaultPolicy() = %v, want BACKWARD", policy)
	}
}

// TestLoadConfig_Environment tests environment overrides for every section
func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("TETHER_PORT", "8443")
	t.Setenv("TETHER_READ_TIMEOUT", "5s")
	t.Setenv("TETHER_STORAGE_TYPE", "postgres")
	t.Setenv("TETHER_POSTGRES_URL", "postgres://db/tether")
	t.Setenv("TETHER_POSTGRES_MAX_CONNS", "50")
	t.Setenv("TETHER_REDIS_URL", "redis://cache:6379")
	t.Setenv("TETHER_REDIS_DB", "0")
	t.Setenv("TETHER_CACHE_GROUP_TTL", "30s")
	t.Setenv("TETHER_REGISTRATION_TIMEOUT", "2s")
	t.Setenv("TETHER_MAX_CONFLICT_RETRIES", "5")
	t.Setenv("TETHER_LENIENT_TYPES", "true")
	t.Setenv("TETHER_DEFAULT_COMPATIBILITY", "full_transitive")
	t.Setenv("TETHER_LOG_LEVEL", "debug")
	t.Setenv("TETHER_OTEL_ENABLED", "true")
	t.Setenv("TETHER_OTEL_SAMPLE_RATIO", "0.1")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.Port != "8443" || cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("server overrides not applied: %+v", cfg.Server)
	}
	if cfg.Storage.Type != "postgres" || cfg.Storage.PostgresURL != "postgres://db/tether" || cfg.Storage.PostgresMaxConns != 50 {
		t.Errorf("storage overrides not applied: %+v", cfg.Storage)
	}
	if cfg.Storage.RedisURL != "redis://cache:6379" || cfg.Storage.CacheTTL["group"] != 30*time.Second {
		t.Errorf("cache overrides not applied: %+v", cfg.Storage)
	}
	if cfg.Registry.RegistrationTimeout != 2*time.Second || cfg.Registry.MaxConflictRetries != 5 || !cfg.Registry.LenientTypes {
		t.Errorf("registry overrides not applied: %+v", cfg.Registry)
	}
	policy, err := cfg.Registry.DefaultPolicy()
	if err != nil || policy != compatibility.FullTransitive() {
		t.Errorf("DefaultPolicy() = %v, %v", policy, err)
	}
	if cfg.Observability.LogLevel != observability.DebugLevel {
		t.Errorf("LogLevel = %v, want debug", cfg.Observability.LogLevel)
	}
	if !cfg.Observability.OTel.Enabled || cfg.Observability.OTel.SampleRatio != 0.1 {
		t.Errorf("otel overrides not applied: %+v", cfg.Observability.OTel)
	}
}

// TestLoadConfig_File tests the YAML overlay and that env beats the file
func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.yaml")
	content := `
server:
  port: "7000"
  write_timeout: 1m
storage:
  type: hybrid
  postgres_url: postgres://file/tether
  s3_bucket: schemas
registry:
  max_conflict_retries: 9
  default_compatibility: FORWARD
observability:
  log_level: warn
  otel:
    service_name: tether-file
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TETHER_CONFIG_FILE", path)
	t.Setenv("TETHER_MAX_CONFLICT_RETRIES", "1")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.Port != "7000" || cfg.Server.WriteTimeout != time.Minute {
		t.Errorf("file server settings not applied: %+v", cfg.Server)
	}
	if cfg.Server.HealthPort != "9090" {
		t.Errorf("defaults lost under file overlay: HealthPort = %s", cfg.Server.HealthPort)
	}
	if cfg.Storage.Type != "hybrid" || cfg.Storage.S3Bucket != "schemas" {
		t.Errorf("file storage settings not applied: %+v", cfg.Storage)
	}
	if cfg.Registry.MaxConflictRetries != 1 {
		t.Errorf("MaxConflictRetries = %d, want env value 1", cfg.Registry.MaxConflictRetries)
	}
	if cfg.Registry.DefaultCompatibility != "FORWARD" {
		t.Errorf("DefaultCompatibility = %s", cfg.Registry.DefaultCompatibility)
	}
	if cfg.Observability.LogLevel != observability.WarnLevel {
		t.Errorf("LogLevel = %v, want warn", cfg.Observability.LogLevel)
	}
	if cfg.Observability.OTel.ServiceName != "tether-file" || cfg.Observability.OTel.Endpoint != "localhost:4317" {
		t.Errorf("otel file settings not merged: %+v", cfg.Observability.OTel)
	}
}

// TestLoadConfig_FileErrors tests missing and malformed files
func TestLoadConfig_FileErrors(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		t.Setenv("TETHER_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
		if _, err := LoadConfig(); err == nil {
			t.Error("expected error for missing file")
		}
	})
	t.Run("malformed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		if err := os.WriteFile(path, []byte("server: [unterminated"), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("TETHER_CONFIG_FILE", path)
		if _, err := LoadConfig(); err == nil {
			t.Error("expected error for malformed file")
		}
	})
}

// TestConfigValidate tests validation rules
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"memory store", func(c *Config) { c.Storage.Type = "memory" }, false},
		{"missing port", func(c *Config) { c.Server.Port = "" }, true},
		{"missing health port", func(c *Config) { c.Server.HealthPort = "" }, true},
		{"same ports", func(c *Config) { c.Server.HealthPort = c.Server.Port }, true},
		{"filesystem without root", func(c *Config) { c.Storage.FilesystemRoot = "" }, true},
		{"postgres without url", func(c *Config) { c.Storage.Type = "postgres" }, true},
		{"postgres with url", func(c *Config) {
			c.Storage.Type = "postgres"
			c.Storage.PostgresURL = "postgres://localhost/tether"
		}, false},
		{"hybrid without bucket", func(c *Config) {
			c.Storage.Type = "hybrid"
			c.Storage.PostgresURL = "postgres://localhost/tether"
		}, true},
		{"unknown store", func(c *Config) { c.Storage.Type = "s3" }, true},
		{"negative retries", func(c *Config) { c.Registry.MaxConflictRetries = -1 }, true},
		{"negative timeout", func(c *Config) { c.Registry.RegistrationTimeout = -time.Second }, true},
		{"unknown compatibility", func(c *Config) { c.Registry.DefaultCompatibility = "SIDEWAYS" }, true},
		{"till compatibility needs a version", func(c *Config) { c.Registry.DefaultCompatibility = "BACKWARD_TILL" }, true},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTel.Enabled = true
			c.Observability.OTel.Endpoint = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
