// Package config loads tether configuration from defaults, an optional YAML
// file and environment variables, then validates it.
//
// # Precedence
//
// Defaults are overlaid by the YAML file named in TETHER_CONFIG_FILE, which
// is overlaid in turn by TETHER_* environment variables.
//
// # Environment
//
// Server settings:
//
//	TETHER_HOST="0.0.0.0"
//	TETHER_PORT="8080"
//	TETHER_HEALTH_PORT="9090"
//	TETHER_READ_TIMEOUT="15s"
//	TETHER_WRITE_TIMEOUT="45s"
//	TETHER_MAX_BODY_BYTES="4194304"
//
// Storage settings:
//
//	TETHER_STORAGE_TYPE="postgres"  # memory, filesystem, postgres, hybrid
//	TETHER_FILESYSTEM_ROOT="/var/lib/tether"
//	TETHER_POSTGRES_URL="postgres://localhost/tether"
//	TETHER_POSTGRES_REPLICA_URLS="postgres://replica1/tether,postgres://replica2/tether"
//	TETHER_S3_BUCKET="tether-schemas"
//	TETHER_REDIS_URL="redis://localhost:6379"
//	TETHER_CACHE_ENABLED="true"
//
// Registry settings:
//
//	TETHER_REGISTRATION_TIMEOUT="30s"
//	TETHER_MAX_CONFLICT_RETRIES="3"
//	TETHER_DOCUMENT_CACHE_SIZE="1024"
//	TETHER_LENIENT_TYPES="false"
//	TETHER_DEFAULT_COMPATIBILITY="BACKWARD"
//
// Observability settings:
//
//	TETHER_LOG_LEVEL="info"
//	TETHER_METRICS_ENABLED="true"
//	TETHER_INVENTORY_SCHEDULE="@every 1m"
//	TETHER_OTEL_ENABLED="false"
//	TETHER_OTEL_ENDPOINT="localhost:4317"
//
// # File
//
// The YAML file mirrors the Config structure:
//
//	server:
//	  port: "8080"
//	storage:
//	  type: hybrid
//	  postgres_url: postgres://localhost/tether
//	  s3_bucket: tether-schemas
//	registry:
//	  registration_timeout: 10s
//	  default_compatibility: FULL_TRANSITIVE
//	observability:
//	  log_level: debug
package config
