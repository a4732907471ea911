package storage

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/tether/pkg/compatibility"
	"github.com/platinummonkey/tether/pkg/schema"
)

var (
	// ErrNotFound is returned when a group, version or encoding does not exist
	ErrNotFound = errors.New("not found")
	// ErrGroupExists is returned by CreateGroup for a duplicate name
	ErrGroupExists = errors.New("group already exists")
	// ErrConflict is returned by AppendVersion when the observed tip moved
	ErrConflict = errors.New("concurrent modification")
	// ErrCodecNotRegistered is returned when an encoding names an unknown codec
	ErrCodecNotRegistered = errors.New("codec type not registered")
)

// GroupProperties configure how a group versions and admits schemas
type GroupProperties struct {
	SerializationFormat schema.SerializationFormat `json:"serialization_format" yaml:"serialization_format"`
	Policy              compatibility.Policy       `json:"policy" yaml:"policy"`
	VersionBySchemaType bool                       `json:"version_by_schema_type" yaml:"version_by_schema_type"`
	Properties          map[string]string          `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Group is a named, independently versioned collection of schemas
type Group struct {
	Name       string          `json:"name"`
	Properties GroupProperties `json:"properties"`
	CreatedAt  time.Time       `json:"created_at"`
}

// HistoryKind classifies a GroupHistoryRecord
type HistoryKind string

const (
	HistoryGroupCreated  HistoryKind = "group_created"
	HistoryPolicyUpdated HistoryKind = "policy_updated"
	HistorySchemaAdded   HistoryKind = "schema_added"
	HistorySchemaDeleted HistoryKind = "schema_deleted"
)

// GroupHistoryRecord is one auditable change to a group
type GroupHistoryRecord struct {
	Kind           HistoryKind           `json:"kind"`
	Time           time.Time             `json:"time"`
	Actor          string                `json:"actor,omitempty"`
	Version        *schema.VersionInfo   `json:"version,omitempty"`
	PreviousPolicy *compatibility.Policy `json:"previous_policy,omitempty"`
	Policy         *compatibility.Policy `json:"policy,omitempty"`
}

// AppendCondition is the tip a writer observed before evaluating a candidate.
// TypeVersion is always checked; Ordinal only when CheckOrdinal is set, which
// is the case when the evaluation covered every type in the group.
type AppendCondition struct {
	TypeVersion  int
	Ordinal      int
	CheckOrdinal bool
}

// SchemaStore persists groups, their version histories and encodings.
// Implementations must be safe for concurrent use.
type SchemaStore interface {
	CreateGroup(ctx context.Context, name string, props GroupProperties) error
	GetGroup(ctx context.Context, name string) (*Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	DeleteGroup(ctx context.Context, name string) error
	// UpdatePolicy replaces the group policy, records the change and returns the previous policy
	UpdatePolicy(ctx context.Context, name string, policy compatibility.Policy, actor string) (compatibility.Policy, error)

	// ListSchemas returns the group history ordered by ordinal. An empty
	// schemaType returns every type.
	ListSchemas(ctx context.Context, group, schemaType string, includeDeleted bool) ([]schema.SchemaWithVersion, error)
	GetSchema(ctx context.Context, group string, ordinal int) (*schema.SchemaWithVersion, error)
	// AppendVersion assigns the next version and ordinal if cond still holds,
	// otherwise it returns ErrConflict and writes nothing.
	AppendVersion(ctx context.Context, group string, info schema.SchemaInfo, cond AppendCondition) (schema.VersionInfo, error)
	DeleteSchema(ctx context.Context, group string, ordinal int) error

	AddCodecType(ctx context.Context, group, codec string) error
	ListCodecTypes(ctx context.Context, group string) ([]string, error)
	GetOrCreateEncodingID(ctx context.Context, group string, ordinal int, codec string) (schema.EncodingID, error)
	GetEncodingInfo(ctx context.Context, group string, id schema.EncodingID) (*schema.EncodingInfo, error)

	GroupHistory(ctx context.Context, group string) ([]GroupHistoryRecord, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// Tips returns the highest type version and ordinal in a full history,
// deleted entries included. Zero means no versions yet.
func Tips(history []schema.SchemaWithVersion, schemaType string) (typeVersion, ordinal int) {
	for _, entry := range history {
		if entry.Version.Ordinal > ordinal {
			ordinal = entry.Version.Ordinal
		}
		if entry.Version.Type == schemaType && entry.Version.Version > typeVersion {
			typeVersion = entry.Version.Version
		}
	}
	return typeVersion, ordinal
}

// Config for storage backend
type Config struct {
	Type string `yaml:"type"` // "memory", "filesystem", "postgres", "hybrid"

	// Filesystem config
	FilesystemRoot string `yaml:"filesystem_root"`

	// PostgreSQL config
	PostgresURL         string        `yaml:"postgres_url"`
	PostgresReplicaURLs string        `yaml:"postgres_replica_urls"`
	PostgresMaxConns    int           `yaml:"postgres_max_conns"`
	PostgresMinConns    int           `yaml:"postgres_min_conns"`
	PostgresTimeout     time.Duration `yaml:"postgres_timeout"`

	// S3 config
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3Region       string `yaml:"s3_region"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3AccessKey    string `yaml:"s3_access_key"`
	S3SecretKey    string `yaml:"s3_secret_key"`
	S3UsePathStyle bool   `yaml:"s3_use_path_style"`

	// Redis config
	RedisURL        string `yaml:"redis_url"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisMaxRetries int    `yaml:"redis_max_retries"`
	RedisPoolSize   int    `yaml:"redis_pool_size"`

	// Cache config
	CacheEnabled bool                     `yaml:"cache_enabled"`
	CacheTTL     map[string]time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             "filesystem",
		FilesystemRoot:   "/tmp/tether",
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
		CacheEnabled:     true,
		CacheTTL: map[string]time.Duration{
			"group":  5 * time.Minute,
			"schema": 24 * time.Hour,
		},
	}
}

type consistentReadKey struct{}

// WithConsistentRead marks reads made with ctx as requiring the primary copy.
// Backends with read replicas or caches must bypass them.
func WithConsistentRead(ctx context.Context) context.Context {
	return context.WithValue(ctx, consistentReadKey{}, true)
}

// ConsistentRead reports whether ctx was marked by WithConsistentRead
func ConsistentRead(ctx context.Context) bool {
	v, _ := ctx.Value(consistentReadKey{}).(bool)
	return v
}
