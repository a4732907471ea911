package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tether/pkg/compatibility"
	"github.com/platinummonkey/tether/pkg/observability"
	"github.com/platinummonkey/tether/pkg/schema"
	"github.com/platinummonkey/tether/pkg/storage"
)

var tracer = otel.Tracer("tether/storage/postgres")

// postgres error codes
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_groups (
	name TEXT PRIMARY KEY,
	serialization_format TEXT NOT NULL,
	policy JSONB NOT NULL,
	version_by_schema_type BOOLEAN NOT NULL DEFAULT FALSE,
	properties JSONB NOT NULL DEFAULT '{}',
	ordinal INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS type_tips (
	group_name TEXT NOT NULL REFERENCES schema_groups(name) ON DELETE CASCADE,
	schema_type TEXT NOT NULL,
	version INTEGER NOT NULL,
	PRIMARY KEY (group_name, schema_type)
);
CREATE TABLE IF NOT EXISTS schemas (
	fingerprint TEXT PRIMARY KEY,
	serialization_format TEXT NOT NULL,
	schema_type TEXT NOT NULL,
	data BYTEA,
	size INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS schema_versions (
	group_name TEXT NOT NULL REFERENCES schema_groups(name) ON DELETE CASCADE,
	ordinal INTEGER NOT NULL,
	schema_type TEXT NOT NULL,
	version INTEGER NOT NULL,
	fingerprint TEXT NOT NULL REFERENCES schemas(fingerprint),
	properties JSONB NOT NULL DEFAULT '{}',
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (group_name, ordinal),
	UNIQUE (group_name, schema_type, version)
);
CREATE TABLE IF NOT EXISTS codecs (
	group_name TEXT NOT NULL REFERENCES schema_groups(name) ON DELETE CASCADE,
	codec TEXT NOT NULL,
	position BIGSERIAL,
	PRIMARY KEY (group_name, codec)
);
CREATE TABLE IF NOT EXISTS encodings (
	group_name TEXT NOT NULL,
	id INTEGER NOT NULL,
	ordinal INTEGER NOT NULL,
	codec TEXT NOT NULL,
	PRIMARY KEY (group_name, id),
	UNIQUE (group_name, ordinal, codec),
	FOREIGN KEY (group_name, ordinal) REFERENCES schema_versions(group_name, ordinal) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS group_history (
	id BIGSERIAL PRIMARY KEY,
	group_name TEXT NOT NULL REFERENCES schema_groups(name) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	version JSONB,
	previous_policy JSONB,
	policy JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const selectVersions = `
	SELECT v.ordinal, v.schema_type, v.version, v.deleted, v.created_at, v.properties,
		s.serialization_format, s.fingerprint, s.data
	FROM schema_versions v
	JOIN schemas s ON s.fingerprint = v.fingerprint
`

// blobStore holds schema bytes outside the database
type blobStore interface {
	PutSchemaBlob(ctx context.Context, fingerprint string, data []byte) error
	GetSchemaBlob(ctx context.Context, fingerprint string) ([]byte, error)
	HealthCheck(ctx context.Context) error
}

// SchemaStore implements storage.SchemaStore on PostgreSQL, optionally
// caching in Redis and keeping schema bytes in S3.
type SchemaStore struct {
	conns  *ConnectionManager
	blobs  blobStore
	cache  *RedisClient
	config storage.Config
	logger *observability.Logger
	now    func() time.Time
}

// Option customizes a SchemaStore
type Option func(*SchemaStore)

// WithRedis enables the group and blob cache
func WithRedis(c *RedisClient) Option {
	return func(s *SchemaStore) { s.cache = c }
}

// WithS3 moves schema bytes to object storage
func WithS3(c *S3Client) Option {
	return func(s *SchemaStore) { s.blobs = c }
}

// WithLogger sets the store logger
func WithLogger(l *observability.Logger) Option {
	return func(s *SchemaStore) { s.logger = l }
}

// NewSchemaStore connects to PostgreSQL and, when configured, Redis and S3
func NewSchemaStore(config storage.Config, logger *observability.Logger) (*SchemaStore, error) {
	conns, err := NewConnectionManager(ConnectionConfig{
		PrimaryURL:  config.PostgresURL,
		ReplicaURLs: ParseReplicaURLs(config.PostgresReplicaURLs),
		MaxConns:    config.PostgresMaxConns,
		MinConns:    config.PostgresMinConns,
		Timeout:     config.PostgresTimeout,
		MaxLifetime: 1 * time.Hour,
		MaxIdleTime: 10 * time.Minute,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	opts := []Option{WithLogger(logger)}
	if config.Type == "hybrid" {
		s3Client, err := NewS3Client(config)
		if err != nil {
			conns.Close()
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		opts = append(opts, WithS3(s3Client))
	}
	if config.CacheEnabled && config.RedisURL != "" {
		redisClient, err := NewRedisClient(config)
		if err != nil {
			conns.Close()
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
		opts = append(opts, WithRedis(redisClient))
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.PostgresTimeout)
	defer cancel()
	store, err := New(ctx, conns, config, opts...)
	if err != nil {
		conns.Close()
		return nil, err
	}
	return store, nil
}

// New builds a store over existing connections and creates missing tables
func New(ctx context.Context, conns *ConnectionManager, config storage.Config, opts ...Option) (*SchemaStore, error) {
	s := &SchemaStore{
		conns:  conns,
		config: config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SchemaStore) ensureSchema(ctx context.Context) error {
	if _, err := s.conns.Primary().ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// reader picks the replica unless the caller asked for a consistent read
func (s *SchemaStore) reader(ctx context.Context) *sql.DB {
	if storage.ConsistentRead(ctx) {
		return s.conns.Primary()
	}
	return s.conns.Replica()
}

func isPQError(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

// CreateGroup implements storage.SchemaStore
func (s *SchemaStore) CreateGroup(ctx context.Context, name string, props storage.GroupProperties) error {
	policy, err := json.Marshal(props.Policy)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}
	properties, err := marshalProperties(props.Properties)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	tx, err := s.conns.Primary().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO schema_groups (name, serialization_format, policy, version_by_schema_type, properties, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO NOTHING
	`, name, props.SerializationFormat.String(), string(policy), props.VersionBySchemaType, properties, now)
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %s: %w", name, storage.ErrGroupExists)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO codecs (group_name, codec) VALUES ($1, $2)`, name, schema.DefaultCodec); err != nil {
		return fmt.Errorf("failed to register default codec: %w", err)
	}
	if err := insertHistory(ctx, tx, name, storage.GroupHistoryRecord{Kind: storage.HistoryGroupCreated, Time: now}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const selectGroup = `
	SELECT name, serialization_format, policy, version_by_schema_type, properties, created_at
	FROM schema_groups
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGroup(row rowScanner) (*storage.Group, error) {
	var (
		group      storage.Group
		format     string
		policy     []byte
		properties []byte
	)
	if err := row.Scan(&group.Name, &format, &policy, &group.Properties.VersionBySchemaType, &properties, &group.CreatedAt); err != nil {
		return nil, err
	}
	f, err := schema.ParseSerializationFormat(format)
	if err != nil {
		return nil, err
	}
	group.Properties.SerializationFormat = f
	if err := json.Unmarshal(policy, &group.Properties.Policy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy: %w", err)
	}
	if group.Properties.Properties, err = unmarshalProperties(properties); err != nil {
		return nil, err
	}
	return &group, nil
}

// GetGroup implements storage.SchemaStore
func (s *SchemaStore) GetGroup(ctx context.Context, name string) (*storage.Group, error) {
	consistent := storage.ConsistentRead(ctx)
	if s.cache != nil && !consistent {
		if group, err := s.cache.GetGroup(ctx, name); err == nil && group != nil {
			return group, nil
		}
	}

	group, err := scanGroup(s.reader(ctx).QueryRowContext(ctx, selectGroup+` WHERE name = $1`, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("group %s: %w", name, storage.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetGroup(ctx, group); err != nil {
			s.logger.WithError(err).WithField("group", name).Debug("failed to cache group")
		}
	}
	return group, nil
}

// ListGroups implements storage.SchemaStore
func (s *SchemaStore) ListGroups(ctx context.Context) ([]storage.Group, error) {
	rows, err := s.reader(ctx).QueryContext(ctx, selectGroup+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	groups := []storage.Group{}
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, *group)
	}
	return groups, rows.Err()
}

// DeleteGroup implements storage.SchemaStore
func (s *SchemaStore) DeleteGroup(ctx context.Context, name string) error {
	res, err := s.conns.Primary().ExecContext(ctx, `DELETE FROM schema_groups WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %s: %w", name, storage.ErrNotFound)
	}
	s.invalidateGroup(ctx, name)
	return nil
}

func (s *SchemaStore) invalidateGroup(ctx context.Context, name string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateGroup(ctx, name); err != nil {
		s.logger.WithError(err).WithField("group", name).Warn("failed to invalidate cached group")
	}
}

// UpdatePolicy implements storage.SchemaStore
func (s *SchemaStore) UpdatePolicy(ctx context.Context, name string, policy compatibility.Policy, actor string) (compatibility.Policy, error) {
	var previous compatibility.Policy
	encoded, err := json.Marshal(policy)
	if err != nil {
		return previous, fmt.Errorf("failed to marshal policy: %w", err)
	}

	tx, err := s.conns.Primary().BeginTx(ctx, nil)
	if err != nil {
		return previous, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT policy FROM schema_groups WHERE name = $1 FOR UPDATE`, name).Scan(&raw)
	if err == sql.ErrNoRows {
		return previous, fmt.Errorf("group %s: %w", name, storage.ErrNotFound)
	} else if err != nil {
		return previous, fmt.Errorf("failed to lock group: %w", err)
	}
	if err := json.Unmarshal(raw, &previous); err != nil {
		return previous, fmt.Errorf("failed to unmarshal policy: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE schema_groups SET policy = $2 WHERE name = $1`, name, string(encoded)); err != nil {
		return previous, fmt.Errorf("failed to update policy: %w", err)
	}
	prev, next := previous, policy
	if err := insertHistory(ctx, tx, name, storage.GroupHistoryRecord{
		Kind:           storage.HistoryPolicyUpdated,
		Time:           s.now().UTC(),
		Actor:          actor,
		PreviousPolicy: &prev,
		Policy:         &next,
	}); err != nil {
		return previous, err
	}
	if err := tx.Commit(); err != nil {
		return previous, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.invalidateGroup(ctx, name)
	return previous, nil
}

// ListSchemas implements storage.SchemaStore
func (s *SchemaStore) ListSchemas(ctx context.Context, group, schemaType string, includeDeleted bool) ([]schema.SchemaWithVersion, error) {
	rows, err := s.reader(ctx).QueryContext(ctx, selectVersions+`
		WHERE v.group_name = $1 AND ($2 = '' OR v.schema_type = $2) AND ($3 OR NOT v.deleted)
		ORDER BY v.ordinal
	`, group, schemaType, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}

	var out []schema.SchemaWithVersion
	var fingerprints []string
	for rows.Next() {
		entry, fingerprint, err := scanVersion(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan schema: %w", err)
		}
		out = append(out, *entry)
		fingerprints = append(fingerprints, fingerprint)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}

	if len(out) == 0 {
		if err := s.groupExists(ctx, group); err != nil {
			return nil, err
		}
		return []schema.SchemaWithVersion{}, nil
	}

	for i := range out {
		if out[i].Schema.Data == nil {
			if out[i].Schema.Data, err = s.loadBlob(ctx, fingerprints[i]); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (s *SchemaStore) groupExists(ctx context.Context, group string) error {
	var exists bool
	if err := s.reader(ctx).QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_groups WHERE name = $1)`, group).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check group: %w", err)
	}
	if !exists {
		return fmt.Errorf("group %s: %w", group, storage.ErrNotFound)
	}
	return nil
}

func scanVersion(row rowScanner) (*schema.SchemaWithVersion, string, error) {
	var (
		entry       schema.SchemaWithVersion
		properties  []byte
		format      string
		fingerprint string
		data        []byte
	)
	err := row.Scan(
		&entry.Version.Ordinal,
		&entry.Version.Type,
		&entry.Version.Version,
		&entry.Deleted,
		&entry.CreatedAt,
		&properties,
		&format,
		&fingerprint,
		&data,
	)
	if err != nil {
		return nil, "", err
	}
	if entry.Schema.Format, err = schema.ParseSerializationFormat(format); err != nil {
		return nil, "", err
	}
	if entry.Schema.Properties, err = unmarshalProperties(properties); err != nil {
		return nil, "", err
	}
	entry.Schema.Type = entry.Version.Type
	entry.Schema.Data = data
	return &entry, fingerprint, nil
}

// loadBlob resolves schema bytes kept outside the database
func (s *SchemaStore) loadBlob(ctx context.Context, fingerprint string) ([]byte, error) {
	if s.blobs == nil {
		return []byte{}, nil
	}
	if s.cache != nil {
		if data, err := s.cache.GetSchemaBlob(ctx, fingerprint); err == nil && data != nil {
			return data, nil
		}
	}
	data, err := s.blobs.GetSchemaBlob(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetSchemaBlob(ctx, fingerprint, data); err != nil {
			s.logger.WithError(err).Debug("failed to cache schema blob")
		}
	}
	return data, nil
}

// GetSchema implements storage.SchemaStore
func (s *SchemaStore) GetSchema(ctx context.Context, group string, ordinal int) (*schema.SchemaWithVersion, error) {
	row := s.reader(ctx).QueryRowContext(ctx, selectVersions+` WHERE v.group_name = $1 AND v.ordinal = $2`, group, ordinal)
	entry, fingerprint, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schema %s#%d: %w", group, ordinal, storage.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	if entry.Schema.Data == nil {
		if entry.Schema.Data, err = s.loadBlob(ctx, fingerprint); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

// AppendVersion implements storage.SchemaStore. The whole append runs in one
// transaction holding the group row lock; any missed condition rolls back.
func (s *SchemaStore) AppendVersion(ctx context.Context, group string, info schema.SchemaInfo, cond storage.AppendCondition) (schema.VersionInfo, error) {
	fingerprint := schema.Fingerprint(info)
	ctx, span := tracer.Start(ctx, "Postgres.AppendVersion",
		trace.WithAttributes(
			attribute.String("group", group),
			attribute.String("schema.type", info.Type),
			attribute.String("schema.fingerprint", fingerprint),
		),
	)
	defer span.End()

	v, err := s.appendVersion(ctx, group, info, fingerprint, cond)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return schema.VersionInfo{}, err
	}
	span.SetAttributes(attribute.Int("schema.ordinal", v.Ordinal))
	return v, nil
}

func (s *SchemaStore) appendVersion(ctx context.Context, group string, info schema.SchemaInfo, fingerprint string, cond storage.AppendCondition) (schema.VersionInfo, error) {
	var assigned schema.VersionInfo

	// blobs are content addressed so an upload for a lost race is harmless
	// NULL data means the bytes live in the blob store
	var inline interface{} = info.Data
	if info.Data == nil {
		inline = []byte{}
	}
	if s.blobs != nil {
		if err := s.blobs.PutSchemaBlob(ctx, fingerprint, info.Data); err != nil {
			return assigned, err
		}
		inline = nil
	}
	properties, err := marshalProperties(info.Properties)
	if err != nil {
		return assigned, err
	}

	tx, err := s.conns.Primary().BeginTx(ctx, nil)
	if err != nil {
		return assigned, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var ordinal int
	err = tx.QueryRowContext(ctx, `SELECT ordinal FROM schema_groups WHERE name = $1 FOR UPDATE`, group).Scan(&ordinal)
	if err == sql.ErrNoRows {
		return assigned, fmt.Errorf("group %s: %w", group, storage.ErrNotFound)
	} else if err != nil {
		return assigned, fmt.Errorf("failed to lock group: %w", err)
	}
	if cond.CheckOrdinal && ordinal != cond.Ordinal {
		return assigned, storage.ErrConflict
	}

	version := cond.TypeVersion + 1
	if cond.TypeVersion == 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO type_tips (group_name, schema_type, version) VALUES ($1, $2, 1)
			ON CONFLICT (group_name, schema_type) DO NOTHING
		`, group, info.Type)
		if err != nil {
			return assigned, fmt.Errorf("failed to insert type tip: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return assigned, storage.ErrConflict
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE type_tips SET version = version + 1
			WHERE group_name = $1 AND schema_type = $2 AND version = $3
		`, group, info.Type, cond.TypeVersion)
		if err != nil {
			return assigned, fmt.Errorf("failed to advance type tip: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return assigned, storage.ErrConflict
		}
	}

	res, err := tx.ExecContext(ctx, `UPDATE schema_groups SET ordinal = ordinal + 1 WHERE name = $1 AND ordinal = $2`, group, ordinal)
	if err != nil {
		return assigned, fmt.Errorf("failed to advance ordinal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return assigned, storage.ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schemas (fingerprint, serialization_format, schema_type, data, size)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fingerprint) DO NOTHING
	`, fingerprint, info.Format.String(), info.Type, inline, len(info.Data)); err != nil {
		return assigned, fmt.Errorf("failed to insert schema: %w", err)
	}

	now := s.now().UTC()
	assigned = schema.VersionInfo{Type: info.Type, Version: version, Ordinal: ordinal + 1}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_versions (group_name, ordinal, schema_type, version, fingerprint, properties, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, group, assigned.Ordinal, assigned.Type, assigned.Version, fingerprint, properties, now); err != nil {
		if isPQError(err, uniqueViolation) {
			return schema.VersionInfo{}, storage.ErrConflict
		}
		return schema.VersionInfo{}, fmt.Errorf("failed to insert version: %w", err)
	}

	v := assigned
	if err := insertHistory(ctx, tx, group, storage.GroupHistoryRecord{Kind: storage.HistorySchemaAdded, Time: now, Version: &v}); err != nil {
		return schema.VersionInfo{}, err
	}
	if err := tx.Commit(); err != nil {
		return schema.VersionInfo{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return assigned, nil
}

// DeleteSchema implements storage.SchemaStore
func (s *SchemaStore) DeleteSchema(ctx context.Context, group string, ordinal int) error {
	tx, err := s.conns.Primary().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var v schema.VersionInfo
	err = tx.QueryRowContext(ctx, `
		UPDATE schema_versions SET deleted = TRUE
		WHERE group_name = $1 AND ordinal = $2 AND NOT deleted
		RETURNING schema_type, version, ordinal
	`, group, ordinal).Scan(&v.Type, &v.Version, &v.Ordinal)
	if err == sql.ErrNoRows {
		// either missing or already deleted
		var deleted bool
		err = tx.QueryRowContext(ctx, `SELECT deleted FROM schema_versions WHERE group_name = $1 AND ordinal = $2`, group, ordinal).Scan(&deleted)
		if err == sql.ErrNoRows {
			return fmt.Errorf("schema %s#%d: %w", group, ordinal, storage.ErrNotFound)
		} else if err != nil {
			return fmt.Errorf("failed to get schema: %w", err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to delete schema: %w", err)
	}

	if err := insertHistory(ctx, tx, group, storage.GroupHistoryRecord{Kind: storage.HistorySchemaDeleted, Time: s.now().UTC(), Version: &v}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AddCodecType implements storage.SchemaStore
func (s *SchemaStore) AddCodecType(ctx context.Context, group, codec string) error {
	_, err := s.conns.Primary().ExecContext(ctx, `
		INSERT INTO codecs (group_name, codec) VALUES ($1, $2)
		ON CONFLICT (group_name, codec) DO NOTHING
	`, group, codec)
	if isPQError(err, foreignKeyViolation) {
		return fmt.Errorf("group %s: %w", group, storage.ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("failed to add codec: %w", err)
	}
	return nil
}

// ListCodecTypes implements storage.SchemaStore
func (s *SchemaStore) ListCodecTypes(ctx context.Context, group string) ([]string, error) {
	rows, err := s.reader(ctx).QueryContext(ctx, `SELECT codec FROM codecs WHERE group_name = $1 ORDER BY position`, group)
	if err != nil {
		return nil, fmt.Errorf("failed to list codecs: %w", err)
	}
	defer rows.Close()

	var codecs []string
	for rows.Next() {
		var codec string
		if err := rows.Scan(&codec); err != nil {
			return nil, fmt.Errorf("failed to scan codec: %w", err)
		}
		codecs = append(codecs, codec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// every group owns the default codec, so nothing means no group
	if len(codecs) == 0 {
		return nil, fmt.Errorf("group %s: %w", group, storage.ErrNotFound)
	}
	return codecs, nil
}

// GetOrCreateEncodingID implements storage.SchemaStore. Ids are dense per
// group; allocation is serialized on the group row.
func (s *SchemaStore) GetOrCreateEncodingID(ctx context.Context, group string, ordinal int, codec string) (schema.EncodingID, error) {
	const lookup = `SELECT id FROM encodings WHERE group_name = $1 AND ordinal = $2 AND codec = $3`

	var id int
	err := s.conns.Primary().QueryRowContext(ctx, lookup, group, ordinal, codec).Scan(&id)
	if err == nil {
		return schema.EncodingID(id), nil
	} else if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to get encoding: %w", err)
	}

	tx, err := s.conns.Primary().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var name string
	err = tx.QueryRowContext(ctx, `SELECT name FROM schema_groups WHERE name = $1 FOR UPDATE`, group).Scan(&name)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("group %s: %w", group, storage.ErrNotFound)
	} else if err != nil {
		return 0, fmt.Errorf("failed to lock group: %w", err)
	}

	var known bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM codecs WHERE group_name = $1 AND codec = $2)`, group, codec).Scan(&known); err != nil {
		return 0, fmt.Errorf("failed to check codec: %w", err)
	}
	if !known {
		return 0, fmt.Errorf("codec %s: %w", codec, storage.ErrCodecNotRegistered)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_versions WHERE group_name = $1 AND ordinal = $2)`, group, ordinal).Scan(&exists); err != nil {
		return 0, fmt.Errorf("failed to check schema: %w", err)
	}
	if !exists {
		return 0, fmt.Errorf("schema %s#%d: %w", group, ordinal, storage.ErrNotFound)
	}

	err = tx.QueryRowContext(ctx, lookup, group, ordinal, codec).Scan(&id)
	if err == nil {
		return schema.EncodingID(id), nil
	} else if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to get encoding: %w", err)
	}

	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id) + 1, 0) FROM encodings WHERE group_name = $1`, group).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to allocate encoding id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO encodings (group_name, id, ordinal, codec) VALUES ($1, $2, $3, $4)`, group, id, ordinal, codec); err != nil {
		return 0, fmt.Errorf("failed to insert encoding: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return schema.EncodingID(id), nil
}

// GetEncodingInfo implements storage.SchemaStore
func (s *SchemaStore) GetEncodingInfo(ctx context.Context, group string, id schema.EncodingID) (*schema.EncodingInfo, error) {
	var (
		ordinal int
		codec   string
	)
	err := s.reader(ctx).QueryRowContext(ctx, `SELECT ordinal, codec FROM encodings WHERE group_name = $1 AND id = $2`, group, int(id)).Scan(&ordinal, &codec)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("encoding %s/%d: %w", group, id, storage.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get encoding: %w", err)
	}

	entry, err := s.GetSchema(ctx, group, ordinal)
	if err != nil {
		return nil, err
	}
	return &schema.EncodingInfo{ID: id, Version: entry.Version, Schema: entry.Schema, CodecType: codec}, nil
}

// GroupHistory implements storage.SchemaStore
func (s *SchemaStore) GroupHistory(ctx context.Context, group string) ([]storage.GroupHistoryRecord, error) {
	rows, err := s.reader(ctx).QueryContext(ctx, `
		SELECT kind, actor, version, previous_policy, policy, created_at
		FROM group_history
		WHERE group_name = $1
		ORDER BY id
	`, group)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var records []storage.GroupHistoryRecord
	for rows.Next() {
		var (
			rec                      storage.GroupHistoryRecord
			kind                     string
			version, previous, policy []byte
		)
		if err := rows.Scan(&kind, &rec.Actor, &version, &previous, &policy, &rec.Time); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		rec.Kind = storage.HistoryKind(kind)
		if version != nil {
			rec.Version = new(schema.VersionInfo)
			if err := json.Unmarshal(version, rec.Version); err != nil {
				return nil, fmt.Errorf("failed to unmarshal version: %w", err)
			}
		}
		if previous != nil {
			rec.PreviousPolicy = new(compatibility.Policy)
			if err := json.Unmarshal(previous, rec.PreviousPolicy); err != nil {
				return nil, fmt.Errorf("failed to unmarshal policy: %w", err)
			}
		}
		if policy != nil {
			rec.Policy = new(compatibility.Policy)
			if err := json.Unmarshal(policy, rec.Policy); err != nil {
				return nil, fmt.Errorf("failed to unmarshal policy: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// creation is always recorded
	if len(records) == 0 {
		return nil, fmt.Errorf("group %s: %w", group, storage.ErrNotFound)
	}
	return records, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, group string, rec storage.GroupHistoryRecord) error {
	version, err := marshalOptional(rec.Version)
	if err != nil {
		return err
	}
	previous, err := marshalOptional(rec.PreviousPolicy)
	if err != nil {
		return err
	}
	policy, err := marshalOptional(rec.Policy)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO group_history (group_name, kind, actor, version, previous_policy, policy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, group, string(rec.Kind), rec.Actor, version, previous, policy, rec.Time); err != nil {
		return fmt.Errorf("failed to record history: %w", err)
	}
	return nil
}

// marshalOptional encodes v for a JSONB column, mapping nil pointers to SQL
// NULL. JSONB parameters travel as text; lib/pq would send []byte as bytea.
func marshalOptional[T any](v *T) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history field: %w", err)
	}
	return string(data), nil
}

func marshalProperties(props map[string]string) (string, error) {
	if props == nil {
		props = map[string]string{}
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("failed to marshal properties: %w", err)
	}
	return string(data), nil
}

func unmarshalProperties(data []byte) (map[string]string, error) {
	var props map[string]string
	if len(data) > 0 {
		if err := json.Unmarshal(data, &props); err != nil {
			return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
		}
	}
	if len(props) == 0 {
		return nil, nil
	}
	return props, nil
}

// HealthCheck implements storage.SchemaStore
func (s *SchemaStore) HealthCheck(ctx context.Context) error {
	if err := s.conns.HealthCheck(ctx); err != nil {
		return fmt.Errorf("postgres unhealthy: %w", err)
	}
	if s.blobs != nil {
		if err := s.blobs.HealthCheck(ctx); err != nil {
			return fmt.Errorf("s3 unhealthy: %w", err)
		}
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
	}
	return nil
}

// ConnectionStats exposes pool statistics for metrics
func (s *SchemaStore) ConnectionStats() ConnectionStats {
	return s.conns.Stats()
}

// StartReplicaHealthChecks drops unhealthy replicas until ctx is done
func (s *SchemaStore) StartReplicaHealthChecks(ctx context.Context, interval time.Duration) {
	s.conns.StartHealthCheckRoutine(ctx, interval)
}

// Close closes all connections
func (s *SchemaStore) Close() error {
	var errs []error
	if err := s.conns.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
