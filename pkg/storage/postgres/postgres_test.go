package postgres

import (
	"context"
	"database/sql"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tether/pkg/compatibility"
	"github.com/platinummonkey/tether/pkg/observability"
	"github.com/platinummonkey/tether/pkg/schema"
	"github.com/platinummonkey/tether/pkg/storage"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func q(s string) string { return regexp.QuoteMeta(s) }

// newTestStore builds a store over a sqlmock primary and optional replicas
func newTestStore(t *testing.T, opts ...Option) (*SchemaStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_groups").WillReturnResult(sqlmock.NewResult(0, 0))

	opts = append([]Option{WithLogger(observability.NewLogger(observability.ErrorLevel, io.Discard))}, opts...)
	store, err := New(context.Background(), NewConnectionManagerFromDB(db), storage.DefaultConfig(), opts...)
	require.NoError(t, err)
	store.now = func() time.Time { return fixedNow }
	return store, mock
}

type memoryBlobs struct {
	objects map[string][]byte
	gets    int
}

func (m *memoryBlobs) PutSchemaBlob(ctx context.Context, fingerprint string, data []byte) error {
	m.objects[fingerprint] = data
	return nil
}

func (m *memoryBlobs) GetSchemaBlob(ctx context.Context, fingerprint string) ([]byte, error) {
	m.gets++
	data, ok := m.objects[fingerprint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (m *memoryBlobs) HealthCheck(ctx context.Context) error { return nil }

func versionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"ordinal", "schema_type", "version", "deleted", "created_at", "properties", "serialization_format", "fingerprint", "data"})
}

func TestNew_EnsureSchemaFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnError(sql.ErrConnDone)
	_, err = New(context.Background(), NewConnectionManagerFromDB(db), storage.DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create tables")
}

func TestAppendVersion_FirstVersion(t *testing.T) {
	store, mock := newTestStore(t)
	info := schema.SchemaInfo{Type: "order", Format: schema.FormatJSON, Data: []byte(`{"type":"object"}`)}
	fp := schema.Fingerprint(info)

	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT ordinal FROM schema_groups WHERE name = $1 FOR UPDATE`)).
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"ordinal"}).AddRow(0))
	mock.ExpectExec("INSERT INTO type_tips").WithArgs("orders", "order").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`UPDATE schema_groups SET ordinal = ordinal + 1`)).WithArgs("orders", 0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO schemas").WithArgs(fp, "Json", "order", info.Data, len(info.Data)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO schema_versions").
		WithArgs("orders", 1, "order", 1, fp, "{}", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO group_history").
		WithArgs("orders", "schema_added", "", `{"type":"order","version":1,"ordinal":1}`, nil, nil, fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	v, err := store.AppendVersion(context.Background(), "orders", info, storage.AppendCondition{CheckOrdinal: true})
	require.NoError(t, err)
	assert.Equal(t, schema.VersionInfo{Type: "order", Version: 1, Ordinal: 1}, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendVersion_Conflicts(t *testing.T) {
	info := schema.SchemaInfo{Type: "order", Format: schema.FormatJSON, Data: []byte(`{}`)}
	lockGroup := func(mock sqlmock.Sqlmock, ordinal int) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT ordinal FROM schema_groups").
			WithArgs("orders").
			WillReturnRows(sqlmock.NewRows([]string{"ordinal"}).AddRow(ordinal))
	}

	t.Run("ordinal moved", func(t *testing.T) {
		store, mock := newTestStore(t)
		lockGroup(mock, 5)
		mock.ExpectRollback()

		_, err := store.AppendVersion(context.Background(), "orders", info, storage.AppendCondition{TypeVersion: 2, Ordinal: 4, CheckOrdinal: true})
		assert.ErrorIs(t, err, storage.ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("type tip moved", func(t *testing.T) {
		store, mock := newTestStore(t)
		lockGroup(mock, 5)
		mock.ExpectExec("UPDATE type_tips SET version = version \\+ 1").
			WithArgs("orders", "order", 2).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := store.AppendVersion(context.Background(), "orders", info, storage.AppendCondition{TypeVersion: 2, Ordinal: 4})
		assert.ErrorIs(t, err, storage.ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("first version raced", func(t *testing.T) {
		store, mock := newTestStore(t)
		lockGroup(mock, 0)
		mock.ExpectExec("INSERT INTO type_tips").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := store.AppendVersion(context.Background(), "orders", info, storage.AppendCondition{})
		assert.ErrorIs(t, err, storage.ErrConflict)
	})

	t.Run("unique violation maps to conflict", func(t *testing.T) {
		store, mock := newTestStore(t)
		lockGroup(mock, 1)
		mock.ExpectExec("UPDATE type_tips").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE schema_groups SET ordinal").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO schemas").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO schema_versions").WillReturnError(&pq.Error{Code: uniqueViolation})
		mock.ExpectRollback()

		_, err := store.AppendVersion(context.Background(), "orders", info, storage.AppendCondition{TypeVersion: 1, Ordinal: 1})
		assert.ErrorIs(t, err, storage.ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing group", func(t *testing.T) {
		store, mock := newTestStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT ordinal FROM schema_groups").WillReturnRows(sqlmock.NewRows([]string{"ordinal"}))
		mock.ExpectRollback()

		_, err := store.AppendVersion(context.Background(), "nope", info, storage.AppendCondition{})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestAppendVersion_HybridStoresBlob(t *testing.T) {
	blobs := &memoryBlobs{objects: map[string][]byte{}}
	store, mock := newTestStore(t)
	store.blobs = blobs

	info := schema.SchemaInfo{Type: "order", Format: schema.FormatJSON, Data: []byte(`{"type":"string"}`)}
	fp := schema.Fingerprint(info)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT ordinal FROM schema_groups").WillReturnRows(sqlmock.NewRows([]string{"ordinal"}).AddRow(0))
	mock.ExpectExec("INSERT INTO type_tips").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE schema_groups SET ordinal").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO schemas").WithArgs(fp, "Json", "order", nil, len(info.Data)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO schema_versions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO group_history").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, err := store.AppendVersion(context.Background(), "orders", info, storage.AppendCondition{})
	require.NoError(t, err)
	assert.Equal(t, info.Data, blobs.objects[fp])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateGroup(t *testing.T) {
	props := storage.GroupProperties{SerializationFormat: schema.FormatJSON, Policy: compatibility.Backward()}

	t.Run("creates group with default codec", func(t *testing.T) {
		store, mock := newTestStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO schema_groups").
			WithArgs("orders", "Json", sqlmock.AnyArg(), false, "{}", fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO codecs").WithArgs("orders", schema.DefaultCodec).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO group_history").
			WithArgs("orders", "group_created", "", nil, nil, nil, fixedNow).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, store.CreateGroup(context.Background(), "orders", props))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate", func(t *testing.T) {
		store, mock := newTestStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO schema_groups").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.CreateGroup(context.Background(), "orders", props)
		assert.ErrorIs(t, err, storage.ErrGroupExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func groupRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"name", "serialization_format", "policy", "version_by_schema_type", "properties", "created_at"}).
		AddRow("orders", "Json", []byte(`{"mode":"FULL_TRANSITIVE","backward":{"scope":"ALL"},"forward":{"scope":"ALL"}}`), true, []byte(`{"owner":"payments"}`), fixedNow)
}

func TestGetGroup_CachedInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := storage.DefaultConfig()
	cfg.RedisURL = "redis://" + mr.Addr()
	cache, err := NewRedisClient(cfg)
	require.NoError(t, err)
	defer cache.Close()

	store, mock := newTestStore(t, WithRedis(cache))
	ctx := context.Background()

	mock.ExpectQuery("SELECT name, serialization_format").WithArgs("orders").WillReturnRows(groupRows())

	group, err := store.GetGroup(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, compatibility.FullTransitive(), group.Properties.Policy)
	assert.True(t, group.Properties.VersionBySchemaType)
	assert.Equal(t, "payments", group.Properties.Properties["owner"])
	assert.True(t, mr.Exists(groupKeyPrefix+"orders"))

	// served from cache, no query expected
	cached, err := store.GetGroup(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, group.Properties, cached.Properties)

	// consistent reads skip the cache
	mock.ExpectQuery("SELECT name, serialization_format").WithArgs("orders").WillReturnRows(groupRows())
	_, err = store.GetGroup(storage.WithConsistentRead(ctx), "orders")
	require.NoError(t, err)

	// a policy update invalidates the entry
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT policy FROM schema_groups").WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"policy"}).AddRow([]byte(`{"mode":"FULL_TRANSITIVE","backward":{"scope":"ALL"},"forward":{"scope":"ALL"}}`)))
	mock.ExpectExec("UPDATE schema_groups SET policy").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO group_history").
		WithArgs("orders", "policy_updated", "alice", nil, sqlmock.AnyArg(), sqlmock.AnyArg(), fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	previous, err := store.UpdatePolicy(ctx, "orders", compatibility.AllowAny(), "alice")
	require.NoError(t, err)
	assert.Equal(t, compatibility.FullTransitive(), previous)
	assert.False(t, mr.Exists(groupKeyPrefix+"orders"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetGroup_NotFound(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery("SELECT name, serialization_format").WillReturnRows(sqlmock.NewRows([]string{"name"}))

	_, err := store.GetGroup(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListSchemas_ReplicaAndBlobs(t *testing.T) {
	primary, primaryMock, err := sqlmock.New()
	require.NoError(t, err)
	defer primary.Close()
	replica, replicaMock, err := sqlmock.New()
	require.NoError(t, err)
	defer replica.Close()

	mr := miniredis.RunT(t)
	cfg := storage.DefaultConfig()
	cfg.RedisURL = "redis://" + mr.Addr()
	cache, err := NewRedisClient(cfg)
	require.NoError(t, err)
	defer cache.Close()

	blobs := &memoryBlobs{objects: map[string][]byte{"fp-2": []byte(`{"type":"string"}`)}}

	primaryMock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := New(context.Background(), NewConnectionManagerFromDB(primary, replica), cfg,
		WithRedis(cache), WithLogger(observability.NewLogger(observability.ErrorLevel, io.Discard)))
	require.NoError(t, err)
	store.blobs = blobs

	rows := func() *sqlmock.Rows {
		return versionRows().
			AddRow(1, "order", 1, false, fixedNow, []byte(`{}`), "Json", "fp-1", []byte(`{}`)).
			AddRow(2, "order", 2, true, fixedNow, []byte(`{"owner":"x"}`), "Json", "fp-2", nil)
	}

	replicaMock.ExpectQuery("SELECT v.ordinal, v.schema_type").WithArgs("orders", "order", true).WillReturnRows(rows())
	history, err := store.ListSchemas(context.Background(), "orders", "order", true)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, []byte(`{}`), history[0].Schema.Data)
	assert.Nil(t, history[0].Schema.Properties)
	assert.Equal(t, []byte(`{"type":"string"}`), history[1].Schema.Data)
	assert.True(t, history[1].Deleted)
	assert.Equal(t, "x", history[1].Schema.Properties["owner"])
	assert.Equal(t, schema.VersionInfo{Type: "order", Version: 2, Ordinal: 2}, history[1].Version)
	assert.Equal(t, 1, blobs.gets)

	// the compatibility path reads the primary, blob now comes from redis
	primaryMock.ExpectQuery("SELECT v.ordinal, v.schema_type").WillReturnRows(rows())
	_, err = store.ListSchemas(storage.WithConsistentRead(context.Background()), "orders", "order", true)
	require.NoError(t, err)
	assert.Equal(t, 1, blobs.gets)

	assert.NoError(t, primaryMock.ExpectationsWereMet())
	assert.NoError(t, replicaMock.ExpectationsWereMet())
}

func TestListSchemas_EmptyChecksGroup(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT v.ordinal").WillReturnRows(versionRows())
	mock.ExpectQuery(q("SELECT EXISTS(SELECT 1 FROM schema_groups")).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	history, err := store.ListSchemas(context.Background(), "orders", "", false)
	require.NoError(t, err)
	assert.Empty(t, history)

	mock.ExpectQuery("SELECT v.ordinal").WillReturnRows(versionRows())
	mock.ExpectQuery(q("SELECT EXISTS(SELECT 1 FROM schema_groups")).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	_, err = store.ListSchemas(context.Background(), "missing", "", false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteSchema(t *testing.T) {
	t.Run("soft deletes and records history", func(t *testing.T) {
		store, mock := newTestStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE schema_versions SET deleted = TRUE").WithArgs("orders", 2).
			WillReturnRows(sqlmock.NewRows([]string{"schema_type", "version", "ordinal"}).AddRow("order", 2, 2))
		mock.ExpectExec("INSERT INTO group_history").
			WithArgs("orders", "schema_deleted", "", `{"type":"order","version":2,"ordinal":2}`, nil, nil, fixedNow).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, store.DeleteSchema(context.Background(), "orders", 2))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already deleted is a no-op", func(t *testing.T) {
		store, mock := newTestStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE schema_versions").WillReturnRows(sqlmock.NewRows([]string{"schema_type", "version", "ordinal"}))
		mock.ExpectQuery("SELECT deleted FROM schema_versions").WillReturnRows(sqlmock.NewRows([]string{"deleted"}).AddRow(true))
		mock.ExpectRollback()

		assert.NoError(t, store.DeleteSchema(context.Background(), "orders", 2))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing", func(t *testing.T) {
		store, mock := newTestStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE schema_versions").WillReturnRows(sqlmock.NewRows([]string{"schema_type", "version", "ordinal"}))
		mock.ExpectQuery("SELECT deleted FROM schema_versions").WillReturnRows(sqlmock.NewRows([]string{"deleted"}))
		mock.ExpectRollback()

		assert.ErrorIs(t, store.DeleteSchema(context.Background(), "orders", 9), storage.ErrNotFound)
	})
}

func TestGetOrCreateEncodingID(t *testing.T) {
	lookup := q(`SELECT id FROM encodings WHERE group_name = $1 AND ordinal = $2 AND codec = $3`)

	t.Run("existing id", func(t *testing.T) {
		store, mock := newTestStore(t)
		mock.ExpectQuery(lookup).WithArgs("orders", 1, "none").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))

		id, err := store.GetOrCreateEncodingID(context.Background(), "orders", 1, "none")
		require.NoError(t, err)
		assert.Equal(t, schema.EncodingID(3), id)
	})

	t.Run("allocates next dense id", func(t *testing.T) {
		store, mock := newTestStore(t)
		mock.ExpectQuery(lookup).WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT name FROM schema_groups").WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("orders"))
		mock.ExpectQuery(q("SELECT EXISTS(SELECT 1 FROM codecs")).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectQuery(q("SELECT EXISTS(SELECT 1 FROM schema_versions")).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectQuery(lookup).WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectQuery(q("SELECT COALESCE(MAX(id) + 1, 0)")).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
		mock.ExpectExec("INSERT INTO encodings").WithArgs("orders", 2, 1, "gzip").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		id, err := store.GetOrCreateEncodingID(context.Background(), "orders", 1, "gzip")
		require.NoError(t, err)
		assert.Equal(t, schema.EncodingID(2), id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown codec", func(t *testing.T) {
		store, mock := newTestStore(t)
		mock.ExpectQuery(lookup).WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT name FROM schema_groups").WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("orders"))
		mock.ExpectQuery(q("SELECT EXISTS(SELECT 1 FROM codecs")).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectRollback()

		_, err := store.GetOrCreateEncodingID(context.Background(), "orders", 1, "snappy")
		assert.ErrorIs(t, err, storage.ErrCodecNotRegistered)
	})
}

func TestAddCodecType_MissingGroup(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO codecs").WillReturnError(&pq.Error{Code: foreignKeyViolation})

	err := store.AddCodecType(context.Background(), "missing", "gzip")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGroupHistory(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery("SELECT kind, actor, version").WithArgs("orders").WillReturnRows(
		sqlmock.NewRows([]string{"kind", "actor", "version", "previous_policy", "policy", "created_at"}).
			AddRow("group_created", "", nil, nil, nil, fixedNow).
			AddRow("policy_updated", "alice", nil,
				[]byte(`{"mode":"BACKWARD","backward":{"scope":"LATEST"},"forward":{"scope":"NONE"}}`),
				[]byte(`{"mode":"NONE","backward":{"scope":"NONE"},"forward":{"scope":"NONE"}}`), fixedNow).
			AddRow("schema_added", "", []byte(`{"type":"order","version":1,"ordinal":1}`), nil, nil, fixedNow),
	)

	records, err := store.GroupHistory(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, storage.HistoryPolicyUpdated, records[1].Kind)
	assert.Equal(t, compatibility.Backward(), *records[1].PreviousPolicy)
	assert.Equal(t, compatibility.AllowAny(), *records[1].Policy)
	assert.Equal(t, schema.VersionInfo{Type: "order", Version: 1, Ordinal: 1}, *records[2].Version)

	mock.ExpectQuery("SELECT kind, actor, version").WillReturnRows(sqlmock.NewRows([]string{"kind", "actor", "version", "previous_policy", "policy", "created_at"}))
	_, err = store.GroupHistory(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
