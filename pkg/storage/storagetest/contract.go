// Package storagetest provides the behavioural suite shared by SchemaStore
// implementations.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tether/pkg/compatibility"
	"github.com/platinummonkey/tether/pkg/schema"
	"github.com/platinummonkey/tether/pkg/storage"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) storage.SchemaStore

func jsonSchema(schemaType, data string) schema.SchemaInfo {
	return schema.SchemaInfo{Type: schemaType, Format: schema.FormatJSON, Data: []byte(data)}
}

func defaultProps() storage.GroupProperties {
	return storage.GroupProperties{
		SerializationFormat: schema.FormatJSON,
		Policy:              compatibility.Backward(),
		Properties:          map[string]string{"owner": "payments"},
	}
}

// Run exercises the full SchemaStore contract against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("groups", func(t *testing.T) { testGroups(t, newStore(t)) })
	t.Run("append and list", func(t *testing.T) { testAppend(t, newStore(t)) })
	t.Run("conflicts", func(t *testing.T) { testConflicts(t, newStore(t)) })
	t.Run("concurrent appends", func(t *testing.T) { testConcurrentAppends(t, newStore(t)) })
	t.Run("soft delete", func(t *testing.T) { testSoftDelete(t, newStore(t)) })
	t.Run("encodings", func(t *testing.T) { testEncodings(t, newStore(t)) })
	t.Run("history", func(t *testing.T) { testHistory(t, newStore(t)) })
	t.Run("returned values are copies", func(t *testing.T) { testCopies(t, newStore(t)) })
}

func testGroups(t *testing.T, store storage.SchemaStore) {
	ctx := context.Background()

	require.NoError(t, store.CreateGroup(ctx, "orders", defaultProps()))
	require.NoError(t, store.CreateGroup(ctx, "accounts", defaultProps()))
	assert.ErrorIs(t, store.CreateGroup(ctx, "orders", defaultProps()), storage.ErrGroupExists)

	group, err := store.GetGroup(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", group.Name)
	assert.Equal(t, schema.FormatJSON, group.Properties.SerializationFormat)
	assert.Equal(t, compatibility.Backward(), group.Properties.Policy)
	assert.Equal(t, "payments", group.Properties.Properties["owner"])

	groups, err := store.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "accounts", groups[0].Name)
	assert.Equal(t, "orders", groups[1].Name)

	_, err = store.GetGroup(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.DeleteGroup(ctx, "accounts"))
	assert.ErrorIs(t, store.DeleteGroup(ctx, "accounts"), storage.ErrNotFound)
	_, err = store.GetGroup(ctx, "accounts")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	previous, err := store.UpdatePolicy(ctx, "orders", compatibility.FullTransitive(), "alice")
	require.NoError(t, err)
	assert.Equal(t, compatibility.Backward(), previous)
	group, err = store.GetGroup(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, compatibility.FullTransitive(), group.Properties.Policy)

	_, err = store.UpdatePolicy(ctx, "missing", compatibility.Full(), "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testAppend(t *testing.T, store storage.SchemaStore) {
	ctx := context.Background()
	require.NoError(t, store.CreateGroup(ctx, "orders", defaultProps()))

	v1, err := store.AppendVersion(ctx, "orders", jsonSchema("order", `{"type":"object"}`), storage.AppendCondition{CheckOrdinal: true})
	require.NoError(t, err)
	assert.Equal(t, schema.VersionInfo{Type: "order", Version: 1, Ordinal: 1}, v1)

	v2, err := store.AppendVersion(ctx, "orders", jsonSchema("refund", `{"type":"object"}`), storage.AppendCondition{Ordinal: 1, CheckOrdinal: true})
	require.NoError(t, err)
	assert.Equal(t, schema.VersionInfo{Type: "refund", Version: 1, Ordinal: 2}, v2)

	v3, err := store.AppendVersion(ctx, "orders", jsonSchema("order", `{"type":"object","properties":{}}`), storage.AppendCondition{TypeVersion: 1, Ordinal: 2, CheckOrdinal: true})
	require.NoError(t, err)
	assert.Equal(t, schema.VersionInfo{Type: "order", Version: 2, Ordinal: 3}, v3)

	all, err := store.ListSchemas(ctx, "orders", "", false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, entry := range all {
		assert.Equal(t, i+1, entry.Version.Ordinal)
		assert.False(t, entry.CreatedAt.IsZero())
	}

	orders, err := store.ListSchemas(ctx, "orders", "order", false)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, []byte(`{"type":"object","properties":{}}`), orders[1].Schema.Data)

	got, err := store.GetSchema(ctx, "orders", 2)
	require.NoError(t, err)
	assert.Equal(t, v2, got.Version)
	assert.True(t, got.Schema.SameContent(jsonSchema("refund", `{"type":"object"}`)))

	_, err = store.GetSchema(ctx, "orders", 9)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.AppendVersion(ctx, "missing", jsonSchema("order", `{}`), storage.AppendCondition{})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// identical content in another group is stored independently
	require.NoError(t, store.CreateGroup(ctx, "mirror", defaultProps()))
	mv, err := store.AppendVersion(ctx, "mirror", jsonSchema("order", `{"type":"object"}`), storage.AppendCondition{})
	require.NoError(t, err)
	assert.Equal(t, 1, mv.Ordinal)
}

func testConflicts(t *testing.T, store storage.SchemaStore) {
	ctx := context.Background()
	require.NoError(t, store.CreateGroup(ctx, "orders", defaultProps()))

	_, err := store.AppendVersion(ctx, "orders", jsonSchema("order", `{}`), storage.AppendCondition{})
	require.NoError(t, err)

	// stale type tip
	_, err = store.AppendVersion(ctx, "orders", jsonSchema("order", `{"a":1}`), storage.AppendCondition{})
	assert.ErrorIs(t, err, storage.ErrConflict)

	// stale ordinal only matters when checked
	_, err = store.AppendVersion(ctx, "orders", jsonSchema("refund", `{}`), storage.AppendCondition{Ordinal: 0, CheckOrdinal: true})
	assert.ErrorIs(t, err, storage.ErrConflict)
	v, err := store.AppendVersion(ctx, "orders", jsonSchema("refund", `{}`), storage.AppendCondition{Ordinal: 0})
	require.NoError(t, err)
	assert.Equal(t, 2, v.Ordinal)

	all, err := store.ListSchemas(ctx, "orders", "", true)
	require.NoError(t, err)
	assert.Len(t, all, 2, "a refused append writes nothing")
}

func testConcurrentAppends(t *testing.T, store storage.SchemaStore) {
	ctx := context.Background()
	require.NoError(t, store.CreateGroup(ctx, "orders", defaultProps()))

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info := jsonSchema("order", fmt.Sprintf(`{"n":%d}`, i))
			_, err := store.AppendVersion(ctx, "orders", info, storage.AppendCondition{CheckOrdinal: true})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, storage.ErrConflict)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one writer observing the same tip may win")
	all, err := store.ListSchemas(ctx, "orders", "", true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testSoftDelete(t *testing.T, store storage.SchemaStore) {
	ctx := context.Background()
	require.NoError(t, store.CreateGroup(ctx, "orders", defaultProps()))

	for i := 0; i < 3; i++ {
		_, err := store.AppendVersion(ctx, "orders", jsonSchema("order", fmt.Sprintf(`{"n":%d}`, i)), storage.AppendCondition{TypeVersion: i, Ordinal: i, CheckOrdinal: true})
		require.NoError(t, err)
	}

	require.NoError(t, store.DeleteSchema(ctx, "orders", 3))
	assert.ErrorIs(t, store.DeleteSchema(ctx, "orders", 7), storage.ErrNotFound)

	live, err := store.ListSchemas(ctx, "orders", "", false)
	require.NoError(t, err)
	assert.Len(t, live, 2)

	all, err := store.ListSchemas(ctx, "orders", "", true)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[2].Deleted)

	deleted, err := store.GetSchema(ctx, "orders", 3)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	// numbers are never reused
	typeVersion, ordinal := storage.Tips(all, "order")
	v, err := store.AppendVersion(ctx, "orders", jsonSchema("order", `{"n":9}`), storage.AppendCondition{TypeVersion: typeVersion, Ordinal: ordinal, CheckOrdinal: true})
	require.NoError(t, err)
	assert.Equal(t, schema.VersionInfo{Type: "order", Version: 4, Ordinal: 4}, v)
}

func testEncodings(t *testing.T, store storage.SchemaStore) {
	ctx := context.Background()
	require.NoError(t, store.CreateGroup(ctx, "orders", defaultProps()))

	codecs, err := store.ListCodecTypes(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, []string{schema.DefaultCodec}, codecs)

	require.NoError(t, store.AddCodecType(ctx, "orders", "gzip"))
	require.NoError(t, store.AddCodecType(ctx, "orders", "gzip"))
	codecs, err = store.ListCodecTypes(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, []string{schema.DefaultCodec, "gzip"}, codecs)

	v1, err := store.AppendVersion(ctx, "orders", jsonSchema("order", `{}`), storage.AppendCondition{})
	require.NoError(t, err)

	id, err := store.GetOrCreateEncodingID(ctx, "orders", v1.Ordinal, schema.DefaultCodec)
	require.NoError(t, err)
	assert.Equal(t, schema.EncodingID(0), id)

	again, err := store.GetOrCreateEncodingID(ctx, "orders", v1.Ordinal, schema.DefaultCodec)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	gz, err := store.GetOrCreateEncodingID(ctx, "orders", v1.Ordinal, "gzip")
	require.NoError(t, err)
	assert.Equal(t, schema.EncodingID(1), gz)

	_, err = store.GetOrCreateEncodingID(ctx, "orders", v1.Ordinal, "snappy")
	assert.ErrorIs(t, err, storage.ErrCodecNotRegistered)
	_, err = store.GetOrCreateEncodingID(ctx, "orders", 42, "gzip")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	info, err := store.GetEncodingInfo(ctx, "orders", gz)
	require.NoError(t, err)
	assert.Equal(t, "gzip", info.CodecType)
	assert.Equal(t, v1, info.Version)
	assert.Equal(t, []byte(`{}`), info.Schema.Data)

	_, err = store.GetEncodingInfo(ctx, "orders", 5)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testHistory(t *testing.T, store storage.SchemaStore) {
	ctx := context.Background()
	require.NoError(t, store.CreateGroup(ctx, "orders", defaultProps()))

	v, err := store.AppendVersion(ctx, "orders", jsonSchema("order", `{}`), storage.AppendCondition{})
	require.NoError(t, err)
	_, err = store.UpdatePolicy(ctx, "orders", compatibility.AllowAny(), "bob")
	require.NoError(t, err)
	require.NoError(t, store.DeleteSchema(ctx, "orders", v.Ordinal))

	records, err := store.GroupHistory(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, records, 4)

	kinds := make([]storage.HistoryKind, len(records))
	for i, r := range records {
		kinds[i] = r.Kind
	}
	assert.Equal(t, []storage.HistoryKind{
		storage.HistoryGroupCreated,
		storage.HistorySchemaAdded,
		storage.HistoryPolicyUpdated,
		storage.HistorySchemaDeleted,
	}, kinds)

	require.NotNil(t, records[1].Version)
	assert.Equal(t, v, *records[1].Version)
	assert.Equal(t, "bob", records[2].Actor)
	require.NotNil(t, records[2].PreviousPolicy)
	assert.Equal(t, compatibility.Backward(), *records[2].PreviousPolicy)
	assert.Equal(t, compatibility.AllowAny(), *records[2].Policy)
}

func testCopies(t *testing.T, store storage.SchemaStore) {
	ctx := context.Background()
	require.NoError(t, store.CreateGroup(ctx, "orders", defaultProps()))

	info := jsonSchema("order", `{"type":"object"}`)
	info.Properties = map[string]string{"team": "payments"}
	_, err := store.AppendVersion(ctx, "orders", info, storage.AppendCondition{CheckOrdinal: true})
	require.NoError(t, err)
	info.Data[0] = '['
	info.Properties["team"] = "mutated"

	listed, err := store.ListSchemas(ctx, "orders", "", true)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	listed[0].Schema.Data[0] = '['
	if listed[0].Schema.Properties != nil {
		listed[0].Schema.Properties["team"] = "mutated"
	}

	got, err := store.GetSchema(ctx, "orders", 1)
	require.NoError(t, err)
	got.Schema.Data[1] = '!'

	again, err := store.GetSchema(ctx, "orders", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"type":"object"}`), again.Schema.Data)
	assert.NotEqual(t, "mutated", again.Schema.Properties["team"])

	group, err := store.GetGroup(ctx, "orders")
	require.NoError(t, err)
	group.Properties.Properties["owner"] = "mutated"
	group, err = store.GetGroup(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "payments", group.Properties.Properties["owner"])
}
