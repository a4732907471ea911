package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tether/pkg/schema"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "filesystem", cfg.Type)
	assert.Equal(t, "/tmp/tether", cfg.FilesystemRoot)
	assert.Equal(t, 20, cfg.PostgresMaxConns)
	assert.Equal(t, 2, cfg.PostgresMinConns)
	assert.Equal(t, 10*time.Second, cfg.PostgresTimeout)
	assert.Equal(t, 3, cfg.RedisMaxRetries)
	assert.Equal(t, 10, cfg.RedisPoolSize)
	assert.True(t, cfg.CacheEnabled)

	require.NotNil(t, cfg.CacheTTL)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL["group"])
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL["schema"])
}

func TestTips(t *testing.T) {
	history := []schema.SchemaWithVersion{
		{Version: schema.VersionInfo{Type: "order", Version: 1, Ordinal: 1}},
		{Version: schema.VersionInfo{Type: "refund", Version: 1, Ordinal: 2}},
		{Version: schema.VersionInfo{Type: "order", Version: 2, Ordinal: 3}, Deleted: true},
	}

	typeVersion, ordinal := Tips(history, "order")
	assert.Equal(t, 2, typeVersion, "deleted entries still hold their number")
	assert.Equal(t, 3, ordinal)

	typeVersion, ordinal = Tips(history, "shipment")
	assert.Equal(t, 0, typeVersion)
	assert.Equal(t, 3, ordinal)

	typeVersion, ordinal = Tips(nil, "order")
	assert.Zero(t, typeVersion)
	assert.Zero(t, ordinal)
}

func TestConsistentRead(t *testing.T) {
	ctx := context.Background()
	assert.False(t, ConsistentRead(ctx))
	assert.True(t, ConsistentRead(WithConsistentRead(ctx)))
}
