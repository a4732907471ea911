package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tether/pkg/compatibility"
	"github.com/platinummonkey/tether/pkg/observability"
	"github.com/platinummonkey/tether/pkg/storage"
)

func TestRefreshInventory(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	svc := newTestService(t, storage.NewMemoryStore(), WithMetrics(metrics))

	inv, err := svc.RefreshInventory(ctx)
	require.NoError(t, err)
	assert.Equal(t, Inventory{}, inv)

	for g := 0; g < 5; g++ {
		name := fmt.Sprintf("group-%d", g)
		createGroup(t, svc, name, compatibility.AllowAny())
		for v := 0; v < g; v++ {
			_, err := svc.AddSchema(ctx, name, jsonSchema("t", fmt.Sprintf(`{"type":"string","title":"v%d"}`, v)))
			require.NoError(t, err)
		}
	}
	require.NoError(t, svc.DeleteSchema(ctx, "group-4", 1))

	inv, err = svc.RefreshInventory(ctx)
	require.NoError(t, err)
	assert.Equal(t, Inventory{Groups: 5, Versions: 10}, inv)
	assert.Equal(t, float64(5), testutil.ToFloat64(metrics.GroupsTotal))
	assert.Equal(t, float64(10), testutil.ToFloat64(metrics.VersionsTotal))
}

func TestRefreshInventory_StoreFailure(t *testing.T) {
	ctx := context.Background()
	store := &brokenStore{SchemaStore: storage.NewMemoryStore()}
	svc := newTestService(t, store)
	createGroup(t, svc, "g", compatibility.AllowAny())

	_, err := svc.RefreshInventory(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
