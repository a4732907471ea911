package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/tether/pkg/async"
	"github.com/platinummonkey/tether/pkg/storage"
)

const (
	inventoryWorkers = 4
	inventoryTimeout = 10 * time.Second
)

// Inventory counts what the registry holds. Versions include deleted ones.
type Inventory struct {
	Groups   int
	Versions int
}

// RefreshInventory counts groups and versions and publishes them to the
// gauges. Groups deleted while counting are skipped.
func (s *Service) RefreshInventory(ctx context.Context) (Inventory, error) {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return Inventory{}, storeError("list groups", err)
	}

	var versions int64
	errs := async.Batch(ctx, groups, inventoryWorkers, "inventory", inventoryTimeout,
		func(ctx context.Context, g storage.Group) error {
			history, err := s.store.ListSchemas(ctx, g.Name, "", true)
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return storeError("list schemas", err)
			}
			atomic.AddInt64(&versions, int64(len(history)))
			return nil
		})
	if len(errs) > 0 {
		return Inventory{}, errors.Join(errs...)
	}

	inv := Inventory{Groups: len(groups), Versions: int(versions)}
	if s.metrics != nil {
		s.metrics.GroupsTotal.Set(float64(inv.Groups))
		s.metrics.VersionsTotal.Set(float64(inv.Versions))
	}
	s.log(ctx).WithFields(map[string]interface{}{
		"groups":   inv.Groups,
		"versions": inv.Versions,
	}).Debug("inventory refreshed")
	return inv, nil
}
