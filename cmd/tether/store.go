package main

import (
	"fmt"

	"github.com/platinummonkey/tether/pkg/observability"
	"github.com/platinummonkey/tether/pkg/storage"
	"github.com/platinummonkey/tether/pkg/storage/postgres"
)

// openStore builds the schema store named by cfg.Type
func openStore(cfg storage.Config, logger *observability.Logger) (storage.SchemaStore, error) {
	switch cfg.Type {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "filesystem":
		store, err := storage.NewFileSystemStore(cfg.FilesystemRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to open filesystem store: %w", err)
		}
		return store, nil
	case "postgres", "hybrid":
		store, err := postgres.NewSchemaStore(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", cfg.Type, err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
}
