package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tether/pkg/observability"
	"github.com/platinummonkey/tether/pkg/storage"
)

func TestOpenStore(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	store, err := openStore(storage.Config{Type: "memory"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStore{}, store)

	store, err = openStore(storage.Config{Type: "filesystem", FilesystemRoot: t.TempDir()}, logger)
	require.NoError(t, err)
	assert.IsType(t, &storage.FileSystemStore{}, store)
	require.NoError(t, store.Close())

	_, err = openStore(storage.Config{Type: "etcd"}, logger)
	assert.EqualError(t, err, "unknown storage type: etcd")
}
