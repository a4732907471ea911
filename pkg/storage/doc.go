// Package storage defines the SchemaStore contract used by the registry and
// provides the in-process backends.
//
// # Overview
//
// A store keeps groups, the append-only version history of each group, the
// codec types registered on a group and the encoding ids that bind a version
// to a codec. Every group also keeps an ordered list of GroupHistoryRecord
// entries describing policy updates and schema additions or deletions.
//
// # Versioning
//
// Each appended schema receives a per-type version and a group-wide ordinal.
// Both start at 1 and are never reused, even after a soft delete.
// AppendVersion is a compare-and-swap: the caller passes the tips it observed
// while evaluating compatibility and the store refuses the write with
// ErrConflict if another writer appended in between.
//
//	typeVersion, ordinal := storage.Tips(history, info.Type)
//	v, err := store.AppendVersion(ctx, "orders", info, storage.AppendCondition{
//		TypeVersion:  typeVersion,
//		Ordinal:      ordinal,
//		CheckOrdinal: true,
//	})
//	if errors.Is(err, storage.ErrConflict) {
//		// re-read the history and evaluate again
//	}
//
// # Backends
//
// MemoryStore keeps everything in process memory. FileSystemStore adds one
// JSON snapshot per group, written through a temp file and rename after every
// mutation and loaded at startup. The postgres subpackage provides the
// shared backend with optional Redis caching and S3 schema blobs.
//
// # Configuration
//
//	cfg := storage.DefaultConfig()
//	cfg.Type = "postgres"
//	cfg.PostgresURL = "postgres://localhost/tether"
//	cfg.RedisURL = "redis://localhost:6379"
//
// The storagetest subpackage holds the behavioural suite every backend runs.
package storage
