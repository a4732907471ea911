package storage

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
)

const snapshotExt = ".json"

// FileSystemStore is a MemoryStore that snapshots each group to its own JSON
// file under rootDir after every mutation.
type FileSystemStore struct {
	*MemoryStore
	rootDir string
}

// NewFileSystemStore loads every snapshot under rootDir, creating the directory if needed
func NewFileSystemStore(rootDir string) (*FileSystemStore, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	s := &FileSystemStore{MemoryStore: NewMemoryStore(), rootDir: rootDir}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.MemoryStore.persist = s.writeSnapshot
	return s, nil
}

// RootDir returns the snapshot directory
func (s *FileSystemStore) RootDir() string {
	return s.rootDir
}

func (s *FileSystemStore) snapshotPath(name string) string {
	return filepath.Join(s.rootDir, url.PathEscape(name)+snapshotExt)
}

func (s *FileSystemStore) load() error {
	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		return fmt.Errorf("failed to read root directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), snapshotExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.rootDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read snapshot %s: %w", entry.Name(), err)
		}
		var state groupState
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("failed to unmarshal snapshot %s: %w", entry.Name(), err)
		}
		if state.TypeTips == nil {
			state.TypeTips = make(map[string]int)
		}
		s.groups[state.Group.Name] = &state
	}
	return nil
}

// writeSnapshot replaces the group file via a temp file and rename so readers
// never observe a partial snapshot.
func (s *FileSystemStore) writeSnapshot(name string, state *groupState) error {
	path := s.snapshotPath(name)
	if state == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove snapshot: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(s.rootDir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}
