// Package store caches instrument metadata to JSON files on disk.
//
// Each venue's instrument set is stored as a separate file:
// instruments_<venue>.json. Writes use atomic file replacement (write to
// .tmp, then rename) to prevent corruption from partial writes or crashes
// mid-save. The engine saves descriptors after a successful connect and
// seeds adapters from disk on startup, so a venue whose metadata endpoint
// is down can still come up with known tick and step sizes.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"perp-arb/pkg/types"
)

// Store persists instrument descriptors to JSON files in a designated
// directory. All operations are mutex-protected to prevent concurrent file
// corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveInstruments atomically persists one venue's descriptors. It writes to
// a .tmp file first, then renames over the target so the file is never left
// in a partial state.
func (s *Store) SaveInstruments(venue types.Venue, list []types.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal instruments: %w", err)
	}

	path := s.path(venue)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write instruments: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadInstruments restores one venue's descriptors from disk.
// Returns nil, nil when no cache file exists (cold start).
func (s *Store) LoadInstruments(venue types.Venue) ([]types.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(venue))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read instruments: %w", err)
	}

	var list []types.Instrument
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("unmarshal instruments: %w", err)
	}
	return list, nil
}

func (s *Store) path(venue types.Venue) string {
	name := strings.ToLower(string(venue))
	return filepath.Join(s.dir, "instruments_"+name+".json")
}
