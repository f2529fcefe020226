// Package store provides a small durable key-value store, one JSON file per
// project. It holds the few fields that must survive actor eviction: the
// active agent session, the live-reload update version, the last broadcast
// server error and the latest synced client logs. Everything else in the
// system is deliberately in-memory only.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"loom/internal/logging"
)

type Store struct {
	path   string
	logger logging.Logger

	mu   sync.Mutex
	data map[string]json.RawMessage
}

// Open loads (or creates) the state file under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &Store{
		path:   filepath.Join(dir, "state.json"),
		logger: logging.NewComponentLogger("Store"),
		data:   make(map[string]json.RawMessage),
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		// A corrupt state file should not brick the project. Start fresh
		// and keep the broken file aside for inspection.
		s.logger.Warn("state file %s is corrupt, starting empty: %v", s.path, err)
		_ = os.Rename(s.path, s.path+".corrupt")
		s.data = make(map[string]json.RawMessage)
	}
	return s, nil
}

// Get unmarshals the value stored under key into out. The boolean reports
// whether the key was present.
func (s *Store) Get(key string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.data[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode key %q: %w", key, err)
	}
	return true, nil
}

// Put persists the value under key. The write is atomic: the full state map
// is written to a temp file and renamed over the live one.
func (s *Store) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode key %q: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
	return s.flushLocked()
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.flushLocked()
}

// GetInt is a convenience accessor for counter fields, returning zero when
// the key is absent.
func (s *Store) GetInt(key string) (int, error) {
	var v int
	if _, err := s.Get(key, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *Store) flushLocked() error {
	blob, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
