package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"marketbot/pkg/types"
)

const sessionFile = "session.json"

// SaveSession atomically persists the browser session snapshot.
// It writes to a .tmp file first, then renames over the target so the
// file is never left in a partial state.
func (s *Store) SaveSession(snap types.SessionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	path := filepath.Join(s.dir, sessionFile)
	tmp := path + ".tmp"
	// Cookies live in this file; keep it owner-readable only.
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadSession restores the persisted session snapshot from disk.
// Returns nil, nil if no snapshot exists (fresh start).
func (s *Store) LoadSession() (*types.SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, sessionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session: %w", err)
	}

	var snap types.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &snap, nil
}

// ClearSession removes the persisted snapshot. Missing file is not an error.
func (s *Store) ClearSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, sessionFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
