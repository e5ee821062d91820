// Package creds persists one account's authentication material as a JSON
// bundle under a per-identifier session directory.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Bundle is the opaque credential material produced by the protocol stack.
// The store never interprets its contents.
type Bundle map[string]any

// BundleFile is the file name of the persisted bundle inside a session
// directory.
const BundleFile = "creds.json"

var (
	// ErrStorage wraps directory/file failures; always terminal for the
	// current linking attempt.
	ErrStorage = errors.New("credential storage failure")

	// ErrNotFound is returned by ReadFinal when no bundle was ever saved.
	ErrNotFound = errors.New("credential bundle not found")
)

// Store is a file-backed credential store rooted at one directory, with one
// subdirectory per identifier. Saves for an identifier are applied in call
// order.
type Store struct {
	root string
	mu   sync.Mutex
}

// NewStore creates a store rooted at dir (e.g. <data_dir>/sessions).
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Dir returns the session directory for an identifier without creating it.
func (s *Store) Dir(identifier string) string {
	return filepath.Join(s.root, identifier)
}

// Load ensures the session directory exists and returns the persisted
// bundle, or an empty bundle when nothing was saved yet. Creating an
// already-existing directory is a no-op.
func (s *Store) Load(identifier string) (Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.Dir(identifier)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrStorage, dir, err)
	}

	data, err := os.ReadFile(filepath.Join(dir, BundleFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Bundle{}, nil
		}
		return nil, fmt.Errorf("%w: read bundle: %v", ErrStorage, err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("%w: decode bundle: %v", ErrStorage, err)
	}
	return bundle, nil
}

// Save merges a partial update into the persisted bundle. Top-level keys in
// the update replace existing ones; other keys are kept.
func (s *Store) Save(identifier string, update Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.Dir(identifier)
	path := filepath.Join(dir, BundleFile)

	current := Bundle{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &current); err != nil {
			// A corrupt bundle is overwritten by the fresh update.
			current = Bundle{}
		}
	}
	for k, v := range update {
		current[k] = v
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode bundle: %v", ErrStorage, err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrStorage, dir, err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: write bundle: %v", ErrStorage, err)
	}
	return nil
}

// ReadFinal returns the bundle exactly as persisted. It fails with
// ErrNotFound when no save ever happened for the identifier.
func (s *Store) ReadFinal(identifier string) (Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.Dir(identifier), BundleFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
		}
		return nil, fmt.Errorf("%w: read bundle: %v", ErrStorage, err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("%w: decode bundle: %v", ErrStorage, err)
	}
	return bundle, nil
}

// Delete removes the whole session directory for an identifier. Used when a
// bad session file has to be regenerated from scratch.
func (s *Store) Delete(identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.Dir(identifier)); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStorage, identifier, err)
	}
	return nil
}
