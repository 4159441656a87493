// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store keeps manifests on disk as JSON files keyed by content hash,
// with an index tracking history and the latest manifest. JSON rather
// than CBOR: manifests are the externally-auditable surface and should
// be readable with standard tools.
type Store struct {
	mu        sync.Mutex
	directory string
	index     storeIndex
}

type storeIndex struct {
	Latest  string   `json:"latest,omitempty"`
	History []string `json:"history,omitempty"`
}

const storeIndexFilename = "index.json"

// OpenStore opens (creating if needed) a manifest store.
func OpenStore(directory string) (*Store, error) {
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return nil, fmt.Errorf("manifest: creating store directory: %w", err)
	}

	store := &Store{directory: directory}
	data, err := os.ReadFile(filepath.Join(directory, storeIndexFilename))
	if err == nil {
		if err := json.Unmarshal(data, &store.index); err != nil {
			return nil, fmt.Errorf("manifest: corrupt store index: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("manifest: reading store index: %w", err)
	}
	return store, nil
}

func (s *Store) manifestPath(contentHash string) string {
	prefix := contentHash
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return filepath.Join(s.directory, "manifest_"+prefix+".json")
}

// Save persists a manifest and marks it latest. Returns the content
// hash under which it was stored.
func (s *Store) Save(m *Manifest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contentHash, err := m.ContentHash()
	if err != nil {
		return "", err
	}

	encoded, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("manifest: encoding: %w", err)
	}
	if err := atomicWrite(s.manifestPath(contentHash), encoded, 0o600); err != nil {
		return "", fmt.Errorf("manifest: writing: %w", err)
	}

	s.index.Latest = contentHash
	s.index.History = append(s.index.History, contentHash)
	if err := s.saveIndexLocked(); err != nil {
		return "", err
	}
	return contentHash, nil
}

// Load retrieves a manifest by content hash. The stored document is
// re-hashed on load; a file edited in place no longer answers to its
// name.
func (s *Store) Load(contentHash string) (*Manifest, error) {
	data, err := os.ReadFile(s.manifestPath(contentHash))
	if err != nil {
		return nil, fmt.Errorf("manifest: reading %s: %w", contentHash, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decoding %s: %w", contentHash, err)
	}

	recomputed, err := m.ContentHash()
	if err != nil {
		return nil, err
	}
	if recomputed != contentHash {
		return nil, fmt.Errorf("%w: stored manifest %s hashes to %s", ErrCorrupted, contentHash, recomputed)
	}
	return &m, nil
}

// Latest returns the most recently saved manifest, or an error if the
// store is empty.
func (s *Store) Latest() (*Manifest, error) {
	s.mu.Lock()
	latest := s.index.Latest
	s.mu.Unlock()

	if latest == "" {
		return nil, fmt.Errorf("manifest: store is empty")
	}
	return s.Load(latest)
}

// History returns the content hashes of every saved manifest, oldest
// first.
func (s *Store) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]string, len(s.index.History))
	copy(history, s.index.History)
	return history
}

func (s *Store) saveIndexLocked() error {
	encoded, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: encoding store index: %w", err)
	}
	if err := atomicWrite(filepath.Join(s.directory, storeIndexFilename), encoded, 0o600); err != nil {
		return fmt.Errorf("manifest: writing store index: %w", err)
	}
	return nil
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	temp := path + ".tmp"
	if err := os.WriteFile(temp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(temp, path); err != nil {
		os.Remove(temp)
		return err
	}
	return nil
}
