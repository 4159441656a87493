// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package merkle

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/codec"
)

// Store persists Merkle trees on disk, keyed by root hash, with an
// index mapping source paths to their latest root. Tree files and the
// index are deterministic CBOR.
type Store struct {
	mu        sync.Mutex
	directory string
	index     map[string]string // source path -> root hash
}

const indexFilename = "index.cbor"

// OpenStore opens (creating if necessary) a tree store rooted at
// directory.
func OpenStore(directory string) (*Store, error) {
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return nil, fmt.Errorf("merkle: creating store directory: %w", err)
	}

	store := &Store{
		directory: directory,
		index:     make(map[string]string),
	}

	indexPath := filepath.Join(directory, indexFilename)
	data, err := os.ReadFile(indexPath)
	if err == nil {
		if err := codec.Unmarshal(data, &store.index); err != nil {
			return nil, fmt.Errorf("merkle: corrupt store index: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("merkle: reading store index: %w", err)
	}

	return store, nil
}

func (s *Store) treePath(rootHash string) string {
	prefix := rootHash
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return filepath.Join(s.directory, "tree_"+prefix+".cbor")
}

// Save persists a tree and records it as the latest tree for
// sourcePath. Writes are atomic (temp file + rename).
func (s *Store) Save(sourcePath string, tree *Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := treeSnapshot{
		RootHash:  tree.RootHash,
		ChunkSize: tree.ChunkSize,
		TotalSize: tree.TotalSize,
		Leaves:    tree.Leaves,
	}
	encoded, err := codec.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("merkle: encoding tree: %w", err)
	}

	if err := atomicWrite(s.treePath(tree.RootHash), encoded, 0o600); err != nil {
		return fmt.Errorf("merkle: writing tree: %w", err)
	}

	s.index[sourcePath] = tree.RootHash
	return s.saveIndexLocked()
}

// Load retrieves a tree by its root hash. The levels above the leaves
// are recomputed and checked against the stored root, so a corrupted
// tree file cannot silently satisfy a lookup.
func (s *Store) Load(rootHash string) (*Tree, error) {
	data, err := os.ReadFile(s.treePath(rootHash))
	if err != nil {
		return nil, fmt.Errorf("merkle: reading tree %s: %w", rootHash, err)
	}

	var snapshot treeSnapshot
	if err := codec.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("merkle: decoding tree %s: %w", rootHash, err)
	}

	tree := &Tree{
		ChunkSize: snapshot.ChunkSize,
		TotalSize: snapshot.TotalSize,
		Leaves:    snapshot.Leaves,
	}
	tree.buildLevels()
	if tree.RootHash != snapshot.RootHash {
		return nil, fmt.Errorf("merkle: stored tree %s fails root recomputation", rootHash)
	}
	return tree, nil
}

// LoadForPath retrieves the latest tree recorded for a source path.
func (s *Store) LoadForPath(sourcePath string) (*Tree, error) {
	s.mu.Lock()
	rootHash, exists := s.index[sourcePath]
	s.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("merkle: no tree recorded for %s", sourcePath)
	}
	return s.Load(rootHash)
}

// Delete removes the index entry for a source path. The tree file is
// retained if another path still references the same root.
func (s *Store) Delete(sourcePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rootHash, exists := s.index[sourcePath]
	if !exists {
		return nil
	}
	delete(s.index, sourcePath)

	referenced := false
	for _, other := range s.index {
		if other == rootHash {
			referenced = true
			break
		}
	}
	if !referenced {
		if err := os.Remove(s.treePath(rootHash)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("merkle: removing tree file: %w", err)
		}
	}

	return s.saveIndexLocked()
}

func (s *Store) saveIndexLocked() error {
	encoded, err := codec.Marshal(s.index)
	if err != nil {
		return fmt.Errorf("merkle: encoding store index: %w", err)
	}
	if err := atomicWrite(filepath.Join(s.directory, indexFilename), encoded, 0o600); err != nil {
		return fmt.Errorf("merkle: writing store index: %w", err)
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
