// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/codec"
)

// KeyStatus is the lifecycle state of a wrapped key.
type KeyStatus string

const (
	// KeyActive keys unwrap normally.
	KeyActive KeyStatus = "active"
	// KeyRotated keys were rewrapped under a newer KEK version. The
	// entry still unwraps (it holds the current wrap); the status is
	// an audit marker.
	KeyRotated KeyStatus = "rotated"
	// KeyRevoked keys refuse to unwrap.
	KeyRevoked KeyStatus = "revoked"
)

var (
	// ErrKeyNotFound means no wrapped key exists for the requested ID.
	ErrKeyNotFound = errors.New("envelope: key not found")
	// ErrKeyRevoked means the key exists but has been revoked.
	ErrKeyRevoked = errors.New("envelope: key revoked")
)

// WrappedKey is one DEK wrapped under the KEK.
type WrappedKey struct {
	KeyID      string    `cbor:"1,keyasint"`
	Wrapped    []byte    `cbor:"2,keyasint"`
	WrapNonce  []byte    `cbor:"3,keyasint"`
	KEKVersion int       `cbor:"4,keyasint"`
	CreatedAt  int64     `cbor:"5,keyasint"`
	Status     KeyStatus `cbor:"6,keyasint"`
	Path       string    `cbor:"7,keyasint,omitempty"`
}

// keystoreFile is the persisted form.
type keystoreFile struct {
	KEKVersion int           `cbor:"1,keyasint"`
	Keys       []*WrappedKey `cbor:"2,keyasint"`
}

// KeyStore holds wrapped DEKs and the current KEK version, persisted
// as a deterministic CBOR file. Wrapped keys are ciphertext, so the
// file needs integrity (the wrap's GCM tag provides it per entry) but
// not secrecy.
type KeyStore struct {
	mu      sync.Mutex
	path    string
	version int
	keys    map[string]*WrappedKey
}

// OpenKeyStore loads (or initializes) a keystore file. A missing file
// starts at KEK version 1 with no keys.
func OpenKeyStore(path string) (*KeyStore, error) {
	store := &KeyStore{
		path:    path,
		version: 1,
		keys:    make(map[string]*WrappedKey),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("envelope: reading keystore: %w", err)
	}

	var file keystoreFile
	if err := codec.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("envelope: corrupt keystore: %w", err)
	}
	store.version = file.KEKVersion
	for _, key := range file.Keys {
		store.keys[key.KeyID] = key
	}
	return store, nil
}

// Version returns the current KEK version.
func (s *KeyStore) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Add inserts a wrapped key and persists.
func (s *KeyStore) Add(key *WrappedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[key.KeyID]; exists {
		return fmt.Errorf("envelope: key %s already exists", key.KeyID)
	}
	s.keys[key.KeyID] = key
	return s.saveLocked()
}

// Get returns the wrapped key for an ID. The entry is a copy; mutating
// it does not touch the store.
func (s *KeyStore) Get(keyID string) (*WrappedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, exists := s.keys[keyID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	copied := *key
	return &copied, nil
}

// ForPath returns the most recently created non-revoked key recorded
// for a source path. The entry is a copy, as with Get.
func (s *KeyStore) ForPath(path string) (*WrappedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *WrappedKey
	for _, key := range s.keys {
		if key.Path != path || key.Status == KeyRevoked {
			continue
		}
		if newest == nil || key.CreatedAt > newest.CreatedAt {
			newest = key
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("%w: no key for path %s", ErrKeyNotFound, path)
	}
	copied := *newest
	return &copied, nil
}

// Revoke marks a key revoked and persists. Revocation is permanent.
func (s *KeyStore) Revoke(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, exists := s.keys[keyID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	key.Status = KeyRevoked
	return s.saveLocked()
}

// List returns a snapshot of all wrapped keys.
func (s *KeyStore) List() []*WrappedKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]*WrappedKey, 0, len(s.keys))
	for _, key := range s.keys {
		copied := *key
		keys = append(keys, &copied)
	}
	return keys
}

// rewrapAll applies rewrap to every non-revoked key, bumps the KEK
// version, marks the entries with the new version, and persists once.
// If any rewrap fails, nothing is persisted and in-memory state is
// restored.
func (s *KeyStore) rewrapAll(rewrap func(*WrappedKey) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Work on copies so a mid-loop failure leaves the store intact.
	updated := make(map[string]*WrappedKey, len(s.keys))
	newVersion := s.version + 1
	for id, key := range s.keys {
		copied := *key
		if copied.Status != KeyRevoked {
			if err := rewrap(&copied); err != nil {
				return 0, err
			}
			if copied.KEKVersion < newVersion {
				copied.Status = KeyRotated
			}
			copied.KEKVersion = newVersion
		}
		updated[id] = &copied
	}

	previousKeys, previousVersion := s.keys, s.version
	s.keys, s.version = updated, newVersion
	if err := s.saveLocked(); err != nil {
		s.keys, s.version = previousKeys, previousVersion
		return 0, err
	}
	return newVersion, nil
}

func (s *KeyStore) saveLocked() error {
	file := keystoreFile{KEKVersion: s.version}
	for _, key := range s.keys {
		file.Keys = append(file.Keys, key)
	}
	// Stable on-disk order: map iteration would reshuffle the file on
	// every save.
	sort.Slice(file.Keys, func(i, j int) bool {
		return file.Keys[i].KeyID < file.Keys[j].KeyID
	})

	encoded, err := codec.Marshal(file)
	if err != nil {
		return fmt.Errorf("envelope: encoding keystore: %w", err)
	}
	if err := atomicWrite(s.path, encoded, 0o600); err != nil {
		return fmt.Errorf("envelope: writing keystore: %w", err)
	}
	return nil
}
