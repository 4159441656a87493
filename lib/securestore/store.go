// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

// Package securestore persists small secrets (root keys, seeds, shared
// secrets) encrypted at rest under a key derived from stable machine
// identity. A store directory copied to another machine is
// undecryptable there.
//
// Each secret is a separate file: AES-256-GCM ciphertext with the
// secret's name as additional authenticated data, so a file renamed to
// answer for a different secret fails authentication. Filenames are
// keyed BLAKE3 hashes of the secret name, so directory listings reveal
// how many secrets exist, not what they are.
package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/secret"
)

const (
	keySize   = 32
	nonceSize = 12

	machineKeySalt = "darklock-securestore-v1"
	machineKeyInfo = "machine-key"
)

// ErrNotFound is returned by Get when no secret exists under the
// requested name.
var ErrNotFound = errors.New("securestore: secret not found")

// Store is a directory of machine-bound encrypted secrets.
type Store struct {
	directory  string
	machineKey *secret.Buffer
	logger     *slog.Logger
}

// Open creates or opens a secure store rooted at directory. The
// directory is created 0700 if absent. The machine key is derived
// fresh on every open; it is never written to disk.
func Open(directory string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(directory, 0o700); err != nil {
		return nil, fmt.Errorf("securestore: creating directory: %w", err)
	}
	if err := os.Chmod(directory, 0o700); err != nil {
		return nil, fmt.Errorf("securestore: tightening directory mode: %w", err)
	}

	machineKey, err := deriveMachineKey()
	if err != nil {
		return nil, err
	}

	return &Store{
		directory:  directory,
		machineKey: machineKey,
		logger:     logger,
	}, nil
}

// Close releases the machine key material.
func (s *Store) Close() error {
	return s.machineKey.Close()
}

// deriveMachineKey builds the at-rest encryption key from stable
// machine identity: hostname, /etc/machine-id (when readable), and the
// current user ID. HKDF-SHA256 with a fixed salt and info string
// stretches that identity into a uniform 32-byte key.
func deriveMachineKey() (*secret.Buffer, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("securestore: reading hostname: %w", err)
	}

	machineID := ""
	if raw, err := os.ReadFile("/etc/machine-id"); err == nil {
		machineID = strings.TrimSpace(string(raw))
	}

	userID := ""
	if current, err := user.Current(); err == nil {
		userID = current.Uid
	}

	identity := []byte(hostname + "|" + machineID + "|" + userID)
	reader := hkdf.New(sha256.New, identity, []byte(machineKeySalt), []byte(machineKeyInfo))

	keyMaterial := make([]byte, keySize)
	if _, err := io.ReadFull(reader, keyMaterial); err != nil {
		return nil, fmt.Errorf("securestore: deriving machine key: %w", err)
	}

	return secret.NewFromBytes(keyMaterial)
}

// secretPath maps a secret name to its file path. The keyed BLAKE3
// hash uses the machine key, so even the name-to-filename mapping is
// machine-bound.
func (s *Store) secretPath(name string) (string, error) {
	hasher, err := blake3.NewKeyed(s.machineKey.Bytes())
	if err != nil {
		return "", fmt.Errorf("securestore: keyed hasher: %w", err)
	}
	hasher.Write([]byte(name))
	digest := hasher.Sum(nil)
	return filepath.Join(s.directory, hex.EncodeToString(digest)[:32]+".sealed"), nil
}

func (s *Store) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.machineKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("securestore: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("securestore: GCM init: %w", err)
	}
	return aead, nil
}

// Put encrypts and stores a secret under name, replacing any previous
// value. The file layout is nonce || ciphertext, written 0600 via an
// atomic rename.
func (s *Store) Put(name string, data []byte) error {
	if name == "" {
		return fmt.Errorf("securestore: empty secret name")
	}
	if len(data) == 0 {
		return fmt.Errorf("securestore: refusing to store empty secret %q", name)
	}

	aead, err := s.aead()
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("securestore: generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, data, []byte(name))
	payload := append(nonce, sealed...)

	path, err := s.secretPath(name)
	if err != nil {
		return err
	}

	temp := path + ".tmp"
	if err := os.WriteFile(temp, payload, 0o600); err != nil {
		return fmt.Errorf("securestore: writing secret %q: %w", name, err)
	}
	if err := os.Rename(temp, path); err != nil {
		os.Remove(temp)
		return fmt.Errorf("securestore: committing secret %q: %w", name, err)
	}

	s.logger.Debug("secret stored", "name", name)
	return nil
}

// Get decrypts and returns a secret. The plaintext is returned in an
// mmap-backed buffer the caller must Close. A stored file that fails
// authentication is a hard error; the store never degrades to
// plaintext or partial reads.
func (s *Store) Get(name string) (*secret.Buffer, error) {
	path, err := s.secretPath(name)
	if err != nil {
		return nil, err
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("securestore: reading secret %q: %w", name, err)
	}
	if len(payload) < nonceSize+1 {
		return nil, fmt.Errorf("securestore: secret %q file truncated", name)
	}

	aead, err := s.aead()
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, payload[:nonceSize], payload[nonceSize:], []byte(name))
	if err != nil {
		return nil, fmt.Errorf("securestore: secret %q fails authentication: %w", name, err)
	}

	return secret.NewFromBytes(plaintext)
}

// Has reports whether a secret exists under name.
func (s *Store) Has(name string) bool {
	path, err := s.secretPath(name)
	if err != nil {
		return false
	}
	_, err = os.Lstat(path)
	return err == nil
}

// Delete removes a secret. The file is overwritten with random bytes
// before unlinking (best effort; journaling filesystems may retain
// old blocks regardless). Deleting an absent secret is not an error.
func (s *Store) Delete(name string) error {
	path, err := s.secretPath(name)
	if err != nil {
		return err
	}

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("securestore: stat secret %q: %w", name, err)
	}

	junk := make([]byte, info.Size())
	rand.Read(junk)
	os.WriteFile(path, junk, 0o600)

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("securestore: removing secret %q: %w", name, err)
	}
	s.logger.Debug("secret deleted", "name", name)
	return nil
}
