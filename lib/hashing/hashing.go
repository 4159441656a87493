// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

// Package hashing computes SHA-256 content hashes for protected files
// and folders. Digests are lowercase hex. Folder hashes are
// deterministic: the same tree content produces the same hash
// regardless of traversal order or platform path separators.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"
)

// ChunkSize is the read buffer size for streaming file hashes.
const ChunkSize = 64 * 1024

// Metadata describes a file at the moment it was hashed. QuickCheck
// compares a file's current size and mtime against these values to
// skip re-hashing unchanged files.
type Metadata struct {
	Path        string      `json:"path"`
	Hash        string      `json:"hash"`
	Size        int64       `json:"size"`
	ModTime     time.Time   `json:"modified_time"`
	Permissions fs.FileMode `json:"permissions"`
	ComputedAt  time.Time   `json:"computed_at"`
}

// HashFile computes the SHA-256 of a file's contents, streaming in
// ChunkSize reads so arbitrarily large files use constant memory.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hashing: opening %s: %w", path, err)
	}
	defer file.Close()

	digest := sha256.New()
	buffer := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(digest, file, buffer); err != nil {
		return "", fmt.Errorf("hashing: reading %s: %w", path, err)
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}

// HashBytes computes the SHA-256 of data.
func HashBytes(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// HashString computes the SHA-256 of s.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// Stat hashes a file and captures its metadata in one pass. The mtime
// and permissions are read before hashing; a file mutating mid-call
// shows up as a hash mismatch on the next verification, not as stale
// metadata paired with a fresh hash.
func Stat(path string) (Metadata, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("hashing: stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return Metadata{}, fmt.Errorf("hashing: %s is not a regular file", path)
	}

	hash, err := HashFile(path)
	if err != nil {
		return Metadata{}, err
	}

	return Metadata{
		Path:        path,
		Hash:        hash,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		Permissions: info.Mode().Perm(),
		ComputedAt:  time.Now().UTC(),
	}, nil
}

// VerifyFile re-hashes a file and compares against the expected digest.
// Returns whether they match and the current digest.
func VerifyFile(path, expected string) (bool, string, error) {
	current, err := HashFile(path)
	if err != nil {
		return false, "", err
	}
	return current == expected, current, nil
}

// QuickCheck reports whether a file's size and mtime still match the
// recorded values. A true result means the file is very likely
// unchanged; a false result says nothing about content and the caller
// must fall through to a full hash.
func QuickCheck(path string, size int64, modTime time.Time) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Size() == size && info.ModTime().Equal(modTime)
}
