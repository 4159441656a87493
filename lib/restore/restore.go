// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

// Package restore keeps encrypted, versioned backups of protected
// files and restores them after tampering. Backups are zstd-compressed
// then envelope-encrypted; filenames are keyed off a hash of the
// original path so the backup directory reveals nothing about what is
// protected.
package restore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/clock"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/envelope"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/hashing"
)

// DefaultMaxVersions bounds backup versions kept per file.
const DefaultMaxVersions = 3

const indexFilename = ".backup_index.json"

var (
	// ErrNoBackup means the path has no backup versions.
	ErrNoBackup = errors.New("restore: no backup for path")
	// ErrCorruptBackup means a backup failed its hash check after
	// decryption. The restore target is left untouched.
	ErrCorruptBackup = errors.New("restore: backup corrupt")
)

// Version describes one stored backup of a file.
type Version struct {
	OriginalPath string      `json:"original_path"`
	BackupTime   time.Time   `json:"backup_time"`
	Hash         string      `json:"hash"`
	Size         int64       `json:"size"`
	Mode         fs.FileMode `json:"mode"`
	ModTime      time.Time   `json:"modified_time"`
	Version      int         `json:"version"`
}

// Config holds the parameters for a backup manager.
type Config struct {
	// Directory holds backup files and the index. Created 0700 if
	// absent. Required.
	Directory string

	// Envelope encrypts backup payloads. Required.
	Envelope *envelope.Envelope

	// MaxVersions per file; zero selects the default.
	MaxVersions int

	// Clock provides backup timestamps.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Manager stores and restores encrypted backups.
type Manager struct {
	mu          sync.Mutex
	directory   string
	envelope    *envelope.Envelope
	maxVersions int
	clock       clock.Clock
	logger      *slog.Logger
	index       map[string][]Version // original path → versions, oldest first

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open creates a backup manager over a directory, loading any existing
// index.
func Open(cfg Config) (*Manager, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("restore: Directory is required")
	}
	if cfg.Envelope == nil {
		return nil, fmt.Errorf("restore: Envelope is required")
	}
	if err := os.MkdirAll(cfg.Directory, 0o700); err != nil {
		return nil, fmt.Errorf("restore: creating backup directory: %w", err)
	}

	maxVersions := cfg.MaxVersions
	if maxVersions <= 0 {
		maxVersions = DefaultMaxVersions
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("restore: creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("restore: creating zstd decoder: %w", err)
	}

	manager := &Manager{
		directory:   cfg.Directory,
		envelope:    cfg.Envelope,
		maxVersions: maxVersions,
		clock:       clk,
		logger:      logger,
		index:       make(map[string][]Version),
		encoder:     encoder,
		decoder:     decoder,
	}

	data, err := os.ReadFile(filepath.Join(cfg.Directory, indexFilename))
	if err == nil {
		if err := json.Unmarshal(data, &manager.index); err != nil {
			return nil, fmt.Errorf("restore: corrupt backup index: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("restore: reading backup index: %w", err)
	}
	return manager, nil
}

// pathTag is the filename-safe identity of an original path.
func pathTag(path string) string {
	sum := blake3.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])[:16]
}

func (m *Manager) backupPath(originalPath string, version int) string {
	return filepath.Join(m.directory,
		fmt.Sprintf("%s_v%d.backup", pathTag(originalPath), version))
}

// Backup stores a new version of the file at path and prunes versions
// beyond the limit. Returns the new version number.
func (m *Manager) Backup(path string) (int, error) {
	plaintext, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("restore: reading %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("restore: stat %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.index[path]
	versionNumber := 1
	if len(versions) > 0 {
		versionNumber = versions[len(versions)-1].Version + 1
	}

	compressed := m.encoder.EncodeAll(plaintext, nil)
	blob, _, err := m.envelope.EncryptBytes(compressed)
	if err != nil {
		return 0, fmt.Errorf("restore: encrypting backup of %s: %w", path, err)
	}

	target := m.backupPath(path, versionNumber)
	if err := atomicWrite(target, blob, 0o600); err != nil {
		return 0, fmt.Errorf("restore: writing backup of %s: %w", path, err)
	}

	m.index[path] = append(versions, Version{
		OriginalPath: path,
		BackupTime:   m.clock.Now().UTC(),
		Hash:         hashing.HashBytes(plaintext),
		Size:         info.Size(),
		Mode:         info.Mode().Perm(),
		ModTime:      info.ModTime().UTC(),
		Version:      versionNumber,
	})
	m.pruneLocked(path)

	if err := m.saveIndexLocked(); err != nil {
		return 0, err
	}
	m.logger.Info("backup created", "path", path, "version", versionNumber)
	return versionNumber, nil
}

// pruneLocked drops oldest versions beyond the limit, deleting their
// files best-effort.
func (m *Manager) pruneLocked(path string) {
	versions := m.index[path]
	for len(versions) > m.maxVersions {
		oldest := versions[0]
		versions = versions[1:]
		if err := os.Remove(m.backupPath(path, oldest.Version)); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("pruning old backup failed",
				"path", path, "version", oldest.Version, "error", err)
		}
	}
	m.index[path] = versions
}

func (m *Manager) findVersion(path string, versionNumber int) (Version, error) {
	versions := m.index[path]
	if len(versions) == 0 {
		return Version{}, fmt.Errorf("%w: %s", ErrNoBackup, path)
	}
	if versionNumber == 0 {
		return versions[len(versions)-1], nil
	}
	for _, candidate := range versions {
		if candidate.Version == versionNumber {
			return candidate, nil
		}
	}
	return Version{}, fmt.Errorf("%w: %s version %d", ErrNoBackup, path, versionNumber)
}

// Restore writes the backed-up content of path back to its original
// location. Version 0 means latest. The decrypted content is verified
// against the recorded hash before anything touches the target; a
// corrupt backup aborts with the target unchanged.
func (m *Manager) Restore(path string, versionNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.findVersion(path, versionNumber)
	if err != nil {
		return err
	}

	blob, err := os.ReadFile(m.backupPath(path, record.Version))
	if err != nil {
		return fmt.Errorf("restore: reading backup of %s: %w", path, err)
	}
	compressed, err := m.envelope.DecryptBytes(blob)
	if err != nil {
		return fmt.Errorf("restore: decrypting backup of %s: %w", path, err)
	}
	plaintext, err := m.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("restore: decompressing backup of %s: %w", path, err)
	}
	if hashing.HashBytes(plaintext) != record.Hash {
		return fmt.Errorf("%w: %s version %d", ErrCorruptBackup, path, record.Version)
	}

	// Temp file in the target's directory so the final rename stays on
	// one filesystem and is atomic.
	directory := filepath.Dir(path)
	temp, err := os.CreateTemp(directory, ".darklock-restore-*")
	if err != nil {
		return fmt.Errorf("restore: creating temp file: %w", err)
	}
	tempPath := temp.Name()
	if _, err := temp.Write(plaintext); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("restore: writing %s: %w", path, err)
	}
	if err := temp.Chmod(record.Mode); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("restore: setting mode on %s: %w", path, err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("restore: closing temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("restore: replacing %s: %w", path, err)
	}
	m.logger.Info("file restored", "path", path, "version", record.Version)
	return nil
}

// RestorePermissions reapplies only the recorded mode, leaving content
// alone. Version 0 means latest.
func (m *Manager) RestorePermissions(path string, versionNumber int) error {
	m.mu.Lock()
	record, err := m.findVersion(path, versionNumber)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.Chmod(path, record.Mode); err != nil {
		return fmt.Errorf("restore: restoring permissions on %s: %w", path, err)
	}
	return nil
}

// Versions returns the stored versions for a path, oldest first.
func (m *Manager) Versions(path string) []Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := make([]Version, len(m.index[path]))
	copy(versions, m.index[path])
	return versions
}

// Has reports whether any backup exists for a path.
func (m *Manager) Has(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index[path]) > 0
}

// LatestVersion returns the newest version number for a path.
func (m *Manager) LatestVersion(path string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, err := m.findVersion(path, 0)
	if err != nil {
		return 0, err
	}
	return record.Version, nil
}

// Delete removes every backup of a path and its index entry.
func (m *Manager) Delete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, ok := m.index[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoBackup, path)
	}
	for _, record := range versions {
		if err := os.Remove(m.backupPath(path, record.Version)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("restore: deleting backup of %s: %w", path, err)
		}
	}
	delete(m.index, path)
	return m.saveIndexLocked()
}

// Close releases the compressor resources and flushes the index.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.saveIndexLocked()
	m.encoder.Close()
	m.decoder.Close()
	return err
}

func (m *Manager) saveIndexLocked() error {
	encoded, err := json.MarshalIndent(m.index, "", "  ")
	if err != nil {
		return fmt.Errorf("restore: encoding backup index: %w", err)
	}
	if err := atomicWrite(filepath.Join(m.directory, indexFilename), encoded, 0o600); err != nil {
		return fmt.Errorf("restore: writing backup index: %w", err)
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
