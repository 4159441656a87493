// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"crypto/ed25519"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/hashing"
)

// Status summarizes a full manifest verification.
type Status string

const (
	StatusValid            Status = "valid"
	StatusModified         Status = "modified"
	StatusUnsigned         Status = "unsigned"
	StatusSignatureInvalid Status = "signature_invalid"
	StatusCorrupted        Status = "corrupted"
)

// EntryStatus is the verification outcome for a single entry.
type EntryStatus string

const (
	EntryUnchanged         EntryStatus = "unchanged"
	EntryModified          EntryStatus = "modified"
	EntryMissing           EntryStatus = "missing"
	EntrySizeChanged       EntryStatus = "size_changed"
	EntryPermissionChanged EntryStatus = "permission_changed"
	EntryError             EntryStatus = "error"
)

// EntryResult pairs an entry with its verification outcome.
type EntryResult struct {
	Path   string      `json:"path"`
	Status EntryStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// Result is a complete tree verification report.
type Result struct {
	Status  Status        `json:"status"`
	Entries []EntryResult `json:"entries"`
}

// Changed reports whether any entry deviated from the manifest.
func (r *Result) Changed() bool {
	for _, entry := range r.Entries {
		if entry.Status != EntryUnchanged {
			return true
		}
	}
	return false
}

// VerifyTree checks the manifest signature, then every entry against
// the live filesystem under rootPath. A bad signature short-circuits:
// entry results from an untrusted manifest would themselves be
// untrustworthy. Pass a trusted key to pin the signer, or nil to use
// the embedded key.
func VerifyTree(m *Manifest, rootPath string, trustedKey ed25519.PublicKey) (*Result, error) {
	switch err := m.VerifySignature(trustedKey); {
	case errors.Is(err, ErrUnsigned):
		return &Result{Status: StatusUnsigned}, nil
	case errors.Is(err, ErrSignatureInvalid):
		return &Result{Status: StatusSignatureInvalid}, nil
	case errors.Is(err, ErrCorrupted):
		return &Result{Status: StatusCorrupted}, nil
	case err != nil:
		return nil, err
	}

	result := &Result{Status: StatusValid}
	for _, entry := range m.Entries {
		result.Entries = append(result.Entries, verifyEntry(rootPath, entry))
	}
	if result.Changed() {
		result.Status = StatusModified
	}
	return result, nil
}

// verifyEntry checks one entry. Cheap comparisons run before the
// content hash; the first deviation found names the result.
func verifyEntry(rootPath string, entry Entry) EntryResult {
	path := filepath.Join(rootPath, filepath.FromSlash(entry.Path))

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return EntryResult{Path: entry.Path, Status: EntryMissing}
		}
		return EntryResult{Path: entry.Path, Status: EntryError, Detail: err.Error()}
	}

	if info.Size() != entry.Size {
		return EntryResult{Path: entry.Path, Status: EntrySizeChanged}
	}
	if uint32(info.Mode()&fs.ModePerm) != entry.Permissions {
		return EntryResult{Path: entry.Path, Status: EntryPermissionChanged}
	}

	currentHash, err := hashing.HashFile(path)
	if err != nil {
		return EntryResult{Path: entry.Path, Status: EntryError, Detail: err.Error()}
	}
	if currentHash != entry.Hash {
		return EntryResult{Path: entry.Path, Status: EntryModified}
	}
	return EntryResult{Path: entry.Path, Status: EntryUnchanged}
}
