// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/hashing"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/merkle"
)

// BuildOptions tune manifest construction.
type BuildOptions struct {
	// Description is recorded in the metadata.
	Description string

	// PreviousManifestHash links this manifest to its predecessor.
	PreviousManifestHash string

	// ChunkThreshold: files at or above this size also record
	// per-chunk hashes (for localizing later modifications). Zero
	// disables chunk hashing.
	ChunkThreshold int64

	// ChunkSize for chunk hashing. Zero selects the Merkle default.
	ChunkSize int64
}

// Build snapshots the given paths (files or directory trees) rooted at
// rootPath. Entries come out sorted by path, so two builds over
// identical content produce identical canonical bytes.
func Build(rootPath string, paths []string, now time.Time, options BuildOptions) (*Manifest, error) {
	m := &Manifest{
		Metadata: Metadata{
			Version:              Version,
			CreatedAt:            now.UTC().Format(time.RFC3339),
			RootPath:             rootPath,
			Description:          options.Description,
			PreviousManifestHash: options.PreviousManifestHash,
		},
	}

	for _, path := range paths {
		info, err := os.Lstat(path)
		if err != nil {
			return nil, fmt.Errorf("manifest: stat %s: %w", path, err)
		}

		if info.IsDir() {
			folderEntries, err := buildFolderEntries(rootPath, path, options)
			if err != nil {
				return nil, err
			}
			m.Entries = append(m.Entries, folderEntries...)
			continue
		}

		entry, err := buildFileEntry(rootPath, path, options)
		if err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, entry)
	}

	sort.Slice(m.Entries, func(i, j int) bool {
		return m.Entries[i].Path < m.Entries[j].Path
	})
	return m, nil
}

func relativeTo(rootPath, path string) (string, error) {
	relative, err := filepath.Rel(rootPath, path)
	if err != nil {
		return "", fmt.Errorf("manifest: relativizing %s: %w", path, err)
	}
	return filepath.ToSlash(relative), nil
}

func buildFileEntry(rootPath, path string, options BuildOptions) (Entry, error) {
	metadata, err := hashing.Stat(path)
	if err != nil {
		return Entry{}, err
	}
	relative, err := relativeTo(rootPath, path)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Path:        relative,
		Hash:        metadata.Hash,
		Size:        metadata.Size,
		ModTime:     metadata.ModTime.Unix(),
		Permissions: uint32(metadata.Permissions),
		FileType:    "file",
	}

	if options.ChunkThreshold > 0 && metadata.Size >= options.ChunkThreshold {
		tree, err := merkle.BuildFile(path, options.ChunkSize)
		if err != nil {
			return Entry{}, err
		}
		for _, leaf := range tree.Leaves {
			entry.ChunkHashes = append(entry.ChunkHashes, leaf.Hash)
		}
	}
	return entry, nil
}

func buildFolderEntries(rootPath, folder string, options BuildOptions) ([]Entry, error) {
	contents, err := hashing.FolderManifest(folder)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(contents))
	for relativeInFolder := range contents {
		full := filepath.Join(folder, filepath.FromSlash(relativeInFolder))
		entry, err := buildFileEntry(rootPath, full, options)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
