// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// HashFolder computes a single deterministic digest over a directory
// tree. Files are visited in sorted relative-path order; each
// contributes a "relpath:filehash\n" line to the folder digest.
// Dotfiles, dot-directories, and symlinks are skipped; editor
// droppings and link targets outside the tree must not perturb the
// folder identity.
func HashFolder(root string) (string, error) {
	manifest, err := FolderManifest(root)
	if err != nil {
		return "", err
	}

	paths := make([]string, 0, len(manifest))
	for path := range manifest {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	digest := sha256.New()
	for _, path := range paths {
		fmt.Fprintf(digest, "%s:%s\n", path, manifest[path].Hash)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// FolderManifest walks a directory tree and hashes every regular file,
// returning metadata keyed by slash-separated relative path. The same
// skip rules as HashFolder apply.
func FolderManifest(root string) (map[string]Metadata, error) {
	manifest := make(map[string]Metadata)

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") && path != root {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}

		relative, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		hash, err := HashFile(path)
		if err != nil {
			return err
		}

		manifest[filepath.ToSlash(relative)] = Metadata{
			Path:        filepath.ToSlash(relative),
			Hash:        hash,
			Size:        info.Size(),
			ModTime:     info.ModTime(),
			Permissions: info.Mode().Perm(),
			ComputedAt:  time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hashing: walking %s: %w", root, err)
	}

	return manifest, nil
}

// Diff lists the relative paths that changed between two folder
// manifests. Each slice is sorted.
type Diff struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

// Empty reports whether the diff contains no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// DiffManifests compares two folder manifests. A path present in both
// with differing hashes is modified; present only in new is added;
// present only in old is removed.
func DiffManifests(old, new map[string]Metadata) Diff {
	var diff Diff

	for path, entry := range new {
		previous, exists := old[path]
		if !exists {
			diff.Added = append(diff.Added, path)
		} else if previous.Hash != entry.Hash {
			diff.Modified = append(diff.Modified, path)
		}
	}
	for path := range old {
		if _, exists := new[path]; !exists {
			diff.Removed = append(diff.Removed, path)
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Modified)
	return diff
}
