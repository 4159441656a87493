// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestHashFile(t *testing.T) {
	content := []byte("hello, guard")
	path := filepath.Join(t.TempDir(), "file")
	writeFile(t, path, content)

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}

	want := sha256.Sum256(content)
	if got != hex.EncodeToString(want[:]) {
		t.Errorf("HashFile = %s, want %x", got, want)
	}
}

func TestHashFileLarge(t *testing.T) {
	// Content larger than ChunkSize to exercise the streaming path.
	content := make([]byte, 3*ChunkSize+17)
	for i := range content {
		content[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "large")
	writeFile(t, path, content)

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	want := sha256.Sum256(content)
	if got != hex.EncodeToString(want[:]) {
		t.Errorf("HashFile(large) = %s, want %x", got, want)
	}
}

func TestHashFileNonexistent(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatal("HashFile should fail for nonexistent file")
	}
}

func TestStat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	writeFile(t, path, []byte("content"))
	if err := os.Chmod(path, 0o640); err != nil {
		t.Fatalf("Chmod: %v", err)
	}

	metadata, err := Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if metadata.Size != 7 {
		t.Errorf("Size = %d, want 7", metadata.Size)
	}
	if metadata.Permissions != 0o640 {
		t.Errorf("Permissions = %o, want 640", metadata.Permissions)
	}
	if metadata.Hash != HashString("content") {
		t.Errorf("Hash = %s, want hash of content", metadata.Hash)
	}
}

func TestStatRejectsDirectory(t *testing.T) {
	if _, err := Stat(t.TempDir()); err == nil {
		t.Fatal("Stat should reject a directory")
	}
}

func TestVerifyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	writeFile(t, path, []byte("original"))

	expected, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}

	match, _, err := VerifyFile(path, expected)
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if !match {
		t.Error("unmodified file should verify")
	}

	writeFile(t, path, []byte("tampered"))
	match, current, err := VerifyFile(path, expected)
	if err != nil {
		t.Fatalf("VerifyFile after modification: %v", err)
	}
	if match {
		t.Error("modified file should not verify")
	}
	if current == expected {
		t.Error("current hash should differ after modification")
	}
}

func TestQuickCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	writeFile(t, path, []byte("stable"))

	info, err := os.Lstat(path)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}

	if !QuickCheck(path, info.Size(), info.ModTime()) {
		t.Error("QuickCheck should pass for unchanged file")
	}
	if QuickCheck(path, info.Size()+1, info.ModTime()) {
		t.Error("QuickCheck should fail on size mismatch")
	}
	if QuickCheck(path, info.Size(), info.ModTime().Add(time.Second)) {
		t.Error("QuickCheck should fail on mtime mismatch")
	}
	if QuickCheck(filepath.Join(t.TempDir(), "missing"), 0, time.Now()) {
		t.Error("QuickCheck should fail for missing file")
	}
}

func TestHashFolderDeterministic(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), []byte("alpha"))
	writeFile(t, filepath.Join(root, "sub", "b.txt"), []byte("beta"))
	writeFile(t, filepath.Join(root, "sub", "c.txt"), []byte("gamma"))

	first, err := HashFolder(root)
	if err != nil {
		t.Fatalf("first HashFolder: %v", err)
	}
	second, err := HashFolder(root)
	if err != nil {
		t.Fatalf("second HashFolder: %v", err)
	}
	if first != second {
		t.Errorf("HashFolder not deterministic: %s != %s", first, second)
	}
}

func TestHashFolderDetectsChange(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), []byte("alpha"))

	before, err := HashFolder(root)
	if err != nil {
		t.Fatalf("HashFolder: %v", err)
	}

	writeFile(t, filepath.Join(root, "a.txt"), []byte("changed"))
	after, err := HashFolder(root)
	if err != nil {
		t.Fatalf("HashFolder after change: %v", err)
	}
	if before == after {
		t.Error("folder hash should change when a file changes")
	}
}

func TestHashFolderSkipsDotfiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), []byte("alpha"))

	before, err := HashFolder(root)
	if err != nil {
		t.Fatalf("HashFolder: %v", err)
	}

	writeFile(t, filepath.Join(root, ".hidden"), []byte("ignore me"))
	writeFile(t, filepath.Join(root, ".git", "config"), []byte("ignore me too"))

	after, err := HashFolder(root)
	if err != nil {
		t.Fatalf("HashFolder with dotfiles: %v", err)
	}
	if before != after {
		t.Error("dotfiles should not affect the folder hash")
	}
}

func TestHashFolderSkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), []byte("alpha"))

	before, err := HashFolder(root)
	if err != nil {
		t.Fatalf("HashFolder: %v", err)
	}

	if err := os.Symlink(filepath.Join(root, "a.txt"), filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	after, err := HashFolder(root)
	if err != nil {
		t.Fatalf("HashFolder with symlink: %v", err)
	}
	if before != after {
		t.Error("symlinks should not affect the folder hash")
	}
}

func TestDiffManifests(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.txt"), []byte("same"))
	writeFile(t, filepath.Join(root, "change.txt"), []byte("before"))
	writeFile(t, filepath.Join(root, "remove.txt"), []byte("gone soon"))

	old, err := FolderManifest(root)
	if err != nil {
		t.Fatalf("FolderManifest: %v", err)
	}

	writeFile(t, filepath.Join(root, "change.txt"), []byte("after"))
	if err := os.Remove(filepath.Join(root, "remove.txt")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	writeFile(t, filepath.Join(root, "new.txt"), []byte("brand new"))

	current, err := FolderManifest(root)
	if err != nil {
		t.Fatalf("FolderManifest after changes: %v", err)
	}

	diff := DiffManifests(old, current)
	if len(diff.Added) != 1 || diff.Added[0] != "new.txt" {
		t.Errorf("Added = %v, want [new.txt]", diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != "remove.txt" {
		t.Errorf("Removed = %v, want [remove.txt]", diff.Removed)
	}
	if len(diff.Modified) != 1 || diff.Modified[0] != "change.txt" {
		t.Errorf("Modified = %v, want [change.txt]", diff.Modified)
	}
}

func TestDiffManifestsEmpty(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), []byte("alpha"))

	manifest, err := FolderManifest(root)
	if err != nil {
		t.Fatalf("FolderManifest: %v", err)
	}

	diff := DiffManifests(manifest, manifest)
	if !diff.Empty() {
		t.Errorf("diff of identical manifests should be empty, got %+v", diff)
	}
}
