// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	_, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	signer, err := NewSigner(privateKey, "test-signer")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return signer
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func buildTestTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "alpha.txt"), "alpha contents")
	writeFile(t, filepath.Join(root, "beta.txt"), "beta contents")
	writeFile(t, filepath.Join(root, "sub", "gamma.txt"), "gamma contents")
	return root
}

func TestBuildSignVerify(t *testing.T) {
	root := buildTestTree(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m, err := Build(root, []string{root}, now, BuildOptions{Description: "baseline"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(m.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(m.Entries))
	}
	for i := 1; i < len(m.Entries); i++ {
		if m.Entries[i-1].Path >= m.Entries[i].Path {
			t.Fatalf("entries not sorted: %q >= %q", m.Entries[i-1].Path, m.Entries[i].Path)
		}
	}

	signer := testSigner(t)
	if err := signer.Sign(m, now); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if m.Metadata.SignerID != "test-signer" {
		t.Fatalf("signer id = %q", m.Metadata.SignerID)
	}

	result, err := VerifyTree(m, root, nil)
	if err != nil {
		t.Fatalf("VerifyTree: %v", err)
	}
	if result.Status != StatusValid {
		t.Fatalf("status = %q, want valid", result.Status)
	}
	if result.Changed() {
		t.Fatal("unmodified tree reported as changed")
	}
}

func TestVerifyUnsigned(t *testing.T) {
	root := buildTestTree(t)
	m, err := Build(root, []string{root}, time.Now(), BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	result, err := VerifyTree(m, root, nil)
	if err != nil {
		t.Fatalf("VerifyTree: %v", err)
	}
	if result.Status != StatusUnsigned {
		t.Fatalf("status = %q, want unsigned", result.Status)
	}
}

func TestTamperedManifestSignature(t *testing.T) {
	root := buildTestTree(t)
	m, err := Build(root, []string{root}, time.Now(), BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := testSigner(t).Sign(m, time.Now()); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Changing any covered field must invalidate the signature.
	m.Entries[0].Hash = "0000000000000000000000000000000000000000000000000000000000000000"

	result, err := VerifyTree(m, root, nil)
	if err != nil {
		t.Fatalf("VerifyTree: %v", err)
	}
	if result.Status != StatusSignatureInvalid {
		t.Fatalf("status = %q, want signature_invalid", result.Status)
	}
	if len(result.Entries) != 0 {
		t.Fatal("entry results returned for untrusted manifest")
	}
}

func TestVerifyPinnedKeyRejectsOtherSigner(t *testing.T) {
	root := buildTestTree(t)
	m, err := Build(root, []string{root}, time.Now(), BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := testSigner(t).Sign(m, time.Now()); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	otherPublic, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	result, err := VerifyTree(m, root, otherPublic)
	if err != nil {
		t.Fatalf("VerifyTree: %v", err)
	}
	if result.Status != StatusSignatureInvalid {
		t.Fatalf("status = %q, want signature_invalid", result.Status)
	}
}

func TestVerifyDetectsEntryChanges(t *testing.T) {
	root := buildTestTree(t)
	now := time.Now()
	m, err := Build(root, []string{root}, now, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	signer := testSigner(t)
	if err := signer.Sign(m, now); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Same-size content change, a deletion, and a permission change.
	writeFile(t, filepath.Join(root, "alpha.txt"), "ALPHA CONTENTS")
	if err := os.Remove(filepath.Join(root, "beta.txt")); err != nil {
		t.Fatalf("removing: %v", err)
	}
	if err := os.Chmod(filepath.Join(root, "sub", "gamma.txt"), 0o600); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	result, err := VerifyTree(m, root, nil)
	if err != nil {
		t.Fatalf("VerifyTree: %v", err)
	}
	if result.Status != StatusModified {
		t.Fatalf("status = %q, want modified", result.Status)
	}

	byPath := make(map[string]EntryStatus)
	for _, entry := range result.Entries {
		byPath[entry.Path] = entry.Status
	}
	if byPath["alpha.txt"] != EntryModified {
		t.Errorf("alpha.txt = %q, want modified", byPath["alpha.txt"])
	}
	if byPath["beta.txt"] != EntryMissing {
		t.Errorf("beta.txt = %q, want missing", byPath["beta.txt"])
	}
	if byPath["sub/gamma.txt"] != EntryPermissionChanged {
		t.Errorf("sub/gamma.txt = %q, want permission_changed", byPath["sub/gamma.txt"])
	}
}

func TestChunkHashesAboveThreshold(t *testing.T) {
	root := t.TempDir()
	big := make([]byte, 3000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	if err := os.WriteFile(filepath.Join(root, "big.bin"), big, 0o644); err != nil {
		t.Fatalf("writing: %v", err)
	}
	writeFile(t, filepath.Join(root, "small.txt"), "tiny")

	m, err := Build(root, []string{root}, time.Now(), BuildOptions{
		ChunkThreshold: 1024,
		ChunkSize:      1024,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, entry := range m.Entries {
		switch entry.Path {
		case "big.bin":
			if len(entry.ChunkHashes) != 3 {
				t.Errorf("big.bin chunk hashes = %d, want 3", len(entry.ChunkHashes))
			}
		case "small.txt":
			if len(entry.ChunkHashes) != 0 {
				t.Errorf("small.txt has chunk hashes")
			}
		}
	}
}

func TestPreviousManifestLinking(t *testing.T) {
	root := buildTestTree(t)
	now := time.Now()
	signer := testSigner(t)

	first, err := Build(root, []string{root}, now, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := signer.Sign(first, now); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	firstHash, err := first.ContentHash()
	if err != nil {
		t.Fatalf("ContentHash: %v", err)
	}

	writeFile(t, filepath.Join(root, "delta.txt"), "delta contents")
	second, err := Build(root, []string{root}, now.Add(time.Hour), BuildOptions{
		PreviousManifestHash: firstHash,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if second.Metadata.PreviousManifestHash != firstHash {
		t.Fatalf("previous hash = %q, want %q", second.Metadata.PreviousManifestHash, firstHash)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	root := buildTestTree(t)
	now := time.Now()
	signer := testSigner(t)

	m, err := Build(root, []string{root}, now, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := signer.Sign(m, now); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	store, err := OpenStore(filepath.Join(t.TempDir(), "manifests"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	contentHash, err := store.Save(m)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load(contentHash)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Entries) != len(m.Entries) {
		t.Fatalf("loaded %d entries, want %d", len(loaded.Entries), len(m.Entries))
	}
	if err := loaded.VerifySignature(nil); err != nil {
		t.Fatalf("loaded manifest signature: %v", err)
	}

	latest, err := store.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	latestHash, err := latest.ContentHash()
	if err != nil {
		t.Fatalf("ContentHash: %v", err)
	}
	if latestHash != contentHash {
		t.Fatalf("latest hash = %q, want %q", latestHash, contentHash)
	}
}

func TestStoreHistoryAndReopen(t *testing.T) {
	root := buildTestTree(t)
	now := time.Now()
	directory := filepath.Join(t.TempDir(), "manifests")

	store, err := OpenStore(directory)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	first, err := Build(root, []string{root}, now, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	firstHash, err := store.Save(first)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	writeFile(t, filepath.Join(root, "delta.txt"), "delta")
	second, err := Build(root, []string{root}, now.Add(time.Hour), BuildOptions{
		PreviousManifestHash: firstHash,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	secondHash, err := store.Save(second)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := OpenStore(directory)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	history := reopened.History()
	if len(history) != 2 || history[0] != firstHash || history[1] != secondHash {
		t.Fatalf("history = %v", history)
	}
	latest, err := reopened.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Metadata.PreviousManifestHash != firstHash {
		t.Fatalf("latest previous = %q, want %q", latest.Metadata.PreviousManifestHash, firstHash)
	}
}

func TestStoreDetectsEditedFile(t *testing.T) {
	root := buildTestTree(t)
	store, err := OpenStore(filepath.Join(t.TempDir(), "manifests"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	m, err := Build(root, []string{root}, time.Now(), BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	contentHash, err := store.Save(m)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Edit the stored file in place; Load must notice.
	path := store.manifestPath(contentHash)
	loaded, err := store.Load(contentHash)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	loaded.Entries[0].Hash = "0000000000000000000000000000000000000000000000000000000000000000"
	edited, err := json.MarshalIndent(loaded, "", "  ")
	if err != nil {
		t.Fatalf("re-encoding: %v", err)
	}
	if err := os.WriteFile(path, edited, 0o600); err != nil {
		t.Fatalf("editing stored manifest: %v", err)
	}

	if _, err := store.Load(contentHash); err == nil {
		t.Fatal("Load accepted edited manifest file")
	}
}
