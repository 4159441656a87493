// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package restore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/clock"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/envelope"
)

func testManager(t *testing.T) (*Manager, string) {
	t.Helper()
	base := t.TempDir()

	keyStore, err := envelope.OpenKeyStore(filepath.Join(base, "keystore.cbor"))
	if err != nil {
		t.Fatalf("OpenKeyStore: %v", err)
	}
	kek := bytes.Repeat([]byte{0x42}, envelope.KeySize)
	env, err := envelope.New(kek, keyStore, nil)
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	t.Cleanup(func() { env.Close() })

	manager, err := Open(Config{
		Directory:   filepath.Join(base, "backups"),
		Envelope:    env,
		MaxVersions: 3,
		Clock:       clock.Fake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := manager.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return manager, base
}

func TestBackupAndRestore(t *testing.T) {
	manager, base := testManager(t)
	target := filepath.Join(base, "document.txt")
	original := []byte("original contents of the protected file")
	if err := os.WriteFile(target, original, 0o640); err != nil {
		t.Fatalf("writing: %v", err)
	}

	version, err := manager.Backup(target)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if version != 1 {
		t.Fatalf("first version = %d, want 1", version)
	}

	// Tamper, then restore.
	if err := os.WriteFile(target, []byte("TAMPERED"), 0o666); err != nil {
		t.Fatalf("tampering: %v", err)
	}
	if err := manager.Restore(target, 0); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	restored, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading restored: %v", err)
	}
	if !bytes.Equal(restored, original) {
		t.Fatalf("restored content = %q", restored)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Fatalf("restored mode = %o, want 640", info.Mode().Perm())
	}
}

func TestRestoreSpecificVersion(t *testing.T) {
	manager, base := testManager(t)
	target := filepath.Join(base, "versioned.txt")

	for _, content := range []string{"version one", "version two"} {
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			t.Fatalf("writing: %v", err)
		}
		if _, err := manager.Backup(target); err != nil {
			t.Fatalf("Backup: %v", err)
		}
	}

	if err := manager.Restore(target, 1); err != nil {
		t.Fatalf("Restore v1: %v", err)
	}
	restored, _ := os.ReadFile(target)
	if string(restored) != "version one" {
		t.Fatalf("restored = %q", restored)
	}

	latest, err := manager.LatestVersion(target)
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if latest != 2 {
		t.Fatalf("latest = %d, want 2", latest)
	}
}

func TestPruneOldVersions(t *testing.T) {
	manager, base := testManager(t)
	target := filepath.Join(base, "pruned.txt")

	for i := range 5 {
		if err := os.WriteFile(target, []byte(strings.Repeat("x", i+1)), 0o644); err != nil {
			t.Fatalf("writing: %v", err)
		}
		if _, err := manager.Backup(target); err != nil {
			t.Fatalf("Backup %d: %v", i, err)
		}
	}

	versions := manager.Versions(target)
	if len(versions) != 3 {
		t.Fatalf("kept %d versions, want 3", len(versions))
	}
	if versions[0].Version != 3 || versions[2].Version != 5 {
		t.Fatalf("kept versions %d..%d, want 3..5", versions[0].Version, versions[2].Version)
	}

	// Pruned files are gone from disk; version 1 no longer restores.
	if err := manager.Restore(target, 1); !errors.Is(err, ErrNoBackup) {
		t.Fatalf("Restore pruned version = %v, want ErrNoBackup", err)
	}
}

func TestCorruptBackupLeavesTargetUntouched(t *testing.T) {
	manager, base := testManager(t)
	target := filepath.Join(base, "guarded.txt")
	if err := os.WriteFile(target, []byte("good"), 0o644); err != nil {
		t.Fatalf("writing: %v", err)
	}
	if _, err := manager.Backup(target); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	// Falsify the recorded hash to simulate a corrupt backup payload.
	manager.mu.Lock()
	versions := manager.index[target]
	versions[0].Hash = "0000000000000000000000000000000000000000000000000000000000000000"
	manager.index[target] = versions
	manager.mu.Unlock()

	if err := os.WriteFile(target, []byte("current"), 0o644); err != nil {
		t.Fatalf("writing: %v", err)
	}
	if err := manager.Restore(target, 0); !errors.Is(err, ErrCorruptBackup) {
		t.Fatalf("Restore = %v, want ErrCorruptBackup", err)
	}

	content, _ := os.ReadFile(target)
	if string(content) != "current" {
		t.Fatalf("target changed to %q despite corrupt backup", content)
	}
}

func TestRestorePermissionsOnly(t *testing.T) {
	manager, base := testManager(t)
	target := filepath.Join(base, "perms.txt")
	if err := os.WriteFile(target, []byte("content"), 0o600); err != nil {
		t.Fatalf("writing: %v", err)
	}
	if _, err := manager.Backup(target); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	if err := os.WriteFile(target, []byte("changed content"), 0o644); err != nil {
		t.Fatalf("writing: %v", err)
	}
	if err := os.Chmod(target, 0o666); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := manager.RestorePermissions(target, 0); err != nil {
		t.Fatalf("RestorePermissions: %v", err)
	}

	info, _ := os.Stat(target)
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %o, want 600", info.Mode().Perm())
	}
	content, _ := os.ReadFile(target)
	if string(content) != "changed content" {
		t.Fatal("content was touched by permissions-only restore")
	}
}

func TestBackupFilenamesAreOpaque(t *testing.T) {
	manager, base := testManager(t)
	target := filepath.Join(base, "visible-name.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("writing: %v", err)
	}
	if _, err := manager.Backup(target); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(base, "backups"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), "visible-name") {
			t.Fatalf("backup filename leaks original name: %s", entry.Name())
		}
	}
}

func TestHasAndDelete(t *testing.T) {
	manager, base := testManager(t)
	target := filepath.Join(base, "deleteme.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("writing: %v", err)
	}

	if manager.Has(target) {
		t.Fatal("Has before any backup")
	}
	if _, err := manager.Backup(target); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if !manager.Has(target) {
		t.Fatal("Has after backup = false")
	}

	if err := manager.Delete(target); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if manager.Has(target) {
		t.Fatal("Has after Delete = true")
	}
	if err := manager.Delete(target); !errors.Is(err, ErrNoBackup) {
		t.Fatalf("second Delete = %v, want ErrNoBackup", err)
	}
}

func TestIndexPersistsAcrossReopen(t *testing.T) {
	base := t.TempDir()

	keyStore, err := envelope.OpenKeyStore(filepath.Join(base, "keystore.cbor"))
	if err != nil {
		t.Fatalf("OpenKeyStore: %v", err)
	}
	kek := bytes.Repeat([]byte{0x42}, envelope.KeySize)
	env, err := envelope.New(kek, keyStore, nil)
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	defer env.Close()

	cfg := Config{
		Directory: filepath.Join(base, "backups"),
		Envelope:  env,
		Clock:     clock.Fake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
	}
	manager, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	target := filepath.Join(base, "persistent.txt")
	if err := os.WriteFile(target, []byte("keep me"), 0o644); err != nil {
		t.Fatalf("writing: %v", err)
	}
	if _, err := manager.Backup(target); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer reopened.Close()

	if !reopened.Has(target) {
		t.Fatal("index lost across reopen")
	}
	if err := os.Remove(target); err != nil {
		t.Fatalf("removing: %v", err)
	}
	if err := reopened.Restore(target, 0); err != nil {
		t.Fatalf("Restore after reopen: %v", err)
	}
	content, _ := os.ReadFile(target)
	if string(content) != "keep me" {
		t.Fatalf("restored = %q", content)
	}
}
