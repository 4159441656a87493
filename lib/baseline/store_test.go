// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package baseline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/clock"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/policy"
)

func openTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	fakeClock := clock.Fake(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	store, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "baseline.db"),
		PoolSize: 1,
		Clock:    fakeClock,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store, fakeClock
}

func testItem(path string) Item {
	return Item{
		Path:        path,
		Type:        ItemFile,
		Hash:        "aaaa",
		Size:        128,
		ModTime:     time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC),
		Permissions: 0o644,
		Mode:        policy.ModeAlert,
	}
}

func TestAddGetRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	added, err := store.Add(ctx, testItem("/data/secret.txt"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added.ID == 0 {
		t.Fatal("Add assigned no ID")
	}

	got, err := store.Get(ctx, "/data/secret.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != added.ID || got.Hash != "aaaa" || got.Mode != policy.ModeAlert {
		t.Fatalf("Get = %+v", got)
	}
	if !got.ModTime.Equal(time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("ModTime = %v", got.ModTime)
	}
	if got.Permissions != 0o644 {
		t.Fatalf("Permissions = %o", got.Permissions)
	}

	byID, err := store.GetByID(ctx, added.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if byID.Path != "/data/secret.txt" {
		t.Fatalf("GetByID path = %q", byID.Path)
	}
}

func TestGetMissing(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.Get(context.Background(), "/nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDuplicatePathRejected(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Add(ctx, testItem("/data/x")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := store.Add(ctx, testItem("/data/x")); err == nil {
		t.Fatal("duplicate Add succeeded")
	}
}

func TestListOrdering(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, path := range []string{"/data/c", "/data/a", "/data/b"} {
		if _, err := store.Add(ctx, testItem(path)); err != nil {
			t.Fatalf("Add %s: %v", path, err)
		}
	}

	items, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("List returned %d items", len(items))
	}
	for i, want := range []string{"/data/a", "/data/b", "/data/c"} {
		if items[i].Path != want {
			t.Errorf("items[%d] = %q, want %q", i, items[i].Path, want)
		}
	}
}

func TestRemoveCascades(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	item, err := store.Add(ctx, testItem("/data/x"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	err = store.RecordVerification(ctx, VerificationRecord{
		ItemID: item.ID, PreviousHash: "aaaa", CurrentHash: "aaaa", Status: "unchanged",
	})
	if err != nil {
		t.Fatalf("RecordVerification: %v", err)
	}

	if err := store.Remove(ctx, "/data/x"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := store.Remove(ctx, "/data/x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Remove = %v, want ErrNotFound", err)
	}

	history, err := store.VerificationHistory(ctx, item.ID, 0)
	if err != nil {
		t.Fatalf("VerificationHistory: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history survived cascade delete: %d records", len(history))
	}
}

func TestUpdateHashAndFields(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Add(ctx, testItem("/data/x")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	newTime := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	if err := store.UpdateHash(ctx, "/data/x", "bbbb", 256, newTime, 0o600); err != nil {
		t.Fatalf("UpdateHash: %v", err)
	}
	if err := store.SetLocked(ctx, "/data/x", true); err != nil {
		t.Fatalf("SetLocked: %v", err)
	}
	if err := store.SetMode(ctx, "/data/x", policy.ModeSealed); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := store.SetBackupPath(ctx, "/data/x", "/backups/x_v1.backup"); err != nil {
		t.Fatalf("SetBackupPath: %v", err)
	}

	got, err := store.Get(ctx, "/data/x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Hash != "bbbb" || got.Size != 256 || !got.Locked ||
		got.Mode != policy.ModeSealed || got.BackupPath != "/backups/x_v1.backup" {
		t.Fatalf("after updates: %+v", got)
	}
	if got.Permissions != 0o600 {
		t.Fatalf("Permissions = %o", got.Permissions)
	}

	if err := store.SetMode(ctx, "/data/x", "bogus"); err == nil {
		t.Fatal("SetMode accepted invalid mode")
	}
	if err := store.UpdateHash(ctx, "/missing", "cccc", 0, newTime, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateHash missing = %v, want ErrNotFound", err)
	}
}

func TestVerificationHistory(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	item, err := store.Add(ctx, testItem("/data/x"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	statuses := []string{"unchanged", "modified", "unchanged"}
	for _, status := range statuses {
		err := store.RecordVerification(ctx, VerificationRecord{
			ItemID:       item.ID,
			PreviousHash: "aaaa",
			CurrentHash:  "aaaa",
			Status:       status,
			ActionTaken:  "log_only",
		})
		if err != nil {
			t.Fatalf("RecordVerification(%s): %v", status, err)
		}
		fakeClock.Advance(time.Minute)
	}

	history, err := store.VerificationHistory(ctx, item.ID, 2)
	if err != nil {
		t.Fatalf("VerificationHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("limited history = %d records, want 2", len(history))
	}
	// Newest first.
	if history[0].Status != "unchanged" || history[1].Status != "modified" {
		t.Fatalf("history order: %s, %s", history[0].Status, history[1].Status)
	}

	got, err := store.Get(ctx, "/data/x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastVerified.IsZero() {
		t.Fatal("last_verified not bumped")
	}
}

func TestFolderSnapshot(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	folder := testItem("/data/folder")
	folder.Type = ItemFolder
	added, err := store.Add(ctx, folder)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	entries := []FolderEntry{
		{RelativePath: "a.txt", Hash: "h1", Size: 10},
		{RelativePath: "sub/b.txt", Hash: "h2", Size: 20},
	}
	if err := store.SaveFolderContents(ctx, added.ID, entries); err != nil {
		t.Fatalf("SaveFolderContents: %v", err)
	}

	contents, err := store.FolderContents(ctx, added.ID)
	if err != nil {
		t.Fatalf("FolderContents: %v", err)
	}
	if len(contents) != 2 || contents["sub/b.txt"].Hash != "h2" {
		t.Fatalf("contents = %+v", contents)
	}

	// Replacing drops entries no longer present.
	replacement := []FolderEntry{{RelativePath: "a.txt", Hash: "h1-new", Size: 11}}
	if err := store.SaveFolderContents(ctx, added.ID, replacement); err != nil {
		t.Fatalf("SaveFolderContents replace: %v", err)
	}
	contents, err = store.FolderContents(ctx, added.ID)
	if err != nil {
		t.Fatalf("FolderContents: %v", err)
	}
	if len(contents) != 1 || contents["a.txt"].Hash != "h1-new" {
		t.Fatalf("replaced contents = %+v", contents)
	}
}

func TestSettings(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	type prefs struct {
		Theme    string `json:"theme"`
		Interval int    `json:"interval"`
	}
	if err := store.SetSetting(ctx, "ui", prefs{Theme: "dark", Interval: 300}); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}

	var got prefs
	if err := store.GetSetting(ctx, "ui", &got); err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got.Theme != "dark" || got.Interval != 300 {
		t.Fatalf("setting = %+v", got)
	}

	if err := store.SetSetting(ctx, "ui", prefs{Theme: "light", Interval: 60}); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	if err := store.GetSetting(ctx, "ui", &got); err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got.Theme != "light" {
		t.Fatalf("overwritten setting = %+v", got)
	}

	if err := store.GetSetting(ctx, "missing", &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing setting = %v, want ErrNotFound", err)
	}
}

func TestStats(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	file := testItem("/data/file")
	if _, err := store.Add(ctx, file); err != nil {
		t.Fatalf("Add: %v", err)
	}

	folder := testItem("/data/folder")
	folder.Type = ItemFolder
	folder.Mode = policy.ModeAutoRestore
	if _, err := store.Add(ctx, folder); err != nil {
		t.Fatalf("Add: %v", err)
	}

	sealed := testItem("/data/sealed")
	sealed.Mode = policy.ModeSealed
	sealed.Locked = true
	sealedItem, err := store.Add(ctx, sealed)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	err = store.RecordVerification(ctx, VerificationRecord{
		ItemID: sealedItem.ID, Status: "modified", ActionTaken: "block",
	})
	if err != nil {
		t.Fatalf("RecordVerification: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalItems != 3 || stats.Files != 2 || stats.Folders != 1 || stats.Locked != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ByMode[policy.ModeAlert] != 1 || stats.ByMode[policy.ModeSealed] != 1 {
		t.Fatalf("by mode = %+v", stats.ByMode)
	}
	if stats.RecentTampers != 1 {
		t.Fatalf("recent tampers = %d, want 1", stats.RecentTampers)
	}
}

func TestReopenPersists(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "baseline.db")
	fakeClock := clock.Fake(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	store, err := Open(Config{Path: path, PoolSize: 1, Clock: fakeClock})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.Add(ctx, testItem("/data/x")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Config{Path: path, PoolSize: 1, Clock: fakeClock})
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "/data/x")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Hash != "aaaa" {
		t.Fatalf("persisted item = %+v", got)
	}
}

func TestFutureSchemaVersionRejected(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "baseline.db")
	fakeClock := clock.Fake(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))

	store, err := Open(Config{Path: path, PoolSize: 1, Clock: fakeClock})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Pretend a newer build wrote this database.
	conn, err := store.pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := sqlitex.ExecuteTransient(conn, "UPDATE schema_version SET version = 99", nil); err != nil {
		t.Fatalf("bumping version: %v", err)
	}
	store.pool.Put(conn)
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := Open(Config{Path: path, PoolSize: 1, Clock: fakeClock}); err == nil {
		t.Fatal("Open accepted a future schema version")
	}
}
