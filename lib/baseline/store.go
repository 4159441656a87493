// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

// Package baseline persists the protected-item baseline: what is
// protected, in which mode, with which hash, plus the verification
// history and folder content snapshots that tamper detection compares
// against. Backed by SQLite through the shared connection pool.
package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/clock"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/policy"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/sqlitepool"
)

// ErrNotFound means no protected item matches the given path or id.
var ErrNotFound = errors.New("baseline: item not found")

// ItemType distinguishes protected files from protected folders.
type ItemType string

const (
	ItemFile   ItemType = "file"
	ItemFolder ItemType = "folder"
)

// Item is one protected file or folder.
type Item struct {
	ID           int64
	Path         string
	Type         ItemType
	Hash         string
	Size         int64
	ModTime      time.Time
	Permissions  uint32
	Mode         policy.Mode
	BackupPath   string
	CreatedAt    time.Time
	LastVerified time.Time
	Locked       bool
}

// VerificationRecord is one row of verification history.
type VerificationRecord struct {
	ID           int64
	ItemID       int64
	VerifiedAt   time.Time
	PreviousHash string
	CurrentHash  string
	Status       string
	ActionTaken  string
	Details      string
}

// FolderEntry is one file inside a protected folder's snapshot.
type FolderEntry struct {
	RelativePath string
	Hash         string
	Size         int64
}

// Stats summarizes the protected set.
type Stats struct {
	TotalItems    int
	Files         int
	Folders       int
	Locked        int
	ByMode        map[policy.Mode]int
	RecentTampers int // tamper verifications in the last 24h
}

// Config holds the parameters for opening a baseline store.
type Config struct {
	// Path is the SQLite database file. Required.
	Path string

	// PoolSize defaults to 4.
	PoolSize int

	// Clock provides timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. Nil discards them.
	Logger *slog.Logger
}

// Store is the baseline database. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open opens (and migrates) the baseline database.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("baseline: Path is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("baseline: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("baseline: %w", err)
	}
	migrateErr := migrate(conn)
	pool.Put(conn)
	if migrateErr != nil {
		pool.Close()
		return nil, migrateErr
	}

	return &Store{pool: pool, clock: cfg.Clock, logger: logger}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) now() string {
	return s.clock.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// Add inserts a protected item and returns it with its assigned ID.
// The path must not already be protected.
func (s *Store) Add(ctx context.Context, item Item) (Item, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Item{}, err
	}
	defer s.pool.Put(conn)

	item.CreatedAt = s.clock.Now().UTC()
	err = sqlitex.Execute(conn, `
		INSERT INTO protected_items
			(path, item_type, hash, size, modified_time, permissions,
			 protection_mode, backup_path, created_at, is_locked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			item.Path, string(item.Type), item.Hash, item.Size,
			item.ModTime.UnixNano(), int64(item.Permissions),
			string(item.Mode), item.BackupPath,
			item.CreatedAt.Format(time.RFC3339Nano), boolToInt(item.Locked),
		}})
	if err != nil {
		return Item{}, fmt.Errorf("baseline: adding %s: %w", item.Path, err)
	}
	item.ID = conn.LastInsertRowID()
	return item, nil
}

const itemColumns = `id, path, item_type, hash, size, modified_time,
	permissions, protection_mode, backup_path, created_at, last_verified, is_locked`

func scanItem(stmt *sqlite.Stmt) Item {
	return Item{
		ID:           stmt.ColumnInt64(0),
		Path:         stmt.ColumnText(1),
		Type:         ItemType(stmt.ColumnText(2)),
		Hash:         stmt.ColumnText(3),
		Size:         stmt.ColumnInt64(4),
		ModTime:      time.Unix(0, stmt.ColumnInt64(5)),
		Permissions:  uint32(stmt.ColumnInt64(6)),
		Mode:         policy.Mode(stmt.ColumnText(7)),
		BackupPath:   stmt.ColumnText(8),
		CreatedAt:    parseTime(stmt.ColumnText(9)),
		LastVerified: parseTime(stmt.ColumnText(10)),
		Locked:       stmt.ColumnInt(11) != 0,
	}
}

// Get returns the protected item for a path.
func (s *Store) Get(ctx context.Context, path string) (Item, error) {
	return s.getWhere(ctx, "path = ?", path)
}

// GetByID returns the protected item with the given row id.
func (s *Store) GetByID(ctx context.Context, id int64) (Item, error) {
	return s.getWhere(ctx, "id = ?", id)
}

func (s *Store) getWhere(ctx context.Context, where string, arg any) (Item, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Item{}, err
	}
	defer s.pool.Put(conn)

	var item Item
	var found bool
	err = sqlitex.Execute(conn,
		"SELECT "+itemColumns+" FROM protected_items WHERE "+where,
		&sqlitex.ExecOptions{
			Args: []any{arg},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				item = scanItem(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Item{}, fmt.Errorf("baseline: querying item: %w", err)
	}
	if !found {
		return Item{}, ErrNotFound
	}
	return item, nil
}

// List returns every protected item, ordered by path.
func (s *Store) List(ctx context.Context) ([]Item, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var items []Item
	err = sqlitex.Execute(conn,
		"SELECT "+itemColumns+" FROM protected_items ORDER BY path",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				items = append(items, scanItem(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("baseline: listing items: %w", err)
	}
	return items, nil
}

// Remove deletes a protected item. Verification history and folder
// snapshots cascade away with it.
func (s *Store) Remove(ctx context.Context, path string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM protected_items WHERE path = ?",
		&sqlitex.ExecOptions{Args: []any{path}})
	if err != nil {
		return fmt.Errorf("baseline: removing %s: %w", path, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHash records a new accepted baseline for an item, typically
// after a legitimate change or a restore.
func (s *Store) UpdateHash(ctx context.Context, path, hash string, size int64, modTime time.Time, permissions uint32) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE protected_items
		SET hash = ?, size = ?, modified_time = ?, permissions = ?
		WHERE path = ?`,
		&sqlitex.ExecOptions{Args: []any{
			hash, size, modTime.UnixNano(), int64(permissions), path,
		}})
	if err != nil {
		return fmt.Errorf("baseline: updating hash for %s: %w", path, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLocked updates the seal state of an item.
func (s *Store) SetLocked(ctx context.Context, path string, locked bool) error {
	return s.updateField(ctx, path, "is_locked", boolToInt(locked))
}

// SetMode updates the protection mode of an item.
func (s *Store) SetMode(ctx context.Context, path string, mode policy.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("baseline: invalid protection mode %q", mode)
	}
	return s.updateField(ctx, path, "protection_mode", string(mode))
}

// SetBackupPath records where an item's backups live.
func (s *Store) SetBackupPath(ctx context.Context, path, backupPath string) error {
	return s.updateField(ctx, path, "backup_path", backupPath)
}

func (s *Store) updateField(ctx context.Context, path, column string, value any) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		fmt.Sprintf("UPDATE protected_items SET %s = ? WHERE path = ?", column),
		&sqlitex.ExecOptions{Args: []any{value, path}})
	if err != nil {
		return fmt.Errorf("baseline: updating %s for %s: %w", column, path, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordVerification appends a verification outcome and bumps the
// item's last_verified timestamp in the same transaction.
func (s *Store) RecordVerification(ctx context.Context, record VerificationRecord) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("baseline: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	verifiedAt := record.VerifiedAt
	if verifiedAt.IsZero() {
		verifiedAt = s.clock.Now().UTC()
	}
	timestamp := verifiedAt.UTC().Format(time.RFC3339Nano)

	err = sqlitex.Execute(conn, `
		INSERT INTO verification_history
			(item_id, verified_at, previous_hash, current_hash, status, action_taken, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			record.ItemID, timestamp, record.PreviousHash,
			record.CurrentHash, record.Status, record.ActionTaken, record.Details,
		}})
	if err != nil {
		return fmt.Errorf("baseline: recording verification: %w", err)
	}

	err = sqlitex.Execute(conn,
		"UPDATE protected_items SET last_verified = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{timestamp, record.ItemID}})
	if err != nil {
		return fmt.Errorf("baseline: bumping last_verified: %w", err)
	}
	if conn.Changes() == 0 {
		err = fmt.Errorf("baseline: recording verification: %w", ErrNotFound)
		return err
	}
	return err
}

// VerificationHistory returns the most recent records for an item,
// newest first. A non-positive limit returns everything.
func (s *Store) VerificationHistory(ctx context.Context, itemID int64, limit int) ([]VerificationRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := `
		SELECT id, item_id, verified_at, previous_hash, current_hash, status, action_taken, details
		FROM verification_history WHERE item_id = ?
		ORDER BY id DESC`
	args := []any{itemID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var records []VerificationRecord
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, VerificationRecord{
				ID:           stmt.ColumnInt64(0),
				ItemID:       stmt.ColumnInt64(1),
				VerifiedAt:   parseTime(stmt.ColumnText(2)),
				PreviousHash: stmt.ColumnText(3),
				CurrentHash:  stmt.ColumnText(4),
				Status:       stmt.ColumnText(5),
				ActionTaken:  stmt.ColumnText(6),
				Details:      stmt.ColumnText(7),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("baseline: reading verification history: %w", err)
	}
	return records, nil
}

// SaveFolderContents replaces the content snapshot of a protected
// folder in one transaction.
func (s *Store) SaveFolderContents(ctx context.Context, folderID int64, entries []FolderEntry) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("baseline: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, "DELETE FROM folder_contents WHERE folder_id = ?",
		&sqlitex.ExecOptions{Args: []any{folderID}})
	if err != nil {
		return fmt.Errorf("baseline: clearing folder snapshot: %w", err)
	}
	for _, entry := range entries {
		err = sqlitex.Execute(conn, `
			INSERT INTO folder_contents (folder_id, relative_path, hash, size)
			VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				folderID, entry.RelativePath, entry.Hash, entry.Size,
			}})
		if err != nil {
			return fmt.Errorf("baseline: saving folder entry %s: %w", entry.RelativePath, err)
		}
	}
	return err
}

// FolderContents returns a folder's snapshot keyed by relative path.
func (s *Store) FolderContents(ctx context.Context, folderID int64) (map[string]FolderEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	contents := make(map[string]FolderEntry)
	err = sqlitex.Execute(conn, `
		SELECT relative_path, hash, size FROM folder_contents WHERE folder_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{folderID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry := FolderEntry{
					RelativePath: stmt.ColumnText(0),
					Hash:         stmt.ColumnText(1),
					Size:         stmt.ColumnInt64(2),
				}
				contents[entry.RelativePath] = entry
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("baseline: reading folder snapshot: %w", err)
	}
	return contents, nil
}

// SetSetting stores a JSON-encoded setting value.
func (s *Store) SetSetting(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("baseline: encoding setting %s: %w", key, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{key, string(encoded), s.now()}})
	if err != nil {
		return fmt.Errorf("baseline: saving setting %s: %w", key, err)
	}
	return nil
}

// GetSetting decodes a setting into out. Returns ErrNotFound for an
// unknown key.
func (s *Store) GetSetting(ctx context.Context, key string, out any) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	var raw string
	var found bool
	err = sqlitex.Execute(conn, "SELECT value FROM settings WHERE key = ?",
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				raw = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("baseline: reading setting %s: %w", key, err)
	}
	if !found {
		return ErrNotFound
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("baseline: decoding setting %s: %w", key, err)
	}
	return nil
}

// Stats summarizes the protected set and recent tamper activity.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer s.pool.Put(conn)

	stats := Stats{ByMode: make(map[policy.Mode]int)}
	err = sqlitex.Execute(conn, `
		SELECT item_type, protection_mode, is_locked, COUNT(*)
		FROM protected_items GROUP BY item_type, protection_mode, is_locked`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count := stmt.ColumnInt(3)
				stats.TotalItems += count
				if ItemType(stmt.ColumnText(0)) == ItemFolder {
					stats.Folders += count
				} else {
					stats.Files += count
				}
				stats.ByMode[policy.Mode(stmt.ColumnText(1))] += count
				if stmt.ColumnInt(2) != 0 {
					stats.Locked += count
				}
				return nil
			},
		})
	if err != nil {
		return Stats{}, fmt.Errorf("baseline: computing stats: %w", err)
	}

	cutoff := s.clock.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339Nano)
	err = sqlitex.Execute(conn, `
		SELECT COUNT(*) FROM verification_history
		WHERE status != 'unchanged' AND verified_at >= ?`,
		&sqlitex.ExecOptions{
			Args: []any{cutoff},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.RecentTampers = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return Stats{}, fmt.Errorf("baseline: counting recent tampers: %w", err)
	}
	return stats, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
