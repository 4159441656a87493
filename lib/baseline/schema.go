// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package baseline

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// schemaVersion is the version this code writes and expects.
const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS protected_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL UNIQUE,
	item_type TEXT NOT NULL CHECK (item_type IN ('file', 'folder')),
	hash TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	modified_time INTEGER NOT NULL DEFAULT 0,
	permissions INTEGER NOT NULL DEFAULT 0,
	protection_mode TEXT NOT NULL,
	backup_path TEXT,
	created_at TEXT NOT NULL,
	last_verified TEXT,
	is_locked INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_protected_items_path ON protected_items(path);

CREATE TABLE IF NOT EXISTS verification_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id INTEGER NOT NULL REFERENCES protected_items(id) ON DELETE CASCADE,
	verified_at TEXT NOT NULL,
	previous_hash TEXT,
	current_hash TEXT,
	status TEXT NOT NULL,
	action_taken TEXT,
	details TEXT
);
CREATE INDEX IF NOT EXISTS idx_verification_history_item ON verification_history(item_id);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS folder_contents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	folder_id INTEGER NOT NULL REFERENCES protected_items(id) ON DELETE CASCADE,
	relative_path TEXT NOT NULL,
	hash TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	UNIQUE (folder_id, relative_path)
);
`

// migrate brings the database to the current schema version. A
// database written by a newer build fails rather than being loaded
// with wrong assumptions.
func migrate(conn *sqlite.Conn) error {
	version, err := currentVersion(conn)
	if err != nil {
		return err
	}
	switch {
	case version == schemaVersion:
		return nil
	case version > schemaVersion:
		return fmt.Errorf("baseline: database schema version %d is newer than supported version %d",
			version, schemaVersion)
	}

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("baseline: begin migration: %w", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.ExecuteScript(conn, schemaV1, nil); err != nil {
		return fmt.Errorf("baseline: applying schema: %w", err)
	}
	if err = sqlitex.ExecuteTransient(conn, "DELETE FROM schema_version", nil); err != nil {
		return fmt.Errorf("baseline: resetting schema version: %w", err)
	}
	err = sqlitex.ExecuteTransient(conn, "INSERT INTO schema_version (version) VALUES (?)",
		&sqlitex.ExecOptions{Args: []any{schemaVersion}})
	if err != nil {
		return fmt.Errorf("baseline: recording schema version: %w", err)
	}
	return err
}

func currentVersion(conn *sqlite.Conn) (int, error) {
	var exists bool
	err := sqlitex.ExecuteTransient(conn,
		"SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("baseline: checking schema table: %w", err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = sqlitex.ExecuteTransient(conn, "SELECT version FROM schema_version LIMIT 1",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("baseline: reading schema version: %w", err)
	}
	return version, nil
}
