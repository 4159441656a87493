// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy decides how the guard responds to detected changes.
// A protected item carries a Policy; when the watcher reports a change
// the Engine maps (mode, change type) to a response action through a
// static table, after overrides, exclusions, and silent mode have had
// their say. Policies are explicit: the user can always predict what a
// given change will trigger.
package policy

import (
	"path"
	"time"
)

// Mode is the primary protection mode of an item.
type Mode string

const (
	// ModeMonitorOnly logs changes and takes no other action.
	ModeMonitorOnly Mode = "monitor_only"
	// ModeAlert logs changes and raises a notification.
	ModeAlert Mode = "alert"
	// ModeAutoRestore restores tampered items from backup.
	ModeAutoRestore Mode = "auto_restore"
	// ModeSealed blocks every modification while the seal holds.
	ModeSealed Mode = "sealed"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeMonitorOnly, ModeAlert, ModeAutoRestore, ModeSealed:
		return true
	}
	return false
}

// ChangeType classifies a detected filesystem change.
type ChangeType string

const (
	ChangeContentModified    ChangeType = "content_modified"
	ChangePermissionsChanged ChangeType = "permissions_changed"
	ChangeRenamed            ChangeType = "renamed"
	ChangeDeleted            ChangeType = "deleted"
	ChangeCreated            ChangeType = "created"
)

// Action is the response selected for a change.
type Action string

const (
	ActionLogOnly            Action = "log_only"
	ActionNotify             Action = "notify"
	ActionRestoreContent     Action = "restore_content"
	ActionRestorePermissions Action = "restore_permissions"
	ActionBlock              Action = "block"
)

// responseTable maps (mode, change) to the default action. Renames
// cannot be auto-restored (the original inode is gone under a new
// name), so auto_restore only logs them. Creations in a protected
// folder are surfaced, never restored away.
var responseTable = map[Mode]map[ChangeType]Action{
	ModeMonitorOnly: {
		ChangeContentModified:    ActionLogOnly,
		ChangePermissionsChanged: ActionLogOnly,
		ChangeRenamed:            ActionLogOnly,
		ChangeDeleted:            ActionLogOnly,
		ChangeCreated:            ActionLogOnly,
	},
	ModeAlert: {
		ChangeContentModified:    ActionNotify,
		ChangePermissionsChanged: ActionNotify,
		ChangeRenamed:            ActionNotify,
		ChangeDeleted:            ActionNotify,
		ChangeCreated:            ActionNotify,
	},
	ModeAutoRestore: {
		ChangeContentModified:    ActionRestoreContent,
		ChangePermissionsChanged: ActionRestorePermissions,
		ChangeRenamed:            ActionLogOnly,
		ChangeDeleted:            ActionRestoreContent,
		ChangeCreated:            ActionNotify,
	},
	ModeSealed: {
		ChangeContentModified:    ActionBlock,
		ChangePermissionsChanged: ActionBlock,
		ChangeRenamed:            ActionBlock,
		ChangeDeleted:            ActionBlock,
		ChangeCreated:            ActionBlock,
	},
}

// DefaultExclusions are glob patterns for files not worth protecting
// inside a watched folder: editor droppings, locks, logs, OS litter.
// Matched against the base name.
var DefaultExclusions = []string{
	"*.tmp",
	"*.temp",
	"~*",
	"*.swp",
	"*.swo",
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	"*.bak",
	"*.backup",
	"*.orig",
	"*.lock",
	".~lock.*",
	"*.log",
}

// Policy is the complete protection policy for one item.
type Policy struct {
	Mode Mode `json:"mode" yaml:"mode"`

	// Overrides replace the table action for specific change types.
	Overrides map[ChangeType]Action `json:"overrides,omitempty" yaml:"overrides,omitempty"`

	// Exclusions are additional glob patterns, matched against base
	// names, that this policy ignores on top of DefaultExclusions.
	Exclusions []string `json:"exclusions,omitempty" yaml:"exclusions,omitempty"`

	// Silent downgrades notify decisions to log_only.
	Silent bool `json:"silent,omitempty" yaml:"silent,omitempty"`

	// AutoRelock is how long an unsealed item stays unsealed before
	// the seal re-engages. Zero disables auto-relock.
	AutoRelock time.Duration `json:"auto_relock,omitempty" yaml:"auto_relock,omitempty"`

	// MaxBackupVersions bounds the number of backup versions kept.
	MaxBackupVersions int `json:"max_backup_versions,omitempty" yaml:"max_backup_versions,omitempty"`
}

// Default returns the standard policy for a mode: table responses,
// default exclusions, three backup versions, five-minute auto-relock.
func Default(mode Mode) Policy {
	return Policy{
		Mode:              mode,
		AutoRelock:        5 * time.Minute,
		MaxBackupVersions: 3,
	}
}

// Excluded reports whether the base name of filePath matches any
// exclusion pattern, default or policy-specific. Malformed patterns
// never match.
func (p *Policy) Excluded(filePath string) bool {
	base := path.Base(filePath)
	for _, pattern := range DefaultExclusions {
		if matched, err := path.Match(pattern, base); err == nil && matched {
			return true
		}
	}
	for _, pattern := range p.Exclusions {
		if matched, err := path.Match(pattern, base); err == nil && matched {
			return true
		}
	}
	return false
}

// ActionFor selects the response for a change type: override first,
// then the mode table, with silent mode applied last.
func (p *Policy) ActionFor(change ChangeType) (Action, bool) {
	action, ok := p.Overrides[change]
	if !ok {
		action, ok = responseTable[p.Mode][change]
	}
	if !ok {
		return "", false
	}
	if p.Silent && action == ActionNotify {
		action = ActionLogOnly
	}
	return action, true
}
