// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

// Package guard is the tamper-evidence engine: it ties the baseline
// database, the filesystem watcher, the policy engine, encrypted
// backups, signed manifests, and the audit chain into one service.
// Key material comes from a KeySource and never touches disk
// unencrypted.
package guard

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/baseline"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/chain"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/clock"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/envelope"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/hashing"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/manifest"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/merkle"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/policy"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/restore"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/secret"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/watcher"
)

// Data directory layout.
const (
	baselineFilename = "baseline.db"
	chainFilename    = "events.chain"
	keystoreFilename = "keystore.cbor"
	backupsDirname   = "backups"
	manifestsDirname = "manifests"
	merkleDirname    = "merkle"
)

// manifestSignerID identifies this service in manifest signatures.
const manifestSignerID = "darklock-guard"

var (
	// ErrNotProtected means the path has no baseline entry.
	ErrNotProtected = errors.New("guard: path is not protected")
	// ErrNotSealed means an unseal was requested for an item that is
	// not sealed.
	ErrNotSealed = errors.New("guard: item is not sealed")
	// ErrRotationUnsupported means the key source cannot rotate the
	// master key.
	ErrRotationUnsupported = errors.New("guard: key source does not support rotation")
	// ErrAlreadyRunning and ErrNotRunning guard the start/stop
	// lifecycle.
	ErrAlreadyRunning = errors.New("guard: service already running")
	ErrNotRunning     = errors.New("guard: service not running")
)

// Config holds the parameters for opening a guard service.
type Config struct {
	// DataDir holds the baseline database, audit chain, keystore,
	// backups, and manifests. Created 0700 if absent. Required.
	DataDir string

	// KeySource provides key material. Required. The service owns it
	// and closes it on Close.
	KeySource KeySource

	// Notifier receives tamper alerts. Nil selects a LogNotifier.
	Notifier Notifier

	// DefaultMode for newly protected items when the caller does not
	// name one. Zero selects alert.
	DefaultMode policy.Mode

	// DebounceWindow for coalescing filesystem events. Zero selects
	// the watcher default.
	DebounceWindow time.Duration

	// VerifyInterval between periodic full verification sweeps. Zero
	// selects the watcher default; values below the minimum are
	// clamped up.
	VerifyInterval time.Duration

	// CheckpointInterval is the audit chain checkpoint cadence in
	// events. Zero selects the chain default.
	CheckpointInterval int

	// MaxBackupVersions per protected file. Zero selects the restore
	// default.
	MaxBackupVersions int

	// AutoRelock is the default unseal duration when the caller does
	// not name one. Zero means unseal until manually resealed.
	AutoRelock time.Duration

	// Exclusions are extra filename patterns to ignore, on top of the
	// built-in defaults.
	Exclusions []string

	// Silent downgrades notify responses to log-only.
	Silent bool

	// Clock provides time. Nil selects the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil discards them.
	Logger *slog.Logger
}

// Service is the tamper-evidence engine.
type Service struct {
	config    Config
	keySource KeySource
	notifier  Notifier
	clock     clock.Clock
	logger    *slog.Logger

	envelope  *envelope.Envelope
	chain     *chain.Chain
	baseline  *baseline.Store
	backups   *restore.Manager
	manifests *manifest.Store
	trees     *merkle.Store
	engine    *policy.Engine
	watcher   *watcher.Watcher
	debouncer *watcher.Debouncer
	verifier  *watcher.PeriodicVerifier

	mu           sync.Mutex
	running      bool
	stopped      bool
	startedAt    time.Time
	pumpDone     chan struct{}
	relockTimers map[string]*clock.Timer
}

// Open wires the service together. Any failure closes what was already
// opened: a half-initialized guard must not run.
func Open(cfg Config) (s *Service, err error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("guard: DataDir is required")
	}
	if cfg.KeySource == nil {
		return nil, fmt.Errorf("guard: KeySource is required")
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = policy.ModeAlert
	}
	if !cfg.DefaultMode.Valid() {
		return nil, fmt.Errorf("guard: invalid default mode %q", cfg.DefaultMode)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NewLogNotifier(cfg.Logger)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("guard: creating data dir: %w", err)
	}

	s = &Service{
		config:       cfg,
		keySource:    cfg.KeySource,
		notifier:     cfg.Notifier,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		relockTimers: make(map[string]*clock.Timer),
	}
	defer func() {
		if err != nil {
			s.closePartial()
		}
	}()

	kek, err := s.keySource.MasterKEK()
	if err != nil {
		return nil, fmt.Errorf("guard: fetching master KEK: %w", err)
	}
	keystore, err := envelope.OpenKeyStore(filepath.Join(cfg.DataDir, keystoreFilename))
	if err != nil {
		secret.Zero(kek)
		return nil, err
	}
	s.envelope, err = envelope.New(kek, keystore, cfg.Logger)
	if err != nil {
		return nil, err
	}

	auditKey, err := s.keySource.AuditKey()
	if err != nil {
		return nil, fmt.Errorf("guard: fetching audit key: %w", err)
	}
	s.chain, err = chain.Open(chain.Config{
		Path:               filepath.Join(cfg.DataDir, chainFilename),
		SigningKey:         auditKey,
		CheckpointInterval: cfg.CheckpointInterval,
		Clock:              cfg.Clock,
		Logger:             cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	s.baseline, err = baseline.Open(baseline.Config{
		Path:   filepath.Join(cfg.DataDir, baselineFilename),
		Clock:  cfg.Clock,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	s.backups, err = restore.Open(restore.Config{
		Directory:   filepath.Join(cfg.DataDir, backupsDirname),
		Envelope:    s.envelope,
		MaxVersions: cfg.MaxBackupVersions,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	s.manifests, err = manifest.OpenStore(filepath.Join(cfg.DataDir, manifestsDirname))
	if err != nil {
		return nil, err
	}

	s.trees, err = merkle.OpenStore(filepath.Join(cfg.DataDir, merkleDirname))
	if err != nil {
		return nil, err
	}

	s.watcher, err = watcher.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	s.debouncer = watcher.NewDebouncer(cfg.DebounceWindow, cfg.Clock, s.handleEvent)
	s.verifier = watcher.NewPeriodicVerifier(cfg.VerifyInterval, cfg.Clock, cfg.Logger, s.verifySweep)

	s.engine = policy.NewEngine(cfg.Logger)
	s.registerHandlers()

	return s, nil
}

// closePartial releases whatever Open managed to build before failing.
func (s *Service) closePartial() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.backups != nil {
		s.backups.Close()
	}
	if s.baseline != nil {
		s.baseline.Close()
	}
	if s.chain != nil {
		s.chain.Close()
	}
	if s.envelope != nil {
		s.envelope.Close()
	}
}

// Close stops the service if running and releases every component.
func (s *Service) Close() error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		if err := s.Stop(); err != nil {
			s.logger.Warn("stop during close failed", "error", err)
		}
	} else {
		s.watcher.Stop()
	}

	var errs []error
	if err := s.backups.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.baseline.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.chain.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.envelope.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.keySource.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// policyFor builds the effective policy for an item's mode: the static
// response table plus the service-level exclusion and silence settings.
func (s *Service) policyFor(mode policy.Mode) policy.Policy {
	p := policy.Default(mode)
	p.Exclusions = append(p.Exclusions, s.config.Exclusions...)
	p.Silent = s.config.Silent
	if s.config.MaxBackupVersions > 0 {
		p.MaxBackupVersions = s.config.MaxBackupVersions
	}
	if s.config.AutoRelock > 0 {
		p.AutoRelock = s.config.AutoRelock
	}
	return p
}

// registerHandlers binds the policy actions to their implementations.
func (s *Service) registerHandlers() {
	s.engine.Handle(policy.ActionLogOnly, func(path string, change policy.ChangeType, _ policy.Policy) error {
		s.logger.Info("change observed", "path", path, "change", change)
		return nil
	})

	s.engine.Handle(policy.ActionNotify, func(path string, change policy.ChangeType, _ policy.Policy) error {
		s.alert(path, change, policy.ActionNotify, "change detected")
		return nil
	})

	s.engine.Handle(policy.ActionRestoreContent, func(path string, change policy.ChangeType, _ policy.Policy) error {
		return s.restoreContent(path, change, policy.ActionRestoreContent)
	})

	s.engine.Handle(policy.ActionRestorePermissions, func(path string, change policy.ChangeType, _ policy.Policy) error {
		if err := s.backups.RestorePermissions(path, 0); err != nil {
			return err
		}
		s.appendEvent(chain.EventFileRestored, map[string]any{
			"path": path,
			"kind": "permissions",
		})
		return nil
	})

	s.engine.Handle(policy.ActionBlock, func(path string, change policy.ChangeType, _ policy.Policy) error {
		// Sealed items get the strongest response available: undo the
		// change and raise an alert.
		err := s.restoreContent(path, change, policy.ActionBlock)
		s.alert(path, change, policy.ActionBlock, "sealed item changed")
		return err
	})
}

// restoreContent restores a path from its latest backup. Paths without
// a backup (files inside a protected folder) degrade to an alert.
func (s *Service) restoreContent(path string, change policy.ChangeType, action policy.Action) error {
	if !s.backups.Has(path) {
		s.logger.Warn("no backup to restore from", "path", path)
		s.alert(path, change, action, "change detected, no backup available")
		return nil
	}
	if err := s.backups.Restore(path, 0); err != nil {
		return fmt.Errorf("guard: restoring %s: %w", path, err)
	}
	s.appendEvent(chain.EventFileRestored, map[string]any{
		"path": path,
		"kind": "content",
	})
	s.logger.Info("file restored from backup", "path", path, "change", change)
	return nil
}

// alert notifies and records the alert in the audit chain.
func (s *Service) alert(path string, change policy.ChangeType, action policy.Action, message string) {
	s.notifier.Notify(Notification{
		Path:    path,
		Change:  change,
		Action:  action,
		Message: message,
		Time:    s.clock.Now(),
	})
	s.appendEvent(chain.EventAlertGenerated, map[string]any{
		"path":   path,
		"change": string(change),
		"action": string(action),
	})
}

// appendEvent writes to the audit chain, logging instead of failing:
// response actions must not be lost because the log is momentarily
// unwritable, and chain verification will still expose any gap.
func (s *Service) appendEvent(eventType chain.EventType, payload map[string]any) {
	if _, err := s.chain.Append(eventType, payload); err != nil {
		s.logger.Error("audit chain append failed", "type", eventType, "error", err)
	}
}

// Protect places a file or folder under protection and returns its
// baseline entry. Files protected in an auto-restore or sealed mode get
// an immediate encrypted backup.
func (s *Service) Protect(ctx context.Context, path string, mode policy.Mode) (baseline.Item, error) {
	if mode == "" {
		mode = s.config.DefaultMode
	}
	if !mode.Valid() {
		return baseline.Item{}, fmt.Errorf("guard: invalid protection mode %q", mode)
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return baseline.Item{}, fmt.Errorf("guard: resolving %s: %w", path, err)
	}

	info, err := os.Lstat(absolute)
	if err != nil {
		return baseline.Item{}, fmt.Errorf("guard: stat %s: %w", absolute, err)
	}

	item := baseline.Item{
		Path:   absolute,
		Mode:   mode,
		Locked: mode == policy.ModeSealed,
	}

	var folderEntries []baseline.FolderEntry
	if info.IsDir() {
		hash, err := hashing.HashFolder(absolute)
		if err != nil {
			return baseline.Item{}, err
		}
		contents, err := hashing.FolderManifest(absolute)
		if err != nil {
			return baseline.Item{}, err
		}
		var total int64
		for relative, meta := range contents {
			total += meta.Size
			folderEntries = append(folderEntries, baseline.FolderEntry{
				RelativePath: relative,
				Hash:         meta.Hash,
				Size:         meta.Size,
			})
		}
		item.Type = baseline.ItemFolder
		item.Hash = hash
		item.Size = total
		item.ModTime = info.ModTime()
		item.Permissions = uint32(info.Mode().Perm())
	} else {
		meta, err := hashing.Stat(absolute)
		if err != nil {
			return baseline.Item{}, err
		}
		item.Type = baseline.ItemFile
		item.Hash = meta.Hash
		item.Size = meta.Size
		item.ModTime = meta.ModTime
		item.Permissions = uint32(meta.Permissions)

		if mode == policy.ModeAutoRestore || mode == policy.ModeSealed {
			if _, err := s.backups.Backup(absolute); err != nil {
				return baseline.Item{}, fmt.Errorf("guard: initial backup: %w", err)
			}
			item.BackupPath = filepath.Join(s.config.DataDir, backupsDirname)
		}

		s.recordTree(absolute, meta.Size)
	}

	item, err = s.baseline.Add(ctx, item)
	if err != nil {
		return baseline.Item{}, err
	}
	if item.Type == baseline.ItemFolder {
		if err := s.baseline.SaveFolderContents(ctx, item.ID, folderEntries); err != nil {
			return baseline.Item{}, err
		}
	}

	if err := s.watch(item); err != nil {
		s.logger.Warn("watch registration failed", "path", absolute, "error", err)
	}

	s.appendEvent(chain.EventFileProtected, map[string]any{
		"path": absolute,
		"type": string(item.Type),
		"mode": string(mode),
		"hash": item.Hash,
	})
	return item, nil
}

// recordTree snapshots a Merkle tree for files spanning more than one
// chunk, so later tampering can be localized to chunk ranges. Tree
// bookkeeping is forensic detail: failures log, never abort.
func (s *Service) recordTree(path string, size int64) {
	if size <= merkle.DefaultChunkSize {
		return
	}
	tree, err := merkle.BuildFile(path, 0)
	if err != nil {
		s.logger.Warn("merkle snapshot failed", "path", path, "error", err)
		return
	}
	if err := s.trees.Save(path, tree); err != nil {
		s.logger.Warn("merkle snapshot failed", "path", path, "error", err)
	}
}

// modifiedChunks localizes a content change against the stored Merkle
// tree. Nil when no tree exists for the path.
func (s *Service) modifiedChunks(path string) []int {
	tree, err := s.trees.LoadForPath(path)
	if err != nil {
		return nil
	}
	chunks, err := merkle.FindModifiedChunks(tree, path)
	if err != nil {
		return nil
	}
	return chunks
}

func (s *Service) watch(item baseline.Item) error {
	if item.Type == baseline.ItemFolder {
		return s.watcher.AddDir(item.Path, true)
	}
	return s.watcher.AddFile(item.Path)
}

// Unprotect removes a path from protection. Its backups are deleted
// best-effort; the audit trail of past events remains.
func (s *Service) Unprotect(ctx context.Context, path string) error {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("guard: resolving %s: %w", path, err)
	}
	item, err := s.baseline.Get(ctx, absolute)
	if errors.Is(err, baseline.ErrNotFound) {
		return ErrNotProtected
	}
	if err != nil {
		return err
	}

	if err := s.watcher.Remove(absolute); err != nil {
		s.logger.Debug("watch removal failed", "path", absolute, "error", err)
	}
	s.cancelRelock(absolute)

	if err := s.baseline.Remove(ctx, absolute); err != nil {
		return err
	}
	if item.Type == baseline.ItemFile && s.backups.Has(absolute) {
		if err := s.backups.Delete(absolute); err != nil {
			s.logger.Warn("backup cleanup failed", "path", absolute, "error", err)
		}
	}
	if err := s.trees.Delete(absolute); err != nil {
		s.logger.Warn("tree cleanup failed", "path", absolute, "error", err)
	}

	s.appendEvent(chain.EventFileUnprotected, map[string]any{
		"path": absolute,
		"type": string(item.Type),
	})
	return nil
}

// VerifyStatus classifies one verification.
type VerifyStatus string

const (
	VerifyUnchanged VerifyStatus = "unchanged"
	VerifyModified  VerifyStatus = "modified"
	VerifyMissing   VerifyStatus = "missing"
)

// VerifyOutcome reports one item's verification.
type VerifyOutcome struct {
	Path         string        `json:"path"`
	Status       VerifyStatus  `json:"status"`
	PreviousHash string        `json:"previous_hash,omitempty"`
	CurrentHash  string        `json:"current_hash,omitempty"`
	Action       policy.Action `json:"action,omitempty"`
}

// Verify checks one protected item against its baseline. A deviation is
// recorded in the audit chain first, then answered per the item's
// policy.
func (s *Service) Verify(ctx context.Context, path string) (VerifyOutcome, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return VerifyOutcome{}, fmt.Errorf("guard: resolving %s: %w", path, err)
	}
	item, err := s.baseline.Get(ctx, absolute)
	if errors.Is(err, baseline.ErrNotFound) {
		return VerifyOutcome{}, ErrNotProtected
	}
	if err != nil {
		return VerifyOutcome{}, err
	}
	return s.verifyItem(ctx, item)
}

func (s *Service) verifyItem(ctx context.Context, item baseline.Item) (VerifyOutcome, error) {
	outcome := VerifyOutcome{Path: item.Path, PreviousHash: item.Hash}

	change := policy.ChangeContentModified
	info, err := os.Lstat(item.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		outcome.Status = VerifyMissing
		change = policy.ChangeDeleted
	case err != nil:
		return VerifyOutcome{}, fmt.Errorf("guard: stat %s: %w", item.Path, err)
	default:
		current, err := s.currentHash(item)
		if err != nil {
			return VerifyOutcome{}, err
		}
		outcome.CurrentHash = current
		switch {
		case current != item.Hash:
			outcome.Status = VerifyModified
		case uint32(info.Mode().Perm()) != item.Permissions:
			outcome.Status = VerifyModified
			change = policy.ChangePermissionsChanged
		default:
			outcome.Status = VerifyUnchanged
		}
	}

	if outcome.Status == VerifyUnchanged {
		err := s.baseline.RecordVerification(ctx, baseline.VerificationRecord{
			ItemID:       item.ID,
			PreviousHash: item.Hash,
			CurrentHash:  outcome.CurrentHash,
			Status:       string(VerifyUnchanged),
		})
		return outcome, err
	}

	tamperPayload := map[string]any{
		"path":          item.Path,
		"change":        string(change),
		"previous_hash": item.Hash,
		"current_hash":  outcome.CurrentHash,
	}
	if change == policy.ChangeContentModified {
		if chunks := s.modifiedChunks(item.Path); len(chunks) > 0 {
			tamperPayload["modified_chunks"] = chunks
		}
	}
	s.appendEvent(deviationEventType(item.Mode), tamperPayload)

	effectivePolicy := s.policyFor(item.Mode)
	decision := s.engine.Evaluate(effectivePolicy, change, item.Path)
	if !decision.Excluded {
		outcome.Action = decision.Action
		if err := s.engine.Execute(decision, item.Path, change, effectivePolicy); err != nil {
			s.logger.Error("response action failed", "path", item.Path, "action", decision.Action, "error", err)
		}
	}

	err = s.baseline.RecordVerification(ctx, baseline.VerificationRecord{
		ItemID:       item.ID,
		PreviousHash: item.Hash,
		CurrentHash:  outcome.CurrentHash,
		Status:       string(outcome.Status),
		ActionTaken:  string(outcome.Action),
	})
	return outcome, err
}

// deviationEventType grades a detected deviation by the item's mode:
// monitor-only items record an observation, everything stricter records
// tampering.
func deviationEventType(mode policy.Mode) chain.EventType {
	if mode == policy.ModeMonitorOnly {
		return chain.EventFileModified
	}
	return chain.EventTamperDetected
}

// currentHash computes the live hash of an item, skipping the work for
// files whose size and mtime still match the baseline.
func (s *Service) currentHash(item baseline.Item) (string, error) {
	if item.Type == baseline.ItemFolder {
		return hashing.HashFolder(item.Path)
	}
	if hashing.QuickCheck(item.Path, item.Size, item.ModTime) {
		return item.Hash, nil
	}
	return hashing.HashFile(item.Path)
}

// VerifyAll verifies every protected item.
func (s *Service) VerifyAll(ctx context.Context) ([]VerifyOutcome, error) {
	items, err := s.baseline.List(ctx)
	if err != nil {
		return nil, err
	}
	outcomes := make([]VerifyOutcome, 0, len(items))
	for _, item := range items {
		outcome, err := s.verifyItem(ctx, item)
		if err != nil {
			s.logger.Error("verification failed", "path", item.Path, "error", err)
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// verifySweep runs the periodic full verification.
func (s *Service) verifySweep() {
	if _, err := s.VerifyAll(context.Background()); err != nil {
		s.logger.Error("verification sweep failed", "error", err)
	}
}

// Seal locks an item: any change is blocked and reverted. Files without
// a backup get one first so block responses have something to restore.
func (s *Service) Seal(ctx context.Context, path string) error {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("guard: resolving %s: %w", path, err)
	}
	item, err := s.baseline.Get(ctx, absolute)
	if errors.Is(err, baseline.ErrNotFound) {
		return ErrNotProtected
	}
	if err != nil {
		return err
	}

	if item.Type == baseline.ItemFile && !s.backups.Has(absolute) {
		if _, err := s.backups.Backup(absolute); err != nil {
			return fmt.Errorf("guard: backup before seal: %w", err)
		}
		if err := s.baseline.SetBackupPath(ctx, absolute, filepath.Join(s.config.DataDir, backupsDirname)); err != nil {
			return err
		}
	}

	s.cancelRelock(absolute)
	if err := s.baseline.SetMode(ctx, absolute, policy.ModeSealed); err != nil {
		return err
	}
	if err := s.baseline.SetLocked(ctx, absolute, true); err != nil {
		return err
	}

	s.appendEvent(chain.EventFileSealed, map[string]any{"path": absolute})
	return nil
}

// Unseal unlocks a sealed item for a window. The item drops to
// auto-restore behavior until the window elapses, then reseals itself.
// A zero duration takes the configured auto-relock default; if that is
// also zero the item stays unsealed until resealed manually.
func (s *Service) Unseal(ctx context.Context, path string, duration time.Duration) error {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("guard: resolving %s: %w", path, err)
	}
	item, err := s.baseline.Get(ctx, absolute)
	if errors.Is(err, baseline.ErrNotFound) {
		return ErrNotProtected
	}
	if err != nil {
		return err
	}
	if item.Mode != policy.ModeSealed {
		return ErrNotSealed
	}

	if duration <= 0 {
		duration = s.config.AutoRelock
	}

	if err := s.baseline.SetMode(ctx, absolute, policy.ModeAutoRestore); err != nil {
		return err
	}
	if err := s.baseline.SetLocked(ctx, absolute, false); err != nil {
		return err
	}

	s.appendEvent(chain.EventFileUnsealed, map[string]any{
		"path":             absolute,
		"relock_after_sec": int64(duration / time.Second),
	})

	if duration > 0 {
		s.scheduleRelock(absolute, duration)
	}
	return nil
}

// SetMode changes an item's protection mode. Sealing goes through Seal
// so the lock bookkeeping is right; a sealed item must be unsealed
// before its mode can change. Moving a file into auto-restore takes a
// backup if none exists, so the new policy has something to act with.
func (s *Service) SetMode(ctx context.Context, path string, mode policy.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("guard: invalid protection mode %q", mode)
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("guard: resolving %s: %w", path, err)
	}
	item, err := s.baseline.Get(ctx, absolute)
	if errors.Is(err, baseline.ErrNotFound) {
		return ErrNotProtected
	}
	if err != nil {
		return err
	}
	if item.Mode == mode {
		return nil
	}
	if mode == policy.ModeSealed {
		return s.Seal(ctx, absolute)
	}
	if item.Mode == policy.ModeSealed {
		return fmt.Errorf("guard: %s is sealed; unseal it before changing its mode", absolute)
	}

	if mode == policy.ModeAutoRestore && item.Type == baseline.ItemFile && !s.backups.Has(absolute) {
		if _, err := s.backups.Backup(absolute); err != nil {
			return fmt.Errorf("guard: backup before mode change: %w", err)
		}
		backupDir := filepath.Join(s.config.DataDir, backupsDirname)
		if err := s.baseline.SetBackupPath(ctx, absolute, backupDir); err != nil {
			return err
		}
	}
	if err := s.baseline.SetMode(ctx, absolute, mode); err != nil {
		return err
	}

	s.appendEvent(chain.EventPolicyChanged, map[string]any{
		"path": absolute,
		"from": string(item.Mode),
		"to":   string(mode),
	})
	return nil
}

// scheduleRelock arms (or re-arms) the auto-relock timer for a path.
func (s *Service) scheduleRelock(path string, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.relockTimers[path]; ok {
		timer.Stop()
	}
	s.relockTimers[path] = s.clock.AfterFunc(duration, func() {
		s.mu.Lock()
		delete(s.relockTimers, path)
		s.mu.Unlock()
		if err := s.Seal(context.Background(), path); err != nil {
			s.logger.Error("auto-relock failed", "path", path, "error", err)
			return
		}
		s.logger.Info("item automatically resealed", "path", path)
	})
}

func (s *Service) cancelRelock(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.relockTimers[path]; ok {
		timer.Stop()
		delete(s.relockTimers, path)
	}
}

// handleEvent receives debounced watcher events and runs the policy
// response for the owning item.
func (s *Service) handleEvent(event watcher.Event) {
	ctx := context.Background()
	item, found := s.lookupItem(ctx, event.Path)
	if !found {
		s.logger.Debug("event for unprotected path", "path", event.Path)
		return
	}

	effectivePolicy := s.policyFor(item.Mode)
	decision := s.engine.Evaluate(effectivePolicy, event.Change, event.Path)
	if decision.Excluded {
		return
	}

	// Confirm content events against the baseline before responding:
	// a rewrite with identical bytes (or a bare mtime touch) is not
	// tampering.
	if event.Change == policy.ChangeContentModified && event.Path == item.Path {
		current, err := s.currentHash(item)
		if err == nil && current == item.Hash {
			return
		}
	}

	tamperPayload := map[string]any{
		"path":   event.Path,
		"change": string(event.Change),
		"action": string(decision.Action),
		"item":   item.Path,
	}
	if event.Change == policy.ChangeContentModified {
		if chunks := s.modifiedChunks(event.Path); len(chunks) > 0 {
			tamperPayload["modified_chunks"] = chunks
		}
	}
	s.appendEvent(deviationEventType(item.Mode), tamperPayload)

	if err := s.engine.Execute(decision, event.Path, event.Change, effectivePolicy); err != nil {
		s.logger.Error("response action failed",
			"path", event.Path, "action", decision.Action, "error", err)
	}

	if err := s.baseline.RecordVerification(ctx, baseline.VerificationRecord{
		ItemID:       item.ID,
		PreviousHash: item.Hash,
		Status:       string(event.Change),
		ActionTaken:  string(decision.Action),
		Details:      event.Path,
	}); err != nil {
		s.logger.Error("recording verification failed", "path", item.Path, "error", err)
	}
}

// lookupItem resolves a path to its protected item: the path itself, or
// the nearest protected ancestor folder.
func (s *Service) lookupItem(ctx context.Context, path string) (baseline.Item, bool) {
	item, err := s.baseline.Get(ctx, path)
	if err == nil {
		return item, true
	}
	for directory := filepath.Dir(path); ; directory = filepath.Dir(directory) {
		item, err := s.baseline.Get(ctx, directory)
		if err == nil && item.Type == baseline.ItemFolder {
			return item, true
		}
		if directory == filepath.Dir(directory) {
			return baseline.Item{}, false
		}
	}
}

// RotateKeys rotates the master KEK and rewraps every stored data key.
// The audit key is untouched, so the chain stays verifiable across
// rotations. Returns the new key version.
func (s *Service) RotateKeys(ctx context.Context) (int, error) {
	rotator, ok := s.keySource.(MasterRotator)
	if !ok {
		return 0, ErrRotationUnsupported
	}

	newKEK, version, err := rotator.RotateMaster()
	if err != nil {
		return 0, fmt.Errorf("guard: rotating master key: %w", err)
	}
	rewrapped, err := s.envelope.RotateKEK(newKEK)
	if err != nil {
		return 0, fmt.Errorf("guard: rewrapping data keys: %w", err)
	}

	s.appendEvent(chain.EventKeyRotated, map[string]any{
		"key_version":    version,
		"keys_rewrapped": rewrapped,
	})
	return version, nil
}

// CreateManifest snapshots every protected path into a signed manifest
// and stores it, linked to its predecessor. Returns the content hash.
func (s *Service) CreateManifest(ctx context.Context, description string) (string, error) {
	items, err := s.baseline.List(ctx)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", fmt.Errorf("guard: nothing is protected")
	}
	paths := make([]string, 0, len(items))
	for _, item := range items {
		paths = append(paths, item.Path)
	}

	options := manifest.BuildOptions{Description: description}
	if previous, err := s.manifests.Latest(); err == nil {
		if hash, err := previous.ContentHash(); err == nil {
			options.PreviousManifestHash = hash
		}
	}

	document, err := manifest.Build("/", paths, s.clock.Now(), options)
	if err != nil {
		return "", err
	}

	signingKey, err := s.keySource.SigningKey("manifest")
	if err != nil {
		return "", fmt.Errorf("guard: fetching manifest signing key: %w", err)
	}
	signer, err := manifest.NewSigner(signingKey, manifestSignerID)
	if err != nil {
		return "", err
	}
	if err := signer.Sign(document, s.clock.Now()); err != nil {
		return "", err
	}

	contentHash, err := s.manifests.Save(document)
	if err != nil {
		return "", err
	}

	s.appendEvent(chain.EventManifestCreated, map[string]any{
		"content_hash": contentHash,
		"entries":      len(document.Entries),
		"previous":     options.PreviousManifestHash,
	})
	return contentHash, nil
}

// VerifyManifest checks a stored manifest (the latest when contentHash
// is empty) against the live filesystem.
func (s *Service) VerifyManifest(ctx context.Context, contentHash string) (*manifest.Result, error) {
	var document *manifest.Manifest
	var err error
	if contentHash == "" {
		document, err = s.manifests.Latest()
	} else {
		document, err = s.manifests.Load(contentHash)
	}
	if err != nil {
		return nil, err
	}

	result, err := manifest.VerifyTree(document, "/", nil)
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case manifest.StatusSignatureInvalid, manifest.StatusCorrupted:
		s.appendEvent(chain.EventSignatureInvalid, map[string]any{
			"content_hash": contentHash,
			"status":       string(result.Status),
		})
	case manifest.StatusModified:
		changed := make([]string, 0)
		for _, entry := range result.Entries {
			if entry.Status != manifest.EntryUnchanged {
				changed = append(changed, entry.Path)
			}
		}
		s.appendEvent(chain.EventTamperDetected, map[string]any{
			"content_hash": contentHash,
			"source":       "manifest",
			"paths":        changed,
		})
	}

	s.appendEvent(chain.EventManifestVerified, map[string]any{
		"content_hash": contentHash,
		"status":       string(result.Status),
	})
	return result, nil
}

// Items lists every protected item.
func (s *Service) Items(ctx context.Context) ([]baseline.Item, error) {
	return s.baseline.List(ctx)
}

// Events returns the most recent audit events, newest last.
func (s *Service) Events(n int) []*chain.Event {
	return s.chain.Recent(n)
}

// Versions lists the stored backup versions for a protected file.
func (s *Service) Versions(ctx context.Context, path string) ([]restore.Version, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("guard: resolving %s: %w", path, err)
	}
	if _, err := s.baseline.Get(ctx, absolute); errors.Is(err, baseline.ErrNotFound) {
		return nil, ErrNotProtected
	} else if err != nil {
		return nil, err
	}
	return s.backups.Versions(absolute), nil
}

// Restore rolls a protected file back to a stored backup version
// (0 selects the newest). The baseline is rebased onto the restored
// content so the rollback itself is not reported as tampering.
func (s *Service) Restore(ctx context.Context, path string, version int) error {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("guard: resolving %s: %w", path, err)
	}
	item, err := s.baseline.Get(ctx, absolute)
	if errors.Is(err, baseline.ErrNotFound) {
		return ErrNotProtected
	}
	if err != nil {
		return err
	}

	if err := s.backups.Restore(absolute, version); err != nil {
		return err
	}

	metadata, err := hashing.Stat(absolute)
	if err != nil {
		return fmt.Errorf("guard: rehashing restored file: %w", err)
	}
	err = s.baseline.UpdateHash(ctx, absolute, metadata.Hash, metadata.Size,
		metadata.ModTime, uint32(metadata.Permissions))
	if err != nil {
		return err
	}
	s.recordTree(absolute, metadata.Size)

	s.appendEvent(chain.EventFileRestored, map[string]any{
		"path":    item.Path,
		"version": version,
		"kind":    "manual",
	})
	return nil
}

// VerifyChain replays the audit chain and checks every hash, link, and
// signature. The outcome is itself recorded as an event.
func (s *Service) VerifyChain(ctx context.Context) (*chain.VerificationResult, error) {
	result, err := s.chain.VerifyFull()
	if err != nil {
		return nil, err
	}
	s.appendEvent(chain.EventChainVerified, map[string]any{
		"valid":          result.Valid,
		"integrity":      string(result.Integrity),
		"checked_events": result.CheckedEvents,
	})
	return result, nil
}

// Status summarizes the service.
type Status struct {
	Running       bool           `json:"running"`
	StartedAt     time.Time      `json:"started_at,omitzero"`
	Baseline      baseline.Stats `json:"baseline"`
	ChainLength   int            `json:"chain_length"`
	ManifestCount int            `json:"manifest_count"`
}

// Status reports the current service state.
func (s *Service) Status(ctx context.Context) (Status, error) {
	stats, err := s.baseline.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	running := s.running
	startedAt := s.startedAt
	s.mu.Unlock()
	return Status{
		Running:       running,
		StartedAt:     startedAt,
		Baseline:      stats,
		ChainLength:   s.chain.Length(),
		ManifestCount: len(s.manifests.History()),
	}, nil
}

// Start registers watches for every protected item and begins live
// monitoring and periodic verification.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		if s.running {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("guard: service cannot be restarted after stop")
	}
	s.running = true
	s.startedAt = s.clock.Now()
	s.pumpDone = make(chan struct{})
	s.mu.Unlock()

	items, err := s.baseline.List(ctx)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	for _, item := range items {
		if err := s.watch(item); err != nil {
			s.logger.Warn("watch registration failed", "path", item.Path, "error", err)
		}
	}

	s.watcher.Start()
	go s.pump()
	s.verifier.Start()

	s.appendEvent(chain.EventServiceStarted, map[string]any{
		"items": len(items),
	})
	s.logger.Info("guard service started", "items", len(items))
	return nil
}

// pump feeds raw watcher events through the debouncer.
func (s *Service) pump() {
	defer close(s.pumpDone)
	for event := range s.watcher.Events() {
		s.debouncer.Add(event)
	}
}

// Stop halts monitoring. Pending debounced events are flushed so a
// change observed just before shutdown still gets its response.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	s.stopped = true
	relockTimers := s.relockTimers
	s.relockTimers = make(map[string]*clock.Timer)
	s.mu.Unlock()

	for _, timer := range relockTimers {
		timer.Stop()
	}

	s.verifier.Stop()
	s.watcher.Stop()
	<-s.pumpDone
	s.debouncer.Flush()
	s.debouncer.Stop()

	s.appendEvent(chain.EventServiceStopped, nil)
	s.logger.Info("guard service stopped")
	return nil
}
