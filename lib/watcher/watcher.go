// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

// Package watcher turns raw inotify events into protection-relevant
// change notifications. File watches observe the parent directory and
// filter by name, because tools that write a temp file and rename it
// over the target create a new inode, and a watch on the old inode misses
// the replacement. Directory watches can be recursive, picking up
// subdirectories created after the watch was added.
package watcher

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/policy"
)

// Event is one detected change on a watched path.
type Event struct {
	// Path is the absolute path of the affected file or directory.
	Path string
	// Change classifies what happened.
	Change policy.ChangeType
}

// watchMask covers every change type the policy engine distinguishes.
const watchMask = unix.IN_CLOSE_WRITE | unix.IN_MODIFY | unix.IN_ATTRIB |
	unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_DELETE |
	unix.IN_DELETE_SELF | unix.IN_CREATE

// watch is one inotify watch descriptor on a directory.
type watch struct {
	descriptor int
	directory  string

	// names filters events to these base names. Nil means the whole
	// directory is watched.
	names map[string]bool

	// recursive watches add new subdirectories as they appear.
	recursive bool
}

// Watcher owns one inotify fd and a set of directory watches. Events
// are delivered on the Events channel from a single loop goroutine.
type Watcher struct {
	mu      sync.Mutex
	fd      int
	watches map[int]*watch    // by watch descriptor
	byDir   map[string]*watch // by directory path

	events chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *slog.Logger

	started  bool
	stopping bool
}

// New creates a watcher. Call Start to begin the event loop and Stop
// to tear it down.
func New(logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("watcher: inotify init: %w", err)
	}
	return &Watcher{
		fd:      fd,
		watches: make(map[int]*watch),
		byDir:   make(map[string]*watch),
		events:  make(chan Event, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Events is the delivery channel. It is closed after Stop.
func (w *Watcher) Events() <-chan Event { return w.events }

// AddFile watches a single file via its parent directory.
func (w *Watcher) AddFile(path string) error {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watcher: resolving %s: %w", path, err)
	}
	directory := filepath.Dir(absolute)
	name := filepath.Base(absolute)

	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.byDir[directory]; ok {
		if existing.names != nil {
			existing.names[name] = true
		}
		return nil
	}
	added, err := w.addWatchLocked(directory, false)
	if err != nil {
		return err
	}
	added.names = map[string]bool{name: true}
	return nil
}

// AddDir watches a directory. With recursive set, existing
// subdirectories are watched too, and directories created later under
// any recursive watch are picked up by the event loop.
func (w *Watcher) AddDir(path string, recursive bool) error {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watcher: resolving %s: %w", path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.addDirLocked(absolute, recursive); err != nil {
		return err
	}
	if !recursive {
		return nil
	}
	return filepath.WalkDir(absolute, func(entryPath string, entry fs.DirEntry, err error) error {
		if err != nil || !entry.IsDir() || entryPath == absolute {
			return err
		}
		return w.addDirLocked(entryPath, true)
	})
}

func (w *Watcher) addDirLocked(directory string, recursive bool) error {
	if existing, ok := w.byDir[directory]; ok {
		// A whole-directory watch supersedes a name-filtered one.
		existing.names = nil
		existing.recursive = existing.recursive || recursive
		return nil
	}
	added, err := w.addWatchLocked(directory, recursive)
	if err != nil {
		return err
	}
	added.recursive = recursive
	return nil
}

func (w *Watcher) addWatchLocked(directory string, recursive bool) (*watch, error) {
	descriptor, err := unix.InotifyAddWatch(w.fd, directory, watchMask)
	if err != nil {
		return nil, fmt.Errorf("watcher: adding watch on %s: %w", directory, err)
	}
	added := &watch{descriptor: descriptor, directory: directory, recursive: recursive}
	w.watches[descriptor] = added
	w.byDir[directory] = added
	return added, nil
}

// Remove stops watching a path previously passed to AddFile or AddDir.
func (w *Watcher) Remove(path string) error {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watcher: resolving %s: %w", path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Directory watch: drop it and any recursive children under it.
	if _, ok := w.byDir[absolute]; ok {
		for directory, entry := range w.byDir {
			if directory == absolute || isUnder(directory, absolute) {
				w.removeWatchLocked(entry)
			}
		}
		return nil
	}

	// File watch: drop the name from its parent's filter.
	directory := filepath.Dir(absolute)
	name := filepath.Base(absolute)
	entry, ok := w.byDir[directory]
	if !ok || entry.names == nil {
		return nil
	}
	delete(entry.names, name)
	if len(entry.names) == 0 {
		w.removeWatchLocked(entry)
	}
	return nil
}

func (w *Watcher) removeWatchLocked(entry *watch) {
	unix.InotifyRmWatch(w.fd, uint32(entry.descriptor))
	delete(w.watches, entry.descriptor)
	delete(w.byDir, entry.directory)
}

func isUnder(path, root string) bool {
	relative, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return relative != "." && relative != ".." &&
		!strings.HasPrefix(relative, ".."+string(filepath.Separator))
}

// Start launches the event loop. Starting twice is a no-op.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopping {
		return
	}
	w.started = true
	go w.loop()
}

// Stop shuts the loop down, closes the inotify fd, and closes the
// events channel. Safe to call more than once, and without a prior
// Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		return
	}
	w.stopping = true
	started := w.started
	w.mu.Unlock()

	close(w.stop)
	if started {
		<-w.done
		return
	}
	close(w.events)
	unix.Close(w.fd)
}

// loop polls the inotify fd with a 100ms timeout so the stop channel
// is checked promptly even when the watched set is quiet.
func (w *Watcher) loop() {
	defer close(w.done)
	defer close(w.events)
	defer unix.Close(w.fd)

	buffer := make([]byte, 64*1024)
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		pollDescriptors := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
		count, err := unix.Poll(pollDescriptors, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			w.logger.Error("inotify poll failed, watcher exiting", "error", err)
			return
		}
		if count == 0 {
			continue
		}

		bytesRead, err := unix.Read(w.fd, buffer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			w.logger.Error("inotify read failed, watcher exiting", "error", err)
			return
		}
		w.dispatch(buffer[:bytesRead])
	}
}

// dispatch parses the inotify event buffer. Layout from inotify(7):
//
//	struct inotify_event {
//	    int32_t  wd;     // offset 0
//	    uint32_t mask;   // offset 4
//	    uint32_t cookie; // offset 8
//	    uint32_t len;    // offset 12
//	    char     name[]; // offset 16, null-padded to alignment
//	};
func (w *Watcher) dispatch(buffer []byte) {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		descriptor := int(int32(binary.NativeEndian.Uint32(buffer[offset : offset+4])))
		mask := binary.NativeEndian.Uint32(buffer[offset+4 : offset+8])
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		eventSize := unix.SizeofInotifyEvent + nameLength
		if offset+eventSize > len(buffer) {
			break
		}

		var name string
		if nameLength > 0 {
			name = nullTerminated(buffer[offset+unix.SizeofInotifyEvent : offset+eventSize])
		}
		offset += eventSize

		w.handleEvent(descriptor, mask, name)
	}
}

func (w *Watcher) handleEvent(descriptor int, mask uint32, name string) {
	w.mu.Lock()
	entry, ok := w.watches[descriptor]
	if !ok {
		w.mu.Unlock()
		return
	}
	directory := entry.directory
	filtered := entry.names != nil && name != "" && !entry.names[name]
	recursive := entry.recursive

	// A directory created inside a recursive watch needs its own watch
	// before anything inside it can be observed.
	if recursive && mask&unix.IN_CREATE != 0 && mask&unix.IN_ISDIR != 0 && name != "" {
		subdirectory := filepath.Join(directory, name)
		if err := w.addDirLocked(subdirectory, true); err != nil {
			w.logger.Warn("watching created subdirectory failed",
				"path", subdirectory, "error", err)
		}
	}
	if mask&unix.IN_DELETE_SELF != 0 {
		delete(w.watches, entry.descriptor)
		delete(w.byDir, entry.directory)
	}
	w.mu.Unlock()

	if filtered {
		return
	}

	change, ok := classify(mask)
	if !ok {
		return
	}
	path := directory
	if name != "" {
		path = filepath.Join(directory, name)
	}
	select {
	case w.events <- Event{Path: path, Change: change}:
	default:
		// The periodic verifier backstops anything lost here.
		w.logger.Warn("event channel full, dropping change", "path", path, "change", change)
	}
}

// classify maps an inotify mask to a change type. Destructive bits win
// when a mask carries several.
func classify(mask uint32) (policy.ChangeType, bool) {
	switch {
	case mask&(unix.IN_DELETE|unix.IN_DELETE_SELF) != 0:
		return policy.ChangeDeleted, true
	case mask&(unix.IN_MOVED_FROM|unix.IN_MOVED_TO) != 0:
		return policy.ChangeRenamed, true
	case mask&unix.IN_CREATE != 0:
		return policy.ChangeCreated, true
	case mask&unix.IN_ATTRIB != 0:
		return policy.ChangePermissionsChanged, true
	case mask&(unix.IN_CLOSE_WRITE|unix.IN_MODIFY) != 0:
		return policy.ChangeContentModified, true
	}
	return "", false
}

func nullTerminated(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
