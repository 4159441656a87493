// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

// Package chain implements the append-only, hash-linked, HMAC-signed
// audit event log. Every event carries the hash of its predecessor, so
// editing, deleting, or reordering stored events is detectable by
// replaying the chain. Periodic signed checkpoints let verification
// start mid-chain instead of from genesis.
//
// The JSONL log file is the source of truth; the in-memory event list
// is a cache rebuilt on open. Signing is mandatory; a chain cannot be
// opened without its key, and an unsigned event is by definition
// invalid.
package chain

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/clock"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/codec"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/secret"
)

// DefaultCheckpointInterval is how many events elapse between
// automatic checkpoints.
const DefaultCheckpointInterval = 1000

// ErrEmptyChain is returned by operations that need at least one
// event.
var ErrEmptyChain = errors.New("chain: empty chain")

// Config configures a chain.
type Config struct {
	// Path is the JSONL log file. Created if absent.
	Path string

	// SigningKey is the HMAC key for event and checkpoint signatures.
	// Required. The bytes are copied into protected memory and the
	// caller's slice is zeroed.
	SigningKey []byte

	// CheckpointInterval is the automatic checkpoint cadence in
	// events. Zero selects DefaultCheckpointInterval.
	CheckpointInterval int

	// Clock supplies event timestamps. Nil selects the real clock.
	Clock clock.Clock

	// Logger. Nil selects slog.Default().
	Logger *slog.Logger
}

// Chain is the append-only audit log. Safe for concurrent use; Append
// serializes under a mutex so sequence numbers can neither gap nor
// fork within a process.
type Chain struct {
	path               string
	key                *secret.Buffer
	checkpointInterval int
	clock              clock.Clock
	logger             *slog.Logger

	mu          sync.Mutex
	events      []*Event
	checkpoints []*Checkpoint
	lastHash    string
}

// Open loads an existing log (or starts a new one) and returns a ready
// chain. Records that fail to parse abort the open; a corrupt log
// must be noticed, not skipped.
func Open(config Config) (*Chain, error) {
	if len(config.SigningKey) == 0 {
		return nil, fmt.Errorf("chain: signing key is required")
	}
	if config.CheckpointInterval <= 0 {
		config.CheckpointInterval = DefaultCheckpointInterval
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	key, err := secret.NewFromBytes(config.SigningKey)
	if err != nil {
		return nil, err
	}

	c := &Chain{
		path:               config.Path,
		key:                key,
		checkpointInterval: config.CheckpointInterval,
		clock:              config.Clock,
		logger:             config.Logger,
		lastHash:           GenesisHash,
	}

	if err := c.load(); err != nil {
		key.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the signing key.
func (c *Chain) Close() error {
	return c.key.Close()
}

// load rebuilds the in-memory cache from the log file.
func (c *Chain) load() error {
	file, err := os.Open(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("chain: opening log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var discriminator struct {
			RecordType string `json:"record_type"`
		}
		if err := json.Unmarshal(line, &discriminator); err != nil {
			return fmt.Errorf("chain: log line %d unparseable: %w", lineNumber, err)
		}

		if discriminator.RecordType == "checkpoint" {
			var checkpoint Checkpoint
			if err := json.Unmarshal(line, &checkpoint); err != nil {
				return fmt.Errorf("chain: checkpoint at line %d unparseable: %w", lineNumber, err)
			}
			c.checkpoints = append(c.checkpoints, &checkpoint)
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return fmt.Errorf("chain: event at line %d unparseable: %w", lineNumber, err)
		}
		c.events = append(c.events, &event)
		c.lastHash = event.Hash
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("chain: reading log: %w", err)
	}

	c.logger.Debug("chain loaded",
		"events", len(c.events), "checkpoints", len(c.checkpoints))
	return nil
}

// appendRecord writes one canonical JSON line to the log.
func (c *Chain) appendRecord(record any) error {
	line, err := codec.CanonicalJSON(record)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("chain: opening log for append: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("chain: appending record: %w", err)
	}
	return file.Sync()
}

// Append creates, signs, and persists a new event. Returns the
// completed event. Automatic checkpoints fire on the configured
// cadence.
func (c *Chain) Append(eventType EventType, payload map[string]any) (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	event, err := c.appendLocked(eventType, payload)
	if err != nil {
		return nil, err
	}

	if event.Sequence%uint64(c.checkpointInterval) == 0 {
		if _, err := c.checkpointLocked(); err != nil {
			return nil, err
		}
	}
	return event, nil
}

func (c *Chain) appendLocked(eventType EventType, payload map[string]any) (*Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	event := &Event{
		Sequence:     uint64(len(c.events)) + 1,
		Timestamp:    c.clock.Now().UTC().Format(time.RFC3339Nano),
		Type:         eventType,
		Payload:      payload,
		PreviousHash: c.lastHash,
	}

	hash, err := event.computeHash()
	if err != nil {
		return nil, err
	}
	event.Hash = hash
	if err := event.sign(c.key.Bytes()); err != nil {
		return nil, err
	}

	if err := c.appendRecord(event); err != nil {
		return nil, err
	}

	c.events = append(c.events, event)
	c.lastHash = event.Hash
	return event, nil
}

// CreateCheckpoint signs an anchor at the current chain head and logs
// a checkpoint_created event.
func (c *Chain) CreateCheckpoint() (*Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpointLocked()
}

func (c *Chain) checkpointLocked() (*Checkpoint, error) {
	if len(c.events) == 0 {
		return nil, ErrEmptyChain
	}

	head := c.events[len(c.events)-1]
	checkpoint := &Checkpoint{
		RecordType: "checkpoint",
		Sequence:   head.Sequence,
		EventHash:  head.Hash,
		CreatedAt:  c.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	checkpoint.sign(c.key.Bytes())

	if err := c.appendRecord(checkpoint); err != nil {
		return nil, err
	}
	c.checkpoints = append(c.checkpoints, checkpoint)

	if _, err := c.appendLocked(EventCheckpointMade, map[string]any{
		"checkpoint_sequence": checkpoint.Sequence,
		"event_hash":          checkpoint.EventHash,
	}); err != nil {
		return nil, err
	}

	c.logger.Info("checkpoint created", "sequence", checkpoint.Sequence)
	return checkpoint, nil
}

// Length returns the number of events.
func (c *Chain) Length() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// LastEvent returns the chain head, or nil for an empty chain.
func (c *Chain) LastEvent() *Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

// EventAt returns the event with the given sequence number.
func (c *Chain) EventAt(sequence uint64) (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sequence == 0 || sequence > uint64(len(c.events)) {
		return nil, fmt.Errorf("chain: no event with sequence %d", sequence)
	}
	return c.events[sequence-1], nil
}

// Filter selects events for queries and exports. Zero values match
// everything.
type Filter struct {
	From  uint64    // minimum sequence, inclusive
	To    uint64    // maximum sequence, inclusive; 0 = no limit
	Type  EventType // exact type match; "" = any
	Limit int       // maximum results; 0 = no limit
}

// Events returns events matching the filter in sequence order.
func (c *Chain) Events(filter Filter) []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []*Event
	for _, event := range c.events {
		if filter.From > 0 && event.Sequence < filter.From {
			continue
		}
		if filter.To > 0 && event.Sequence > filter.To {
			break
		}
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		matched = append(matched, event)
		if filter.Limit > 0 && len(matched) >= filter.Limit {
			break
		}
	}
	return matched
}

// Recent returns the last n events in sequence order.
func (c *Chain) Recent(n int) []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 || len(c.events) == 0 {
		return nil
	}
	start := len(c.events) - n
	if start < 0 {
		start = 0
	}
	result := make([]*Event, len(c.events)-start)
	copy(result, c.events[start:])
	return result
}

// Checkpoints returns a snapshot of all checkpoints.
func (c *Chain) Checkpoints() []*Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]*Checkpoint, len(c.checkpoints))
	copy(result, c.checkpoints)
	return result
}
