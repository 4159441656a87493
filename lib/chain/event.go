// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/codec"
)

// EventType classifies an audit event.
type EventType string

const (
	EventFileProtected    EventType = "file_protected"
	EventFileUnprotected  EventType = "file_unprotected"
	EventFileModified     EventType = "file_modified"
	EventFileRestored     EventType = "file_restored"
	EventFileSealed       EventType = "file_sealed"
	EventFileUnsealed     EventType = "file_unsealed"
	EventTamperDetected   EventType = "tamper_detected"
	EventSignatureInvalid EventType = "signature_invalid"
	EventKeyRotated       EventType = "key_rotated"
	EventServiceStarted   EventType = "service_started"
	EventServiceStopped   EventType = "service_stopped"
	EventCheckpointMade   EventType = "checkpoint_created"
	EventChainVerified    EventType = "chain_verified"
	EventPolicyChanged    EventType = "policy_changed"
	EventAlertGenerated   EventType = "alert_generated"
	EventManifestCreated  EventType = "manifest_created"
	EventManifestVerified EventType = "manifest_verified"
)

// GenesisHash is the previous-hash of the first event.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is one link in the hash chain. The hash covers every field
// before it; the signature covers the fields and the hash. Altering
// any stored event breaks either its own hash or the next event's
// previous-hash link.
type Event struct {
	Sequence     uint64         `json:"sequence"`
	Timestamp    string         `json:"timestamp"`
	Type         EventType      `json:"type"`
	Payload      map[string]any `json:"payload"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
	Signature    string         `json:"signature"`
}

// Time parses the event timestamp.
func (e *Event) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// hashableBase builds the byte string the event hash covers. The
// payload contributes its canonical JSON form so reordered map
// iteration can never change the hash.
func (e *Event) hashableBase() (string, error) {
	payload, err := codec.CanonicalJSON(e.Payload)
	if err != nil {
		return "", fmt.Errorf("chain: encoding payload: %w", err)
	}
	return fmt.Sprintf("%d|%s|%s|%s|%s",
		e.Sequence, e.Timestamp, e.Type, payload, e.PreviousHash), nil
}

// computeHash derives the event's own hash from its base.
func (e *Event) computeHash() (string, error) {
	base, err := e.hashableBase()
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(base))
	return hex.EncodeToString(digest[:]), nil
}

// sign computes the HMAC signature over base and hash.
func (e *Event) sign(key []byte) error {
	base, err := e.hashableBase()
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(base + "|" + e.Hash))
	e.Signature = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// verifySignature recomputes the HMAC and compares in constant time.
func (e *Event) verifySignature(key []byte) (bool, error) {
	base, err := e.hashableBase()
	if err != nil {
		return false, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(base + "|" + e.Hash))

	claimed, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false, nil
	}
	return hmac.Equal(mac.Sum(nil), claimed), nil
}

// Checkpoint is a signed anchor: verification can start from the
// checkpoint instead of replaying from genesis.
type Checkpoint struct {
	RecordType string `json:"record_type"` // always "checkpoint"
	Sequence   uint64 `json:"sequence"`
	EventHash  string `json:"event_hash"`
	CreatedAt  string `json:"created_at"`
	Signature  string `json:"signature"`
}

func (c *Checkpoint) signingBase() string {
	return fmt.Sprintf("%d|%s|%s", c.Sequence, c.EventHash, c.CreatedAt)
}

func (c *Checkpoint) sign(key []byte) {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(c.signingBase()))
	c.Signature = hex.EncodeToString(mac.Sum(nil))
}

func (c *Checkpoint) verifySignature(key []byte) bool {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(c.signingBase()))

	claimed, err := hex.DecodeString(c.Signature)
	if err != nil {
		return false
	}
	return hmac.Equal(mac.Sum(nil), claimed)
}
