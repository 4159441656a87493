// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"fmt"
	"io"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/codec"
)

// Integrity classifies a verification outcome.
type Integrity string

const (
	// IntegrityValid means every checked event hashed, linked, and
	// verified correctly.
	IntegrityValid Integrity = "valid"
	// IntegrityTampered means an event's stored hash or signature does
	// not match its content.
	IntegrityTampered Integrity = "tampered"
	// IntegrityBroken means an event's previous-hash does not match
	// its predecessor.
	IntegrityBroken Integrity = "broken"
	// IntegrityMissingEvents means the sequence numbering has a gap.
	IntegrityMissingEvents Integrity = "missing_events"
	// IntegrityGenesisInvalid means the first event does not link to
	// the genesis hash.
	IntegrityGenesisInvalid Integrity = "genesis_invalid"
)

// VerificationResult reports a chain verification.
type VerificationResult struct {
	Valid         bool      `json:"valid"`
	Integrity     Integrity `json:"integrity"`
	CheckedEvents int       `json:"checked_events"`
	// FirstInvalid is the sequence of the first failing event, or 0
	// when the chain verified.
	FirstInvalid uint64 `json:"first_invalid,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// Verify replays the chain from sequence from through to (inclusive;
// to == 0 means the head) and checks every hash, link, and signature.
// When a signed checkpoint exists at or before from, the replay
// anchors there instead of at genesis.
func (c *Chain) Verify(from, to uint64) (*VerificationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) == 0 {
		return &VerificationResult{Valid: true, Integrity: IntegrityValid}, nil
	}

	if from == 0 {
		from = 1
	}
	if to == 0 || to > uint64(len(c.events)) {
		to = uint64(len(c.events))
	}
	if from > to {
		return nil, fmt.Errorf("chain: verify range %d..%d inverted", from, to)
	}

	// Anchor at the nearest trusted checkpoint at or before from-1;
	// its own signature must hold or it cannot be trusted.
	expectedPrevious := GenesisHash
	startSequence := uint64(1)
	for index := len(c.checkpoints) - 1; index >= 0; index-- {
		checkpoint := c.checkpoints[index]
		if checkpoint.Sequence >= from {
			continue
		}
		if !checkpoint.verifySignature(c.key.Bytes()) {
			return &VerificationResult{
				Integrity:    IntegrityTampered,
				FirstInvalid: checkpoint.Sequence,
				Detail:       fmt.Sprintf("checkpoint at sequence %d fails signature", checkpoint.Sequence),
			}, nil
		}
		expectedPrevious = checkpoint.EventHash
		startSequence = checkpoint.Sequence + 1
		break
	}

	result := &VerificationResult{Integrity: IntegrityValid}
	expectedSequence := startSequence

	for _, event := range c.events[startSequence-1:] {
		if event.Sequence > to {
			break
		}

		if event.Sequence != expectedSequence {
			result.Integrity = IntegrityMissingEvents
			result.FirstInvalid = event.Sequence
			result.Detail = fmt.Sprintf("expected sequence %d, found %d", expectedSequence, event.Sequence)
			return result, nil
		}

		if event.PreviousHash != expectedPrevious {
			if event.Sequence == 1 {
				result.Integrity = IntegrityGenesisInvalid
			} else {
				result.Integrity = IntegrityBroken
			}
			result.FirstInvalid = event.Sequence
			result.Detail = fmt.Sprintf("event %d previous-hash link broken", event.Sequence)
			return result, nil
		}

		recomputed, err := event.computeHash()
		if err != nil {
			return nil, err
		}
		if recomputed != event.Hash {
			result.Integrity = IntegrityTampered
			result.FirstInvalid = event.Sequence
			result.Detail = fmt.Sprintf("event %d content does not match its hash", event.Sequence)
			return result, nil
		}

		ok, err := event.verifySignature(c.key.Bytes())
		if err != nil {
			return nil, err
		}
		if !ok {
			result.Integrity = IntegrityTampered
			result.FirstInvalid = event.Sequence
			result.Detail = fmt.Sprintf("event %d fails signature verification", event.Sequence)
			return result, nil
		}

		expectedPrevious = event.Hash
		expectedSequence++
		result.CheckedEvents++
	}

	result.Valid = true
	return result, nil
}

// VerifyFull verifies the entire chain from genesis, ignoring
// checkpoints.
func (c *Chain) VerifyFull() (*VerificationResult, error) {
	return c.Verify(1, 0)
}

// Export writes events in the range as JSONL for offline audit.
// to == 0 means the head.
func (c *Chain) Export(w io.Writer, from, to uint64) (int, error) {
	events := c.Events(Filter{From: from, To: to})

	written := 0
	for _, event := range events {
		line, err := codec.CanonicalJSON(event)
		if err != nil {
			return written, err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return written, fmt.Errorf("chain: exporting: %w", err)
		}
		written++
	}
	return written, nil
}
