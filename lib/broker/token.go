// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/codec"
)

// TokenType scopes what a capability token may be exchanged for.
type TokenType string

const (
	// TokenDatabase authorizes baseline database access.
	TokenDatabase TokenType = "database"
	// TokenEncryption authorizes access to the master KEK and derived
	// encryption keys.
	TokenEncryption TokenType = "encryption"
	// TokenSigning authorizes derivation of Ed25519 signing keys.
	TokenSigning TokenType = "signing"
	// TokenAuditWrite authorizes appending to the audit event chain.
	TokenAuditWrite TokenType = "audit_write"
	// TokenBackup authorizes backup creation and restoration.
	TokenBackup TokenType = "backup"
)

// DefaultTTL returns the issue-time lifetime for a token type. Shorter
// lifetimes for more powerful capabilities.
func (t TokenType) DefaultTTL() time.Duration {
	switch t {
	case TokenDatabase:
		return time.Hour
	case TokenEncryption:
		return 30 * time.Minute
	case TokenSigning:
		return 15 * time.Minute
	case TokenAuditWrite:
		return time.Hour
	case TokenBackup:
		return 30 * time.Minute
	default:
		return 0
	}
}

// Valid reports whether t is one of the known token types.
func (t TokenType) Valid() bool {
	switch t {
	case TokenDatabase, TokenEncryption, TokenSigning, TokenAuditWrite, TokenBackup:
		return true
	}
	return false
}

// Token is a broker-issued capability. The signature is HMAC-SHA256
// over the deterministic CBOR encoding of every other field, keyed by
// the broker's token key; only the broker can mint or validate.
type Token struct {
	ID        string            `cbor:"1,keyasint" json:"id"`
	Type      TokenType         `cbor:"2,keyasint" json:"type"`
	IssuedAt  int64             `cbor:"3,keyasint" json:"issued_at"`
	ExpiresAt int64             `cbor:"4,keyasint" json:"expires_at"`
	Claims    map[string]string `cbor:"5,keyasint,omitempty" json:"claims,omitempty"`
	Signature []byte            `cbor:"6,keyasint" json:"signature"`
}

// tokenPayload is the signing base: Token minus its signature.
type tokenPayload struct {
	ID        string            `cbor:"1,keyasint"`
	Type      TokenType         `cbor:"2,keyasint"`
	IssuedAt  int64             `cbor:"3,keyasint"`
	ExpiresAt int64             `cbor:"4,keyasint"`
	Claims    map[string]string `cbor:"5,keyasint,omitempty"`
}

// signingBase returns the deterministic bytes the signature covers.
func (t *Token) signingBase() ([]byte, error) {
	payload := tokenPayload{
		ID:        t.ID,
		Type:      t.Type,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
		Claims:    t.Claims,
	}
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("broker: encoding token payload: %w", err)
	}
	return encoded, nil
}

// sign computes and attaches the HMAC signature.
func (t *Token) sign(key []byte) error {
	base, err := t.signingBase()
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(base)
	t.Signature = mac.Sum(nil)
	return nil
}

// verifySignature recomputes the HMAC and compares in constant time.
func (t *Token) verifySignature(key []byte) (bool, error) {
	base, err := t.signingBase()
	if err != nil {
		return false, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(base)
	return hmac.Equal(mac.Sum(nil), t.Signature), nil
}

// Encode serializes a token for transport.
func (t *Token) Encode() ([]byte, error) {
	return codec.Marshal(t)
}

// DecodeToken parses a transported token. Decoding performs no
// validation; the result must go through Broker.Validate.
func DecodeToken(data []byte) (*Token, error) {
	var token Token
	if err := codec.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("broker: decoding token: %w", err)
	}
	return &token, nil
}
