// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker is the key authority. It owns the root secrets
// (master KEK, signing seed, token-signing key, audit key, IPC shared
// secret), issues short-lived capability tokens, and derives per-token
// keys on demand. Derived keys are never persisted; a compromised
// data directory yields ciphertext and sealed root secrets, not keys.
package broker

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/clock"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/secret"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/securestore"
)

// Root secret names in the secure store.
const (
	secretMasterKey         = "master_key"
	secretMasterKeyPrevious = "master_key_previous"
	secretSigningSeed       = "signing_seed"
	secretTokenKey          = "token_key"
	secretAuditKey          = "audit_key"
	secretIPCSecret         = "ipc_secret"
)

// RootSecretNames lists every root secret the broker manages, in the
// order they should be escrowed.
var RootSecretNames = []string{
	secretMasterKey,
	secretSigningSeed,
	secretTokenKey,
	secretAuditKey,
	secretIPCSecret,
}

const rootSecretSize = 32

// Validation errors. Callers distinguish outcomes with errors.Is.
var (
	ErrInvalidSignature = errors.New("broker: invalid token signature")
	ErrTokenExpired     = errors.New("broker: token expired")
	ErrTokenRevoked     = errors.New("broker: token revoked")
	ErrWrongTokenType   = errors.New("broker: wrong token type for this operation")
	ErrUnknownToken     = errors.New("broker: unknown token")
)

// issuedToken is the broker's server-side record of an outstanding
// token: enough to revoke by type and expire the revocation list.
type issuedToken struct {
	tokenType TokenType
	expiresAt int64
}

// Broker issues and validates capability tokens and derives keys from
// the root secrets. Safe for concurrent use.
type Broker struct {
	store  *securestore.Store
	clock  clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	issued     map[string]issuedToken
	revoked    map[string]int64 // token ID -> expiry (for cleanup)
	derived    map[string]*secret.Buffer
	keyVersion int
}

// Open loads (or on first run generates) the root secrets and returns
// a ready broker. Missing secrets are generated from crypto/rand and
// stored; a store that exists but cannot be decrypted is a hard error.
func Open(store *securestore.Store, clk clock.Clock, logger *slog.Logger) (*Broker, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}

	for _, name := range RootSecretNames {
		if store.Has(name) {
			// Verify it decrypts now rather than failing mid-operation.
			value, err := store.Get(name)
			if err != nil {
				return nil, fmt.Errorf("broker: root secret %q unreadable: %w", name, err)
			}
			value.Close()
			continue
		}
		material := make([]byte, rootSecretSize)
		if _, err := rand.Read(material); err != nil {
			return nil, fmt.Errorf("broker: generating root secret %q: %w", name, err)
		}
		if err := store.Put(name, material); err != nil {
			return nil, fmt.Errorf("broker: storing root secret %q: %w", name, err)
		}
		secret.Zero(material)
		logger.Info("root secret generated", "name", name)
	}

	return &Broker{
		store:      store,
		clock:      clk,
		logger:     logger,
		issued:     make(map[string]issuedToken),
		revoked:    make(map[string]int64),
		derived:    make(map[string]*secret.Buffer),
		keyVersion: 1,
	}, nil
}

// Close drops all cached derived keys.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropDerivedLocked()
	return nil
}

func (b *Broker) dropDerivedLocked() {
	for id, buffer := range b.derived {
		buffer.Close()
		delete(b.derived, id)
	}
}

// IssueToken mints a signed capability token. ttl <= 0 selects the
// type's default lifetime. Claims are copied into the token and
// covered by the signature.
func (b *Broker) IssueToken(tokenType TokenType, ttl time.Duration, claims map[string]string) (*Token, error) {
	if !tokenType.Valid() {
		return nil, fmt.Errorf("broker: unknown token type %q", tokenType)
	}
	if ttl <= 0 {
		ttl = tokenType.DefaultTTL()
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("broker: generating token ID: %w", err)
	}

	now := b.clock.Now()
	token := &Token{
		ID:        hex.EncodeToString(idBytes),
		Type:      tokenType,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	if len(claims) > 0 {
		token.Claims = make(map[string]string, len(claims))
		for key, value := range claims {
			token.Claims[key] = value
		}
	}

	tokenKey, err := b.store.Get(secretTokenKey)
	if err != nil {
		return nil, fmt.Errorf("broker: loading token key: %w", err)
	}
	defer tokenKey.Close()

	if err := token.sign(tokenKey.Bytes()); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.issued[token.ID] = issuedToken{tokenType: tokenType, expiresAt: token.ExpiresAt}
	b.mu.Unlock()

	b.logger.Info("token issued",
		"id", token.ID, "type", string(tokenType), "expires_at", token.ExpiresAt)
	return token, nil
}

// Validate checks a token against the current clock.
func (b *Broker) Validate(token *Token) error {
	return b.ValidateAt(token, b.clock.Now())
}

// ValidateAt checks a token's signature, expiry, and revocation status
// at an explicit instant. Signature is checked first so a forged token
// learns nothing from the error it gets back.
func (b *Broker) ValidateAt(token *Token, now time.Time) error {
	tokenKey, err := b.store.Get(secretTokenKey)
	if err != nil {
		return fmt.Errorf("broker: loading token key: %w", err)
	}
	defer tokenKey.Close()

	ok, err := token.verifySignature(tokenKey.Bytes())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: token %s", ErrInvalidSignature, token.ID)
	}

	if !now.Before(time.Unix(token.ExpiresAt, 0)) {
		return fmt.Errorf("%w: token %s", ErrTokenExpired, token.ID)
	}

	b.mu.Lock()
	_, revoked := b.revoked[token.ID]
	b.mu.Unlock()
	if revoked {
		return fmt.Errorf("%w: token %s", ErrTokenRevoked, token.ID)
	}

	return nil
}

// RevokeToken invalidates a single outstanding token.
func (b *Broker) RevokeToken(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, exists := b.issued[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownToken, id)
	}
	b.revoked[id] = record.expiresAt
	delete(b.issued, id)
	if buffer, ok := b.derived[id]; ok {
		buffer.Close()
		delete(b.derived, id)
	}

	b.logger.Info("token revoked", "id", id, "type", string(record.tokenType))
	return nil
}

// RevokeType invalidates every outstanding token of the given type.
// Returns the number revoked.
func (b *Broker) RevokeType(tokenType TokenType) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for id, record := range b.issued {
		if record.tokenType != tokenType {
			continue
		}
		b.revoked[id] = record.expiresAt
		delete(b.issued, id)
		if buffer, ok := b.derived[id]; ok {
			buffer.Close()
			delete(b.derived, id)
		}
		count++
	}

	if count > 0 {
		b.logger.Info("tokens revoked by type", "type", string(tokenType), "count", count)
	}
	return count
}

// CleanupExpired drops expired entries from the issued and revocation
// records. A revocation entry for an expired token is redundant:
// expiry already rejects it. Returns the number of entries removed.
func (b *Broker) CleanupExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now().Unix()
	removed := 0
	for id, record := range b.issued {
		if record.expiresAt <= now {
			delete(b.issued, id)
			if buffer, ok := b.derived[id]; ok {
				buffer.Close()
				delete(b.derived, id)
			}
			removed++
		}
	}
	for id, expiresAt := range b.revoked {
		if expiresAt <= now {
			delete(b.revoked, id)
			removed++
		}
	}
	return removed
}

// OutstandingCount returns the number of issued, unrevoked,
// unexpired-as-far-as-the-broker-knows tokens.
func (b *Broker) OutstandingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.issued)
}

// deriveFromSecret runs HKDF-SHA256 over a stored root secret.
func (b *Broker) deriveFromSecret(secretName string, salt, info []byte, size int) ([]byte, error) {
	root, err := b.store.Get(secretName)
	if err != nil {
		return nil, fmt.Errorf("broker: loading %s: %w", secretName, err)
	}
	defer root.Close()

	reader := hkdf.New(sha256.New, root.Bytes(), salt, info)
	material := make([]byte, size)
	if _, err := io.ReadFull(reader, material); err != nil {
		return nil, fmt.Errorf("broker: key derivation: %w", err)
	}
	return material, nil
}

// DerivedKey returns the token-specific 32-byte key derived from the
// master key: HKDF(master, salt = token ID, info = "token-key|<type>").
// The same token always yields the same key until the master rotates.
// The buffer is cached and owned by the broker; callers must not close
// it.
func (b *Broker) DerivedKey(token *Token) (*secret.Buffer, error) {
	if err := b.Validate(token); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if cached, ok := b.derived[token.ID]; ok {
		b.mu.Unlock()
		return cached, nil
	}
	b.mu.Unlock()

	material, err := b.deriveFromSecret(secretMasterKey,
		[]byte(token.ID), []byte("token-key|"+string(token.Type)), rootSecretSize)
	if err != nil {
		return nil, err
	}
	buffer, err := secret.NewFromBytes(material)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cached, ok := b.derived[token.ID]; ok {
		buffer.Close()
		return cached, nil
	}
	b.derived[token.ID] = buffer
	return buffer, nil
}

// SigningKey derives an Ed25519 private key for a signing token. The
// derivation salt is the token's "purpose" claim when present (so the
// same purpose yields a stable keypair across tokens) or the token ID.
func (b *Broker) SigningKey(token *Token) (ed25519.PrivateKey, error) {
	if err := b.Validate(token); err != nil {
		return nil, err
	}
	if token.Type != TokenSigning {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrWrongTokenType, TokenSigning, token.Type)
	}

	salt := token.ID
	if purpose, ok := token.Claims["purpose"]; ok && purpose != "" {
		salt = purpose
	}

	seed, err := b.deriveFromSecret(secretSigningSeed,
		[]byte(salt), []byte("ed25519-seed"), ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	key := ed25519.NewKeyFromSeed(seed)
	secret.Zero(seed)
	return key, nil
}

// AuditKey returns the chain-signing HMAC key for an audit_write
// token. The key is a stable root secret; event signatures must stay
// verifiable across token lifetimes and master key rotations. Caller
// must Close the returned buffer.
func (b *Broker) AuditKey(token *Token) (*secret.Buffer, error) {
	if err := b.Validate(token); err != nil {
		return nil, err
	}
	if token.Type != TokenAuditWrite {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrWrongTokenType, TokenAuditWrite, token.Type)
	}
	return b.store.Get(secretAuditKey)
}

// MasterKEK returns the current master key-encryption-key for an
// encryption or backup token. Caller must Close the returned buffer.
func (b *Broker) MasterKEK(token *Token) (*secret.Buffer, error) {
	if err := b.Validate(token); err != nil {
		return nil, err
	}
	if token.Type != TokenEncryption && token.Type != TokenBackup {
		return nil, fmt.Errorf("%w: need %s or %s, have %s",
			ErrWrongTokenType, TokenEncryption, TokenBackup, token.Type)
	}
	return b.store.Get(secretMasterKey)
}

// IPCSecret returns the shared secret for agent socket authentication.
// Caller must Close the returned buffer.
func (b *Broker) IPCSecret() (*secret.Buffer, error) {
	return b.store.Get(secretIPCSecret)
}

// KeyVersion returns the master key version. Starts at 1 and
// increments on each rotation within this process.
func (b *Broker) KeyVersion() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.keyVersion
}

// RotateMasterKey generates a fresh master key. The outgoing key is
// preserved under master_key_previous so envelopes wrapped under it
// can still be rewrapped. Every cached derived key is dropped and all
// outstanding encryption and backup tokens are revoked; holders must
// reauthenticate against the new key. Returns the new key version.
func (b *Broker) RotateMasterKey() (int, error) {
	current, err := b.store.Get(secretMasterKey)
	if err != nil {
		return 0, fmt.Errorf("broker: loading master key for rotation: %w", err)
	}

	previous := make([]byte, current.Len())
	copy(previous, current.Bytes())
	current.Close()
	if err := b.store.Put(secretMasterKeyPrevious, previous); err != nil {
		secret.Zero(previous)
		return 0, fmt.Errorf("broker: preserving previous master key: %w", err)
	}
	secret.Zero(previous)

	fresh := make([]byte, rootSecretSize)
	if _, err := rand.Read(fresh); err != nil {
		return 0, fmt.Errorf("broker: generating new master key: %w", err)
	}
	if err := b.store.Put(secretMasterKey, fresh); err != nil {
		secret.Zero(fresh)
		return 0, fmt.Errorf("broker: storing new master key: %w", err)
	}
	secret.Zero(fresh)

	b.mu.Lock()
	b.dropDerivedLocked()
	b.keyVersion++
	version := b.keyVersion
	b.mu.Unlock()

	b.RevokeType(TokenEncryption)
	b.RevokeType(TokenBackup)

	b.logger.Info("master key rotated", "version", version)
	return version, nil
}

// PreviousMasterKEK returns the pre-rotation master key, used by the
// envelope layer to rewrap keys during KEK rotation. Caller must Close
// the returned buffer.
func (b *Broker) PreviousMasterKEK(token *Token) (*secret.Buffer, error) {
	if err := b.Validate(token); err != nil {
		return nil, err
	}
	if token.Type != TokenEncryption {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrWrongTokenType, TokenEncryption, token.Type)
	}
	return b.store.Get(secretMasterKeyPrevious)
}
