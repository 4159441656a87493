// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope implements two-level (envelope) encryption: every
// file gets its own random data-encryption key (DEK), and DEKs are
// wrapped under a master key-encryption key (KEK) held by the broker.
// Rotating the KEK rewraps the DEKs without touching file ciphertext.
//
// Encrypted file layout:
//
//	magic "DLENC\x01"
//	uint32 big-endian metadata length
//	canonical JSON metadata
//	AES-256-GCM ciphertext
//
// The metadata records the wrapping key ID, the data nonce, and the
// plaintext's size and SHA-256. Decryption re-hashes the plaintext and
// refuses to emit output on a mismatch.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/codec"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/hashing"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/secret"
)

const (
	// KeySize is the AES-256 key length for both DEKs and the KEK.
	KeySize = 32
	// NonceSize is the GCM nonce length.
	NonceSize = 12

	cipherName = "AES-256-GCM"

	maxMetadataSize = 1 << 16
)

var magic = []byte("DLENC\x01")

var (
	// ErrBadMagic means the input is not an envelope-encrypted file.
	ErrBadMagic = errors.New("envelope: bad magic, not an encrypted file")
	// ErrPlaintextHashMismatch means AEAD opened but the recovered
	// plaintext does not hash to the recorded value. Either the
	// metadata was swapped wholesale or the keystore served the wrong
	// DEK; both are tampering.
	ErrPlaintextHashMismatch = errors.New("envelope: plaintext hash mismatch")
)

// metadata is the cleartext JSON header of an encrypted file.
type metadata struct {
	KeyID        string `json:"key_id"`
	Nonce        string `json:"nonce"`
	OriginalSize int64  `json:"original_size"`
	OriginalHash string `json:"original_hash"`
	Cipher       string `json:"cipher"`
	EncryptedAt  string `json:"encrypted_at"`
}

// Envelope encrypts and decrypts files under a KEK. Safe for
// concurrent use.
type Envelope struct {
	// mu guards kek against RotateKEK and Close. Encrypt paths hold
	// the read lock from DEK generation through the keystore write:
	// a wrap persisted under an already-replaced KEK would never
	// unwrap again.
	mu     sync.RWMutex
	kek    *secret.Buffer
	store  *KeyStore
	logger *slog.Logger
}

// New creates an envelope engine. The KEK bytes are copied into
// protected memory; the caller's slice is zeroed.
func New(kek []byte, store *KeyStore, logger *slog.Logger) (*Envelope, error) {
	if len(kek) != KeySize {
		return nil, fmt.Errorf("envelope: KEK must be %d bytes, got %d", KeySize, len(kek))
	}
	if logger == nil {
		logger = slog.Default()
	}

	buffer, err := secret.NewFromBytes(kek)
	if err != nil {
		return nil, err
	}
	return &Envelope{kek: buffer, store: store, logger: logger}, nil
}

// Close releases the KEK material.
func (e *Envelope) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kek.Close()
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: GCM init: %w", err)
	}
	return aead, nil
}

// generateDEK creates a fresh data key and its wrapped form. The key
// ID is the AAD for the wrap, binding the ciphertext to its identity.
// Callers must hold e.mu until the entry is in the keystore.
func (e *Envelope) generateDEK() (dek []byte, entry *WrappedKey, err error) {
	dek = make([]byte, KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, fmt.Errorf("envelope: generating DEK: %w", err)
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		secret.Zero(dek)
		return nil, nil, fmt.Errorf("envelope: generating key ID: %w", err)
	}
	keyID := hex.EncodeToString(idBytes)

	wrapNonce := make([]byte, NonceSize)
	if _, err := rand.Read(wrapNonce); err != nil {
		secret.Zero(dek)
		return nil, nil, fmt.Errorf("envelope: generating wrap nonce: %w", err)
	}

	aead, err := newAEAD(e.kek.Bytes())
	if err != nil {
		secret.Zero(dek)
		return nil, nil, err
	}
	wrapped := aead.Seal(nil, wrapNonce, dek, []byte(keyID))

	entry = &WrappedKey{
		KeyID:      keyID,
		Wrapped:    wrapped,
		WrapNonce:  wrapNonce,
		KEKVersion: e.store.Version(),
		CreatedAt:  time.Now().UTC().Unix(),
		Status:     KeyActive,
	}
	return dek, entry, nil
}

// unwrapDEK recovers a data key from its keystore entry. Revoked keys
// refuse to unwrap.
func (e *Envelope) unwrapDEK(entry *WrappedKey) ([]byte, error) {
	if entry.Status == KeyRevoked {
		return nil, fmt.Errorf("%w: %s", ErrKeyRevoked, entry.KeyID)
	}

	e.mu.RLock()
	aead, err := newAEAD(e.kek.Bytes())
	e.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	dek, err := aead.Open(nil, entry.WrapNonce, entry.Wrapped, []byte(entry.KeyID))
	if err != nil {
		return nil, fmt.Errorf("envelope: unwrapping key %s: %w", entry.KeyID, err)
	}
	return dek, nil
}

// seal produces the complete encrypted blob for plaintext under a
// fresh DEK and returns the blob and the new keystore entry's ID.
func (e *Envelope) seal(plaintext []byte, sourcePath string) ([]byte, string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	dek, entry, err := e.generateDEK()
	if err != nil {
		return nil, "", err
	}
	defer secret.Zero(dek)

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, "", fmt.Errorf("envelope: generating nonce: %w", err)
	}

	aead, err := newAEAD(dek)
	if err != nil {
		return nil, "", err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	header, err := codec.CanonicalJSON(metadata{
		KeyID:        entry.KeyID,
		Nonce:        base64.StdEncoding.EncodeToString(nonce),
		OriginalSize: int64(len(plaintext)),
		OriginalHash: hashing.HashBytes(plaintext),
		Cipher:       cipherName,
		EncryptedAt:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, "", err
	}

	entry.Path = sourcePath
	if err := e.store.Add(entry); err != nil {
		return nil, "", err
	}

	blob := make([]byte, 0, len(magic)+4+len(header)+len(ciphertext))
	blob = append(blob, magic...)
	blob = binary.BigEndian.AppendUint32(blob, uint32(len(header)))
	blob = append(blob, header...)
	blob = append(blob, ciphertext...)
	return blob, entry.KeyID, nil
}

// open parses and decrypts an encrypted blob, verifying the plaintext
// hash before returning.
func (e *Envelope) open(blob []byte) ([]byte, *metadata, error) {
	if len(blob) < len(magic)+4 || !bytes.Equal(blob[:len(magic)], magic) {
		return nil, nil, ErrBadMagic
	}

	headerLength := binary.BigEndian.Uint32(blob[len(magic) : len(magic)+4])
	if headerLength > maxMetadataSize || int(headerLength) > len(blob)-len(magic)-4 {
		return nil, nil, fmt.Errorf("envelope: metadata length %d out of bounds", headerLength)
	}
	headerStart := len(magic) + 4
	headerEnd := headerStart + int(headerLength)

	var header metadata
	if err := json.Unmarshal(blob[headerStart:headerEnd], &header); err != nil {
		return nil, nil, fmt.Errorf("envelope: parsing metadata: %w", err)
	}
	if header.Cipher != cipherName {
		return nil, nil, fmt.Errorf("envelope: unsupported cipher %q", header.Cipher)
	}

	entry, err := e.store.Get(header.KeyID)
	if err != nil {
		return nil, nil, err
	}
	dek, err := e.unwrapDEK(entry)
	if err != nil {
		return nil, nil, err
	}
	defer secret.Zero(dek)

	nonce, err := base64.StdEncoding.DecodeString(header.Nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("envelope: decoding nonce: %w", err)
	}

	aead, err := newAEAD(dek)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := aead.Open(nil, nonce, blob[headerEnd:], nil)
	if err != nil {
		return nil, nil, fmt.Errorf("envelope: decryption failed: %w", err)
	}

	if hashing.HashBytes(plaintext) != header.OriginalHash {
		secret.Zero(plaintext)
		return nil, nil, fmt.Errorf("%w: key %s", ErrPlaintextHashMismatch, header.KeyID)
	}
	return plaintext, &header, nil
}

// EncryptBytes encrypts in-memory data, returning the encrypted blob
// and the keystore entry ID.
func (e *Envelope) EncryptBytes(plaintext []byte) ([]byte, string, error) {
	return e.seal(plaintext, "")
}

// DecryptBytes decrypts a blob produced by EncryptBytes or
// EncryptFile.
func (e *Envelope) DecryptBytes(blob []byte) ([]byte, error) {
	plaintext, _, err := e.open(blob)
	return plaintext, err
}

// EncryptFile encrypts inputPath into outputPath (written 0600 via
// atomic rename) and returns the key ID.
func (e *Envelope) EncryptFile(inputPath, outputPath string) (string, error) {
	plaintext, err := os.ReadFile(inputPath)
	if err != nil {
		return "", fmt.Errorf("envelope: reading %s: %w", inputPath, err)
	}

	blob, keyID, err := e.seal(plaintext, inputPath)
	secret.Zero(plaintext)
	if err != nil {
		return "", err
	}

	if err := atomicWrite(outputPath, blob, 0o600); err != nil {
		return "", fmt.Errorf("envelope: writing %s: %w", outputPath, err)
	}
	e.logger.Debug("file encrypted", "input", inputPath, "key_id", keyID)
	return keyID, nil
}

// DecryptFile decrypts inputPath into outputPath. The plaintext hash
// is verified before the output is committed; a failed verification
// leaves no partial output behind.
func (e *Envelope) DecryptFile(inputPath, outputPath string) error {
	blob, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("envelope: reading %s: %w", inputPath, err)
	}

	plaintext, _, err := e.open(blob)
	if err != nil {
		return err
	}
	defer secret.Zero(plaintext)

	if err := atomicWrite(outputPath, plaintext, 0o600); err != nil {
		return fmt.Errorf("envelope: writing %s: %w", outputPath, err)
	}
	return nil
}

// RotateKEK rewraps every non-revoked DEK under a new KEK and makes it
// current. File ciphertext is untouched. A DEK that fails to unwrap
// aborts the rotation with the keystore unchanged on disk.
func (e *Envelope) RotateKEK(newKEK []byte) (int, error) {
	if len(newKEK) != KeySize {
		return 0, fmt.Errorf("envelope: new KEK must be %d bytes, got %d", KeySize, len(newKEK))
	}

	newBuffer, err := secret.NewFromBytes(newKEK)
	if err != nil {
		return 0, err
	}

	// Exclusive for the whole rotation: a seal racing the swap could
	// otherwise persist a wrap under the KEK being retired.
	e.mu.Lock()
	defer e.mu.Unlock()

	oldAEAD, err := newAEAD(e.kek.Bytes())
	if err != nil {
		newBuffer.Close()
		return 0, err
	}
	newAEADCipher, err := newAEAD(newBuffer.Bytes())
	if err != nil {
		newBuffer.Close()
		return 0, err
	}

	version, err := e.store.rewrapAll(func(entry *WrappedKey) error {
		dek, err := oldAEAD.Open(nil, entry.WrapNonce, entry.Wrapped, []byte(entry.KeyID))
		if err != nil {
			return fmt.Errorf("envelope: unwrapping %s during rotation: %w", entry.KeyID, err)
		}
		defer secret.Zero(dek)

		freshNonce := make([]byte, NonceSize)
		if _, err := rand.Read(freshNonce); err != nil {
			return fmt.Errorf("envelope: generating rewrap nonce: %w", err)
		}
		entry.Wrapped = newAEADCipher.Seal(nil, freshNonce, dek, []byte(entry.KeyID))
		entry.WrapNonce = freshNonce
		return nil
	})
	if err != nil {
		newBuffer.Close()
		return 0, err
	}

	old := e.kek
	e.kek = newBuffer
	old.Close()

	e.logger.Info("KEK rotated", "version", version)
	return version, nil
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	temp := path + ".tmp"
	if err := os.WriteFile(temp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(temp, path); err != nil {
		os.Remove(temp)
		return err
	}
	return nil
}

