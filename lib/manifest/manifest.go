// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest builds, signs, and verifies snapshots of protected
// file trees. A manifest lists every file with its hash, size, mtime,
// and mode; the whole document is Ed25519-signed over its canonical
// JSON form. Manifests link to their predecessor by hash, forming an
// auditable history of what the protected set looked like when.
package manifest

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/codec"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/hashing"
)

// Version is the manifest format version.
const Version = "1.0"

// Entry describes one file in the snapshot. Paths are slash-separated
// and relative to the manifest root.
type Entry struct {
	Path        string   `json:"path"`
	Hash        string   `json:"hash"`
	Size        int64    `json:"size"`
	ModTime     int64    `json:"modified_time"`
	Permissions uint32   `json:"permissions"`
	FileType    string   `json:"file_type"` // "file" or "folder"
	ChunkHashes []string `json:"chunk_hashes,omitempty"`
}

// Metadata describes the manifest itself.
type Metadata struct {
	Version              string `json:"version"`
	CreatedAt            string `json:"created_at"`
	SignedAt             string `json:"signed_at,omitempty"`
	SignerID             string `json:"signer_id,omitempty"`
	RootPath             string `json:"root_path"`
	Description          string `json:"description,omitempty"`
	PreviousManifestHash string `json:"previous_manifest_hash,omitempty"`
}

// Manifest is a complete, optionally signed snapshot.
type Manifest struct {
	Metadata  Metadata `json:"metadata"`
	Entries   []Entry  `json:"entries"`
	Signature string   `json:"signature,omitempty"`
	PublicKey string   `json:"public_key,omitempty"`
}

// Signature verification outcomes.
var (
	// ErrUnsigned means the manifest carries no signature.
	ErrUnsigned = errors.New("manifest: unsigned")
	// ErrSignatureInvalid means the signature does not verify over the
	// manifest's canonical bytes.
	ErrSignatureInvalid = errors.New("manifest: signature invalid")
	// ErrCorrupted means the manifest's signature or key material is
	// malformed.
	ErrCorrupted = errors.New("manifest: corrupted")
)

// signedDocument is what the signature covers: everything except the
// signature fields themselves.
type signedDocument struct {
	Metadata Metadata `json:"metadata"`
	Entries  []Entry  `json:"entries"`
}

// CanonicalBytes returns the canonical JSON the signature covers.
func (m *Manifest) CanonicalBytes() ([]byte, error) {
	return codec.CanonicalJSON(signedDocument{Metadata: m.Metadata, Entries: m.Entries})
}

// ContentHash returns the SHA-256 of the canonical bytes. This is the
// value a successor manifest records as PreviousManifestHash.
func (m *Manifest) ContentHash() (string, error) {
	canonical, err := m.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return hashing.HashBytes(canonical), nil
}

// Signer signs manifests with an Ed25519 key.
type Signer struct {
	privateKey ed25519.PrivateKey
	signerID   string
}

// NewSigner wraps an Ed25519 private key. signerID is a stable
// identifier recorded in the manifests it signs.
func NewSigner(privateKey ed25519.PrivateKey, signerID string) (*Signer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("manifest: private key must be %d bytes, got %d",
			ed25519.PrivateKeySize, len(privateKey))
	}
	return &Signer{privateKey: privateKey, signerID: signerID}, nil
}

// Sign timestamps the manifest, signs its canonical bytes, and embeds
// the signature and public key.
func (s *Signer) Sign(m *Manifest, now time.Time) error {
	m.Metadata.SignedAt = now.UTC().Format(time.RFC3339)
	m.Metadata.SignerID = s.signerID

	canonical, err := m.CanonicalBytes()
	if err != nil {
		return err
	}

	signature := ed25519.Sign(s.privateKey, canonical)
	m.Signature = base64.StdEncoding.EncodeToString(signature)
	m.PublicKey = base64.StdEncoding.EncodeToString(s.privateKey.Public().(ed25519.PublicKey))
	return nil
}

// VerifySignature checks the embedded signature. Pass a trusted public
// key to pin the signer; with nil, the manifest's embedded key is used
// (proving integrity but not origin).
func (m *Manifest) VerifySignature(trustedKey ed25519.PublicKey) error {
	if m.Signature == "" {
		return ErrUnsigned
	}

	signature, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("%w: undecodable signature: %v", ErrCorrupted, err)
	}

	publicKey := trustedKey
	if publicKey == nil {
		raw, err := base64.StdEncoding.DecodeString(m.PublicKey)
		if err != nil {
			return fmt.Errorf("%w: undecodable public key: %v", ErrCorrupted, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: public key is %d bytes", ErrCorrupted, len(raw))
		}
		publicKey = ed25519.PublicKey(raw)
	}

	canonical, err := m.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(publicKey, canonical, signature) {
		return ErrSignatureInvalid
	}
	return nil
}
