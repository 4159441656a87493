// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package securestore

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/codec"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/secret"
)

// Escrow lets an operator export the root secrets to their own age
// recovery keys. Without escrow, a reinstalled machine (new machine-id)
// loses every secret in the store and with them every encrypted file.
//
// The bundle is a deterministic CBOR map of name to raw secret bytes,
// age-encrypted to one or more operator recipients, base64 for
// transport.

// GenerateEscrowIdentity creates a fresh age x25519 keypair for
// escrow. The private key is returned in an mmap-backed buffer; the
// public key string is safe to record anywhere.
func GenerateEscrowIdentity() (*secret.Buffer, string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, "", fmt.Errorf("securestore: generating escrow identity: %w", err)
	}

	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, "", fmt.Errorf("securestore: protecting escrow identity: %w", err)
	}
	return privateKey, identity.Recipient().String(), nil
}

// ExportEscrow reads the named secrets and seals them to the given age
// recipients. Any missing or unreadable secret aborts the export;
// a partial escrow bundle that silently lacks the master key is worse
// than no bundle.
func (s *Store) ExportEscrow(names []string, recipientKeys []string) (string, error) {
	if len(names) == 0 {
		return "", fmt.Errorf("securestore: no secret names to escrow")
	}
	if len(recipientKeys) == 0 {
		return "", fmt.Errorf("securestore: at least one escrow recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("securestore: parsing escrow recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	bundle := make(map[string][]byte, len(names))
	buffers := make([]*secret.Buffer, 0, len(names))
	defer func() {
		for _, buffer := range buffers {
			buffer.Close()
		}
	}()

	for _, name := range names {
		value, err := s.Get(name)
		if err != nil {
			return "", fmt.Errorf("securestore: escrow export of %q: %w", name, err)
		}
		buffers = append(buffers, value)
		bundle[name] = value.Bytes()
	}

	plaintext, err := codec.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("securestore: encoding escrow bundle: %w", err)
	}
	defer secret.Zero(plaintext)

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return "", fmt.Errorf("securestore: creating escrow encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("securestore: writing escrow bundle: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("securestore: finalizing escrow bundle: %w", err)
	}

	s.logger.Info("escrow bundle exported", "secrets", len(names), "recipients", len(recipientKeys))
	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// ImportEscrow decrypts an escrow bundle with the operator's age
// identity and stores every secret it contains, re-encrypted under
// this machine's key. Existing secrets with the same names are
// replaced.
func (s *Store) ImportEscrow(bundle string, identityKey *secret.Buffer) error {
	identity, err := age.ParseX25519Identity(identityKey.String())
	if err != nil {
		return fmt.Errorf("securestore: parsing escrow identity: %w", err)
	}

	rawCiphertext, err := base64.StdEncoding.DecodeString(bundle)
	if err != nil {
		return fmt.Errorf("securestore: decoding escrow bundle: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(rawCiphertext), identity)
	if err != nil {
		return fmt.Errorf("securestore: decrypting escrow bundle: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("securestore: reading escrow bundle: %w", err)
	}
	defer secret.Zero(plaintext)

	var secrets map[string][]byte
	if err := codec.Unmarshal(plaintext, &secrets); err != nil {
		return fmt.Errorf("securestore: decoding escrow bundle: %w", err)
	}

	for name, value := range secrets {
		if err := s.Put(name, value); err != nil {
			return fmt.Errorf("securestore: restoring escrowed secret %q: %w", name, err)
		}
		secret.Zero(value)
	}

	s.logger.Info("escrow bundle imported", "secrets", len(secrets))
	return nil
}
