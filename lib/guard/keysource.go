// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"crypto/ed25519"
	"fmt"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/broker"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/guardipc"
)

// KeySource hands the service its key material without exposing where
// it comes from: an embedded broker in standalone mode, or the broker
// process over IPC. Returned byte slices are owned by the caller, who
// must zero them when done.
type KeySource interface {
	// MasterKEK returns the current master key-encryption key.
	MasterKEK() ([]byte, error)

	// AuditKey returns the chain signing key. Stable across master
	// rotations, so old chain segments stay verifiable.
	AuditKey() ([]byte, error)

	// SigningKey returns the Ed25519 private key for a purpose. The
	// same purpose always yields the same key.
	SigningKey(purpose string) (ed25519.PrivateKey, error)

	// Close releases the source.
	Close() error
}

// MasterRotator is implemented by key sources that can rotate the
// master key. Rotation over IPC is deliberately unsupported: it is an
// administrative action taken on the broker host.
type MasterRotator interface {
	// RotateMaster rotates the master key and returns the new KEK and
	// key version.
	RotateMaster() ([]byte, int, error)
}

// LocalKeySource wraps an embedded broker: the service issues itself
// short-lived tokens and redeems them immediately.
type LocalKeySource struct {
	broker *broker.Broker
}

// NewLocalKeySource wraps a broker.
func NewLocalKeySource(b *broker.Broker) *LocalKeySource {
	return &LocalKeySource{broker: b}
}

func (s *LocalKeySource) MasterKEK() ([]byte, error) {
	token, err := s.broker.IssueToken(broker.TokenEncryption, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("guard: issuing encryption token: %w", err)
	}
	defer s.broker.RevokeToken(token.ID)

	kek, err := s.broker.MasterKEK(token)
	if err != nil {
		return nil, err
	}
	key := make([]byte, kek.Len())
	copy(key, kek.Bytes())
	kek.Close()
	return key, nil
}

func (s *LocalKeySource) AuditKey() ([]byte, error) {
	token, err := s.broker.IssueToken(broker.TokenAuditWrite, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("guard: issuing audit token: %w", err)
	}
	defer s.broker.RevokeToken(token.ID)

	auditKey, err := s.broker.AuditKey(token)
	if err != nil {
		return nil, err
	}
	key := make([]byte, auditKey.Len())
	copy(key, auditKey.Bytes())
	auditKey.Close()
	return key, nil
}

func (s *LocalKeySource) SigningKey(purpose string) (ed25519.PrivateKey, error) {
	token, err := s.broker.IssueToken(broker.TokenSigning, 0, map[string]string{"purpose": purpose})
	if err != nil {
		return nil, fmt.Errorf("guard: issuing signing token: %w", err)
	}
	defer s.broker.RevokeToken(token.ID)

	return s.broker.SigningKey(token)
}

func (s *LocalKeySource) RotateMaster() ([]byte, int, error) {
	version, err := s.broker.RotateMasterKey()
	if err != nil {
		return nil, 0, err
	}
	kek, err := s.MasterKEK()
	if err != nil {
		return nil, 0, err
	}
	return kek, version, nil
}

func (s *LocalKeySource) Close() error {
	return s.broker.Close()
}

// IPCKeySource adapts a broker connection to KeySource. The service
// never sees the transport.
type IPCKeySource struct {
	client *guardipc.Client
}

// NewIPCKeySource wraps a connected client.
func NewIPCKeySource(client *guardipc.Client) *IPCKeySource {
	return &IPCKeySource{client: client}
}

func (s *IPCKeySource) MasterKEK() ([]byte, error) {
	token, err := s.client.RequestToken(broker.TokenEncryption, 0, nil)
	if err != nil {
		return nil, err
	}
	return s.client.GetEncryptionKey(token)
}

func (s *IPCKeySource) AuditKey() ([]byte, error) {
	token, err := s.client.RequestToken(broker.TokenAuditWrite, 0, nil)
	if err != nil {
		return nil, err
	}
	return s.client.GetEncryptionKey(token)
}

func (s *IPCKeySource) SigningKey(purpose string) (ed25519.PrivateKey, error) {
	token, err := s.client.RequestToken(broker.TokenSigning, 0, map[string]string{"purpose": purpose})
	if err != nil {
		return nil, err
	}
	return s.client.GetSigningKey(token)
}

func (s *IPCKeySource) Close() error {
	return s.client.Close()
}
