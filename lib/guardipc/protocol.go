// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

// Package guardipc is the wire protocol between the guard agent and
// the secret broker: length-prefixed frames carrying HMAC-signed JSON
// messages over a unix socket. A challenge/response handshake proves
// possession of the shared IPC secret, then a per-connection session
// key signs everything after it.
package guardipc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/codec"
)

// MsgType names a protocol message.
type MsgType string

const (
	MsgHello             MsgType = "hello"
	MsgChallenge         MsgType = "challenge"
	MsgChallengeResponse MsgType = "challenge_response"
	MsgAuthSuccess       MsgType = "auth_success"
	MsgAuthFailure       MsgType = "auth_failure"
	MsgRequestToken      MsgType = "request_token"
	MsgTokenResponse     MsgType = "token_response"
	MsgRevokeToken       MsgType = "revoke_token"
	MsgGetSigningKey     MsgType = "get_signing_key"
	MsgGetEncryptionKey  MsgType = "get_encryption_key"
	MsgKeyResponse       MsgType = "key_response"
	MsgStatusRequest     MsgType = "status_request"
	MsgStatusResponse    MsgType = "status_response"
	MsgPing              MsgType = "ping"
	MsgPong              MsgType = "pong"
	MsgError             MsgType = "error"
	MsgShutdown          MsgType = "shutdown"
)

// maxFrameSize bounds one message on the wire. Anything larger is a
// protocol violation and closes the connection.
const maxFrameSize = 1 << 20

var (
	// ErrBadSignature means a message failed HMAC verification.
	ErrBadSignature = errors.New("guardipc: bad message signature")
	// ErrFrameTooLarge means a peer announced an oversized frame.
	ErrFrameTooLarge = errors.New("guardipc: frame exceeds size limit")
	// ErrAuthFailed means the handshake was rejected.
	ErrAuthFailed = errors.New("guardipc: authentication failed")
)

// Message is one signed protocol message.
type Message struct {
	Type      MsgType         `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Nonce     string          `json:"nonce"`
	Timestamp string          `json:"timestamp"`
	Signature string          `json:"signature,omitempty"`
}

// newMessage builds a message with a fresh nonce and the given payload
// (nil for none).
func newMessage(msgType MsgType, payload any, now time.Time) (*Message, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("guardipc: generating nonce: %w", err)
	}

	message := &Message{
		Type:      msgType,
		Nonce:     hex.EncodeToString(nonce),
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("guardipc: encoding %s payload: %w", msgType, err)
		}
		message.Payload = encoded
	}
	return message, nil
}

// signingBase is the canonical JSON of the message with the signature
// field cleared.
func (m *Message) signingBase() ([]byte, error) {
	unsigned := *m
	unsigned.Signature = ""
	base, err := codec.CanonicalJSON(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("guardipc: canonicalizing message: %w", err)
	}
	return base, nil
}

// sign attaches an HMAC-SHA256 signature keyed by key.
func (m *Message) sign(key []byte) error {
	base, err := m.signingBase()
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(base)
	m.Signature = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// verify checks the signature against key.
func (m *Message) verify(key []byte) error {
	if m.Signature == "" {
		return ErrBadSignature
	}
	claimed, err := hex.DecodeString(m.Signature)
	if err != nil {
		return ErrBadSignature
	}
	base, err := m.signingBase()
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(base)
	if !hmac.Equal(mac.Sum(nil), claimed) {
		return ErrBadSignature
	}
	return nil
}

// decodePayload unmarshals the payload into out.
func (m *Message) decodePayload(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("guardipc: %s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("guardipc: decoding %s payload: %w", m.Type, err)
	}
	return nil
}

// writeMessage frames and writes one message: uint32 big-endian length
// followed by the JSON bytes.
func writeMessage(w io.Writer, message *Message) error {
	encoded, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("guardipc: encoding message: %w", err)
	}
	if len(encoded) > maxFrameSize {
		return ErrFrameTooLarge
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(encoded)))
	if _, err := w.Write(length[:]); err != nil {
		return fmt.Errorf("guardipc: writing frame length: %w", err)
	}
	if _, err := w.Write(encoded); err != nil {
		return fmt.Errorf("guardipc: writing frame: %w", err)
	}
	return nil
}

// readMessage reads one framed message.
func readMessage(r io.Reader) (*Message, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(length[:])
	if size == 0 || size > maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	encoded := make([]byte, size)
	if _, err := io.ReadFull(r, encoded); err != nil {
		return nil, fmt.Errorf("guardipc: reading frame: %w", err)
	}

	var message Message
	if err := json.Unmarshal(encoded, &message); err != nil {
		return nil, fmt.Errorf("guardipc: decoding frame: %w", err)
	}
	return &message, nil
}

// challengeProof is the handshake proof: HMAC-SHA256 of the challenge
// keyed by the shared secret.
func challengeProof(secret, challenge []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(challenge)
	return mac.Sum(nil)
}

// Payload shapes. []byte fields ride as base64 strings under
// encoding/json's default rules.

// TokenRequest asks the broker to mint a capability token.
type TokenRequest struct {
	Type       string            `json:"token_type"`
	TTLSeconds int64             `json:"ttl_seconds,omitempty"`
	Claims     map[string]string `json:"claims,omitempty"`
}

// TokenGrant carries an encoded token back to the agent.
type TokenGrant struct {
	Token     []byte `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// RevokeRequest revokes a token by ID.
type RevokeRequest struct {
	TokenID string `json:"token_id"`
}

// KeyRequest redeems an encoded token for key material.
type KeyRequest struct {
	Token []byte `json:"token"`
}

// KeyGrant carries key material back to the agent.
type KeyGrant struct {
	Key []byte `json:"key"`
}

// ChallengePayload carries the server's random challenge.
type ChallengePayload struct {
	Challenge []byte `json:"challenge"`
}

// ChallengeResponsePayload carries the client's proof.
type ChallengeResponsePayload struct {
	Proof []byte `json:"proof"`
}

// AuthSuccessPayload carries the fresh session key; the message it
// rides in is signed with the shared secret.
type AuthSuccessPayload struct {
	SessionKey []byte `json:"session_key"`
}

// StatusPayload reports broker state.
type StatusPayload struct {
	KeyVersion        int   `json:"key_version"`
	OutstandingTokens int   `json:"outstanding_tokens"`
	StartedAt         int64 `json:"started_at"`
}

// ErrorPayload carries a failure back to the requester.
type ErrorPayload struct {
	Message string `json:"message"`
}
