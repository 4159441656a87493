// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package guardipc

import (
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/broker"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/clock"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/secret"
)

// DefaultRequestTimeout bounds one request/response round trip. A
// timeout surfaces as a connection error, never as phantom token or
// key state.
const DefaultRequestTimeout = 10 * time.Second

// ClientConfig holds the parameters for connecting to the broker.
type ClientConfig struct {
	// SocketPath of the broker's unix socket. Required.
	SocketPath string

	// Secret is the shared IPC secret for the handshake. The client
	// keeps its own copy; the caller retains ownership of this slice.
	Secret []byte

	// RequestTimeout per round trip; zero selects the default.
	RequestTimeout time.Duration

	// Clock provides message timestamps.
	Clock clock.Clock
}

// Client is an authenticated connection to the broker. Methods are
// serialized: the protocol is strict request/response per connection.
type Client struct {
	mu         sync.Mutex
	conn       net.Conn
	sessionKey []byte
	timeout    time.Duration
	clock      clock.Clock
}

// Connect dials the broker socket and runs the handshake.
func Connect(cfg ClientConfig) (*Client, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("guardipc: SocketPath is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("guardipc: Secret is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	conn, err := net.DialTimeout("unix", cfg.SocketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("guardipc: dialing %s: %w", cfg.SocketPath, err)
	}

	client := &Client{conn: conn, timeout: timeout, clock: clk}
	if err := client.handshake(cfg.Secret); err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// handshake runs the client side of the auth exchange.
func (c *Client) handshake(sharedSecret []byte) error {
	c.conn.SetDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetDeadline(time.Time{})

	hello, err := newMessage(MsgHello, nil, c.clock.Now())
	if err != nil {
		return err
	}
	if err := writeMessage(c.conn, hello); err != nil {
		return fmt.Errorf("guardipc: sending hello: %w", err)
	}

	challengeMessage, err := readMessage(c.conn)
	if err != nil {
		return fmt.Errorf("guardipc: reading challenge: %w", err)
	}
	if challengeMessage.Type != MsgChallenge {
		return fmt.Errorf("guardipc: expected challenge, got %s", challengeMessage.Type)
	}
	var challenge ChallengePayload
	if err := challengeMessage.decodePayload(&challenge); err != nil {
		return err
	}

	response, err := newMessage(MsgChallengeResponse, ChallengeResponsePayload{
		Proof: challengeProof(sharedSecret, challenge.Challenge),
	}, c.clock.Now())
	if err != nil {
		return err
	}
	if err := writeMessage(c.conn, response); err != nil {
		return fmt.Errorf("guardipc: sending challenge response: %w", err)
	}

	outcome, err := readMessage(c.conn)
	if err != nil {
		return fmt.Errorf("guardipc: reading auth outcome: %w", err)
	}
	switch outcome.Type {
	case MsgAuthSuccess:
	case MsgAuthFailure:
		return ErrAuthFailed
	default:
		return fmt.Errorf("guardipc: expected auth outcome, got %s", outcome.Type)
	}

	// The session key only counts if the message carrying it proves
	// knowledge of the shared secret.
	if err := outcome.verify(sharedSecret); err != nil {
		return fmt.Errorf("guardipc: auth_success failed verification: %w", err)
	}
	var success AuthSuccessPayload
	if err := outcome.decodePayload(&success); err != nil {
		return err
	}
	if len(success.SessionKey) != 32 {
		return fmt.Errorf("guardipc: session key is %d bytes", len(success.SessionKey))
	}
	c.sessionKey = success.SessionKey
	return nil
}

// Close tears the connection down and zeroes the session key.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionKey != nil {
		secret.Zero(c.sessionKey)
		c.sessionKey = nil
	}
	return c.conn.Close()
}

// roundTrip sends one signed request and returns the verified reply.
func (c *Client) roundTrip(msgType MsgType, payload any) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionKey == nil {
		return nil, fmt.Errorf("guardipc: client is closed")
	}

	request, err := newMessage(msgType, payload, c.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := request.sign(c.sessionKey); err != nil {
		return nil, err
	}

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := writeMessage(c.conn, request); err != nil {
		return nil, fmt.Errorf("guardipc: sending %s: %w", msgType, err)
	}
	reply, err := readMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("guardipc: awaiting reply to %s: %w", msgType, err)
	}
	if err := reply.verify(c.sessionKey); err != nil {
		return nil, err
	}
	if reply.Type == MsgError {
		var failure ErrorPayload
		if err := reply.decodePayload(&failure); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("guardipc: broker rejected %s: %s", msgType, failure.Message)
	}
	return reply, nil
}

// RequestToken asks the broker for a capability token. A zero ttl
// takes the type's default lifetime.
func (c *Client) RequestToken(tokenType broker.TokenType, ttl time.Duration, claims map[string]string) (*broker.Token, error) {
	reply, err := c.roundTrip(MsgRequestToken, TokenRequest{
		Type:       string(tokenType),
		TTLSeconds: int64(ttl / time.Second),
		Claims:     claims,
	})
	if err != nil {
		return nil, err
	}
	if reply.Type != MsgTokenResponse {
		return nil, fmt.Errorf("guardipc: unexpected reply %s", reply.Type)
	}
	var grant TokenGrant
	if err := reply.decodePayload(&grant); err != nil {
		return nil, err
	}
	return broker.DecodeToken(grant.Token)
}

// RevokeToken revokes a previously issued token.
func (c *Client) RevokeToken(tokenID string) error {
	_, err := c.roundTrip(MsgRevokeToken, RevokeRequest{TokenID: tokenID})
	return err
}

// GetSigningKey redeems a signing token for an Ed25519 private key.
func (c *Client) GetSigningKey(token *broker.Token) (ed25519.PrivateKey, error) {
	grant, err := c.keyRequest(MsgGetSigningKey, token)
	if err != nil {
		return nil, err
	}
	if len(grant) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("guardipc: signing key is %d bytes", len(grant))
	}
	return ed25519.PrivateKey(grant), nil
}

// GetEncryptionKey redeems an encryption token for the master KEK. The
// caller must zero the returned slice when done.
func (c *Client) GetEncryptionKey(token *broker.Token) ([]byte, error) {
	return c.keyRequest(MsgGetEncryptionKey, token)
}

func (c *Client) keyRequest(msgType MsgType, token *broker.Token) ([]byte, error) {
	encoded, err := token.Encode()
	if err != nil {
		return nil, err
	}
	reply, err := c.roundTrip(msgType, KeyRequest{Token: encoded})
	if err != nil {
		return nil, err
	}
	if reply.Type != MsgKeyResponse {
		return nil, fmt.Errorf("guardipc: unexpected reply %s", reply.Type)
	}
	var grant KeyGrant
	if err := reply.decodePayload(&grant); err != nil {
		return nil, err
	}
	return grant.Key, nil
}

// Status reports broker state.
func (c *Client) Status() (StatusPayload, error) {
	reply, err := c.roundTrip(MsgStatusRequest, nil)
	if err != nil {
		return StatusPayload{}, err
	}
	if reply.Type != MsgStatusResponse {
		return StatusPayload{}, fmt.Errorf("guardipc: unexpected reply %s", reply.Type)
	}
	var status StatusPayload
	if err := reply.decodePayload(&status); err != nil {
		return StatusPayload{}, err
	}
	return status, nil
}

// Ping checks connectivity and authentication.
func (c *Client) Ping() error {
	reply, err := c.roundTrip(MsgPing, nil)
	if err != nil {
		return err
	}
	if reply.Type != MsgPong {
		return fmt.Errorf("guardipc: unexpected reply %s", reply.Type)
	}
	return nil
}

// Shutdown asks the broker process to exit.
func (c *Client) Shutdown() error {
	_, err := c.roundTrip(MsgShutdown, nil)
	return err
}
