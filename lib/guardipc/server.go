// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package guardipc

import (
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/broker"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/clock"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/secret"
)

// connectionIdleTimeout bounds how long the server waits for the next
// frame on an authenticated connection.
const connectionIdleTimeout = 5 * time.Minute

// handshakeTimeout bounds each step of the auth exchange.
const handshakeTimeout = 10 * time.Second

// ServerConfig holds the parameters for an IPC server.
type ServerConfig struct {
	// SocketPath is where the unix socket is created (mode 0600). A
	// stale socket file at this path is removed first. Required.
	SocketPath string

	// Broker answers token and key requests. Required.
	Broker *broker.Broker

	// OnShutdown, if set, is called once when a client sends a
	// shutdown message.
	OnShutdown func()

	// Clock provides message timestamps.
	Clock clock.Clock

	// Logger receives connection lifecycle messages.
	Logger *slog.Logger
}

// Server accepts agent connections and dispatches their requests into
// the broker.
type Server struct {
	listener   net.Listener
	broker     *broker.Broker
	secret     []byte
	onShutdown func()
	clock      clock.Clock
	logger     *slog.Logger
	startedAt  time.Time

	mu           sync.Mutex
	closed       bool
	shutdownOnce sync.Once
	connections  sync.WaitGroup
}

// NewServer binds the socket and prepares the server. Call Serve to
// accept connections.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("guardipc: SocketPath is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("guardipc: Broker is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ipcSecret, err := cfg.Broker.IPCSecret()
	if err != nil {
		return nil, fmt.Errorf("guardipc: loading shared secret: %w", err)
	}
	sharedSecret := make([]byte, ipcSecret.Len())
	copy(sharedSecret, ipcSecret.Bytes())
	ipcSecret.Close()

	if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("guardipc: removing stale socket: %w", err)
	}
	listener, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		secret.Zero(sharedSecret)
		return nil, fmt.Errorf("guardipc: binding %s: %w", cfg.SocketPath, err)
	}
	if err := os.Chmod(cfg.SocketPath, 0o600); err != nil {
		listener.Close()
		secret.Zero(sharedSecret)
		return nil, fmt.Errorf("guardipc: restricting socket mode: %w", err)
	}

	return &Server{
		listener:   listener,
		broker:     cfg.Broker,
		secret:     sharedSecret,
		onShutdown: cfg.OnShutdown,
		clock:      clk,
		logger:     logger,
		startedAt:  clk.Now(),
	}, nil
}

// Serve accepts connections until Close. Each connection runs in its
// own goroutine.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("guardipc: accept: %w", err)
		}
		s.connections.Add(1)
		go func() {
			defer s.connections.Done()
			s.handleConnection(conn)
		}()
	}
}

// Close stops accepting, waits for in-flight connections, and zeroes
// the shared secret.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.listener.Close()
	s.connections.Wait()
	secret.Zero(s.secret)
	return err
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	sessionKey, err := s.handshake(conn)
	if err != nil {
		s.logger.Warn("handshake failed", "error", err)
		return
	}
	defer secret.Zero(sessionKey)
	s.logger.Debug("agent authenticated")

	for {
		conn.SetReadDeadline(time.Now().Add(connectionIdleTimeout))
		request, err := readMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("connection read ended", "error", err)
			}
			return
		}
		if err := request.verify(sessionKey); err != nil {
			// A bad signature after auth means a confused or hostile
			// peer. Close without a reply.
			s.logger.Warn("dropping connection: bad message signature", "type", request.Type)
			return
		}

		response, shutdown := s.dispatch(request)
		if err := response.sign(sessionKey); err != nil {
			s.logger.Error("signing response failed", "error", err)
			return
		}
		conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
		if err := writeMessage(conn, response); err != nil {
			s.logger.Debug("writing response failed", "error", err)
			return
		}
		if shutdown {
			s.shutdownOnce.Do(func() {
				if s.onShutdown != nil {
					go s.onShutdown()
				}
			})
			return
		}
	}
}

// handshake runs the server side of the auth exchange and returns the
// session key for the connection.
func (s *Server) handshake(conn net.Conn) ([]byte, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	hello, err := readMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if hello.Type != MsgHello {
		return nil, fmt.Errorf("expected hello, got %s", hello.Type)
	}

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("generating challenge: %w", err)
	}
	challengeMessage, err := newMessage(MsgChallenge, ChallengePayload{Challenge: challenge}, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := writeMessage(conn, challengeMessage); err != nil {
		return nil, fmt.Errorf("writing challenge: %w", err)
	}

	response, err := readMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("reading challenge response: %w", err)
	}
	if response.Type != MsgChallengeResponse {
		return nil, fmt.Errorf("expected challenge_response, got %s", response.Type)
	}
	var proof ChallengeResponsePayload
	if err := response.decodePayload(&proof); err != nil {
		return nil, err
	}

	if !hmac.Equal(challengeProof(s.secret, challenge), proof.Proof) {
		failure, buildErr := newMessage(MsgAuthFailure, ErrorPayload{Message: "challenge proof rejected"}, s.clock.Now())
		if buildErr == nil {
			writeMessage(conn, failure)
		}
		return nil, ErrAuthFailed
	}

	sessionKey := make([]byte, 32)
	if _, err := rand.Read(sessionKey); err != nil {
		return nil, fmt.Errorf("generating session key: %w", err)
	}
	success, err := newMessage(MsgAuthSuccess, AuthSuccessPayload{SessionKey: sessionKey}, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := success.sign(s.secret); err != nil {
		return nil, err
	}
	if err := writeMessage(conn, success); err != nil {
		return nil, fmt.Errorf("writing auth_success: %w", err)
	}
	return sessionKey, nil
}

// dispatch maps one authenticated request to its response. The second
// return value signals a shutdown request.
func (s *Server) dispatch(request *Message) (*Message, bool) {
	switch request.Type {
	case MsgPing:
		return s.reply(MsgPong, nil), false

	case MsgStatusRequest:
		return s.reply(MsgStatusResponse, StatusPayload{
			KeyVersion:        s.broker.KeyVersion(),
			OutstandingTokens: s.broker.OutstandingCount(),
			StartedAt:         s.startedAt.Unix(),
		}), false

	case MsgRequestToken:
		var tokenRequest TokenRequest
		if err := request.decodePayload(&tokenRequest); err != nil {
			return s.errorReply(err), false
		}
		tokenType := broker.TokenType(tokenRequest.Type)
		token, err := s.broker.IssueToken(tokenType,
			time.Duration(tokenRequest.TTLSeconds)*time.Second, tokenRequest.Claims)
		if err != nil {
			return s.errorReply(err), false
		}
		encoded, err := token.Encode()
		if err != nil {
			return s.errorReply(err), false
		}
		return s.reply(MsgTokenResponse, TokenGrant{Token: encoded, ExpiresAt: token.ExpiresAt}), false

	case MsgRevokeToken:
		var revoke RevokeRequest
		if err := request.decodePayload(&revoke); err != nil {
			return s.errorReply(err), false
		}
		if err := s.broker.RevokeToken(revoke.TokenID); err != nil {
			return s.errorReply(err), false
		}
		return s.reply(MsgPong, nil), false

	case MsgGetSigningKey:
		token, err := s.redeemToken(request)
		if err != nil {
			return s.errorReply(err), false
		}
		signingKey, err := s.broker.SigningKey(token)
		if err != nil {
			return s.errorReply(err), false
		}
		return s.reply(MsgKeyResponse, KeyGrant{Key: signingKey}), false

	case MsgGetEncryptionKey:
		token, err := s.redeemToken(request)
		if err != nil {
			return s.errorReply(err), false
		}
		// The token's type selects the material: audit tokens redeem
		// the audit key, encryption and backup tokens the master KEK.
		// The broker enforces the pairing either way.
		var material *secret.Buffer
		if token.Type == broker.TokenAuditWrite {
			material, err = s.broker.AuditKey(token)
		} else {
			material, err = s.broker.MasterKEK(token)
		}
		if err != nil {
			return s.errorReply(err), false
		}
		key := make([]byte, material.Len())
		copy(key, material.Bytes())
		material.Close()
		return s.reply(MsgKeyResponse, KeyGrant{Key: key}), false

	case MsgShutdown:
		return s.reply(MsgPong, nil), true

	default:
		return s.errorReply(fmt.Errorf("guardipc: unsupported message type %q", request.Type)), false
	}
}

func (s *Server) redeemToken(request *Message) (*broker.Token, error) {
	var keyRequest KeyRequest
	if err := request.decodePayload(&keyRequest); err != nil {
		return nil, err
	}
	token, err := broker.DecodeToken(keyRequest.Token)
	if err != nil {
		return nil, err
	}
	if err := s.broker.Validate(token); err != nil {
		return nil, err
	}
	return token, nil
}

func (s *Server) reply(msgType MsgType, payload any) *Message {
	message, err := newMessage(msgType, payload, s.clock.Now())
	if err != nil {
		return s.errorReply(err)
	}
	return message
}

func (s *Server) errorReply(err error) *Message {
	message, buildErr := newMessage(MsgError, ErrorPayload{Message: err.Error()}, s.clock.Now())
	if buildErr != nil {
		// Nonce generation failing means rand is broken; nothing
		// better to send.
		message = &Message{Type: MsgError, Timestamp: s.clock.Now().UTC().Format(time.RFC3339Nano)}
	}
	return message
}
