// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package guardipc

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/broker"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/securestore"
)

type testSetup struct {
	server  *Server
	broker  *broker.Broker
	socket  string
	secret  []byte
	served  chan error
}

func startTestServer(t *testing.T) *testSetup {
	t.Helper()
	base := t.TempDir()

	store, err := securestore.Open(filepath.Join(base, "secrets"), nil)
	if err != nil {
		t.Fatalf("securestore.Open: %v", err)
	}
	keyBroker, err := broker.Open(store, nil, nil)
	if err != nil {
		t.Fatalf("broker.Open: %v", err)
	}

	ipcSecret, err := keyBroker.IPCSecret()
	if err != nil {
		t.Fatalf("IPCSecret: %v", err)
	}
	sharedSecret := make([]byte, ipcSecret.Len())
	copy(sharedSecret, ipcSecret.Bytes())
	ipcSecret.Close()

	socket := filepath.Join(base, "broker.sock")
	server, err := NewServer(ServerConfig{
		SocketPath: socket,
		Broker:     keyBroker,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- server.Serve() }()
	t.Cleanup(func() {
		if err := server.Close(); err != nil {
			t.Errorf("server Close: %v", err)
		}
		if err := <-served; err != nil {
			t.Errorf("Serve: %v", err)
		}
		keyBroker.Close()
	})

	return &testSetup{
		server: server,
		broker: keyBroker,
		socket: socket,
		secret: sharedSecret,
		served: served,
	}
}

func (s *testSetup) connect(t *testing.T) *Client {
	t.Helper()
	client, err := Connect(ClientConfig{
		SocketPath:     s.socket,
		Secret:         s.secret,
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestHandshakeAndPing(t *testing.T) {
	setup := startTestServer(t)
	client := setup.connect(t)

	if err := client.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestHandshakeRejectsWrongSecret(t *testing.T) {
	setup := startTestServer(t)

	wrong := bytes.Repeat([]byte{0xFF}, 32)
	_, err := Connect(ClientConfig{
		SocketPath:     setup.socket,
		Secret:         wrong,
		RequestTimeout: 5 * time.Second,
	})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Connect with wrong secret = %v, want ErrAuthFailed", err)
	}
}

func TestRequestAndRevokeToken(t *testing.T) {
	setup := startTestServer(t)
	client := setup.connect(t)

	token, err := client.RequestToken(broker.TokenSigning, 0, map[string]string{"purpose": "manifest"})
	if err != nil {
		t.Fatalf("RequestToken: %v", err)
	}
	if token.Type != broker.TokenSigning || token.ID == "" {
		t.Fatalf("token = %+v", token)
	}
	if err := setup.broker.Validate(token); err != nil {
		t.Fatalf("server-side Validate: %v", err)
	}

	if err := client.RevokeToken(token.ID); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if err := setup.broker.Validate(token); !errors.Is(err, broker.ErrTokenRevoked) {
		t.Fatalf("Validate after revoke = %v, want ErrTokenRevoked", err)
	}
}

func TestRequestTokenInvalidType(t *testing.T) {
	setup := startTestServer(t)
	client := setup.connect(t)

	if _, err := client.RequestToken("cosmic", 0, nil); err == nil {
		t.Fatal("RequestToken accepted invalid type")
	}

	// The connection survives a rejected request.
	if err := client.Ping(); err != nil {
		t.Fatalf("Ping after rejection: %v", err)
	}
}

func TestGetSigningKey(t *testing.T) {
	setup := startTestServer(t)
	client := setup.connect(t)

	token, err := client.RequestToken(broker.TokenSigning, 0, map[string]string{"purpose": "manifest"})
	if err != nil {
		t.Fatalf("RequestToken: %v", err)
	}

	signingKey, err := client.GetSigningKey(token)
	if err != nil {
		t.Fatalf("GetSigningKey: %v", err)
	}
	if len(signingKey) != ed25519.PrivateKeySize {
		t.Fatalf("signing key is %d bytes", len(signingKey))
	}

	// Same purpose, new token: stable key.
	second, err := client.RequestToken(broker.TokenSigning, 0, map[string]string{"purpose": "manifest"})
	if err != nil {
		t.Fatalf("RequestToken: %v", err)
	}
	secondKey, err := client.GetSigningKey(second)
	if err != nil {
		t.Fatalf("GetSigningKey: %v", err)
	}
	if !bytes.Equal(signingKey, secondKey) {
		t.Fatal("signing key not stable for a fixed purpose")
	}
}

func TestGetEncryptionKeyRequiresRightTokenType(t *testing.T) {
	setup := startTestServer(t)
	client := setup.connect(t)

	encryptionToken, err := client.RequestToken(broker.TokenEncryption, 0, nil)
	if err != nil {
		t.Fatalf("RequestToken: %v", err)
	}
	kek, err := client.GetEncryptionKey(encryptionToken)
	if err != nil {
		t.Fatalf("GetEncryptionKey: %v", err)
	}
	if len(kek) != 32 {
		t.Fatalf("KEK is %d bytes", len(kek))
	}

	databaseToken, err := client.RequestToken(broker.TokenDatabase, 0, nil)
	if err != nil {
		t.Fatalf("RequestToken: %v", err)
	}
	if _, err := client.GetEncryptionKey(databaseToken); err == nil {
		t.Fatal("database token redeemed for the KEK")
	}
}

func TestStatus(t *testing.T) {
	setup := startTestServer(t)
	client := setup.connect(t)

	if _, err := client.RequestToken(broker.TokenDatabase, 0, nil); err != nil {
		t.Fatalf("RequestToken: %v", err)
	}

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.KeyVersion != 1 {
		t.Errorf("key version = %d, want 1", status.KeyVersion)
	}
	if status.OutstandingTokens != 1 {
		t.Errorf("outstanding tokens = %d, want 1", status.OutstandingTokens)
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	setup := startTestServer(t)

	conn, err := net.Dial("unix", setup.socket)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Announce an absurd frame length.
	if _, err := conn.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatalf("writing: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buffer := make([]byte, 1)
	if _, err := conn.Read(buffer); err == nil {
		t.Fatal("server kept the connection open after an oversized frame")
	}
}

func TestTamperedRequestDropped(t *testing.T) {
	setup := startTestServer(t)
	client := setup.connect(t)

	// Forge a request signed with the wrong key on a raw connection
	// that completed a real handshake.
	client.mu.Lock()
	conn := client.conn
	client.mu.Unlock()

	message, err := newMessage(MsgPing, nil, time.Now())
	if err != nil {
		t.Fatalf("newMessage: %v", err)
	}
	if err := message.sign(bytes.Repeat([]byte{0xAB}, 32)); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := writeMessage(conn, message); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := readMessage(conn); err == nil {
		t.Fatal("server answered a request with a bad signature")
	}
}

func TestMessageSignatureRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	message, err := newMessage(MsgPing, nil, time.Now())
	if err != nil {
		t.Fatalf("newMessage: %v", err)
	}
	if err := message.sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := message.verify(key); err != nil {
		t.Fatalf("verify: %v", err)
	}

	message.Type = MsgShutdown
	if err := message.verify(key); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("verify after tamper = %v, want ErrBadSignature", err)
	}
}
