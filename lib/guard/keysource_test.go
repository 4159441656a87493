// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/broker"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/guardipc"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/policy"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/securestore"
)

// startIPCSource spins up a broker process stand-in (securestore,
// broker, IPC server) and returns a key source talking to it over the
// socket.
func startIPCSource(t *testing.T) *IPCKeySource {
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
	server, err := guardipc.NewServer(guardipc.ServerConfig{
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

	client, err := guardipc.Connect(guardipc.ClientConfig{
		SocketPath:     socket,
		Secret:         sharedSecret,
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return NewIPCKeySource(client)
}

func TestIPCKeySourceKeys(t *testing.T) {
	source := startIPCSource(t)
	t.Cleanup(func() { source.Close() })

	kek, err := source.MasterKEK()
	if err != nil {
		t.Fatalf("MasterKEK: %v", err)
	}
	if len(kek) != 32 {
		t.Fatalf("KEK is %d bytes", len(kek))
	}

	auditKey, err := source.AuditKey()
	if err != nil {
		t.Fatalf("AuditKey: %v", err)
	}
	if len(auditKey) != 32 {
		t.Fatalf("audit key is %d bytes", len(auditKey))
	}
	if bytes.Equal(kek, auditKey) {
		t.Fatal("audit key equals the master KEK")
	}

	first, err := source.SigningKey("manifest")
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	if len(first) != ed25519.PrivateKeySize {
		t.Fatalf("signing key is %d bytes", len(first))
	}
	second, err := source.SigningKey("manifest")
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("signing key not stable for a fixed purpose")
	}
}

func TestIPCKeySourceHasNoRotation(t *testing.T) {
	source := startIPCSource(t)
	t.Cleanup(func() { source.Close() })

	var keySource KeySource = source
	if _, ok := keySource.(MasterRotator); ok {
		t.Fatal("IPC key source must not offer master rotation")
	}
}

func TestServiceOverIPCKeySource(t *testing.T) {
	source := startIPCSource(t)
	base := t.TempDir()

	service, err := Open(Config{
		DataDir:   filepath.Join(base, "guard"),
		KeySource: source,
	})
	if err != nil {
		t.Fatalf("guard.Open: %v", err)
	}
	t.Cleanup(func() {
		if err := service.Close(); err != nil {
			t.Errorf("service Close: %v", err)
		}
	})

	ctx := context.Background()
	path := filepath.Join(base, "guarded.txt")
	if err := os.WriteFile(path, []byte("over the wire"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := service.Protect(ctx, path, policy.ModeAutoRestore); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if err := os.WriteFile(path, []byte("tampered content here"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	outcome, err := service.Verify(ctx, path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome.Status != VerifyModified {
		t.Fatalf("status = %s, want modified", outcome.Status)
	}

	restored, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(restored) != "over the wire" {
		t.Fatalf("content after restore = %q", restored)
	}
}
