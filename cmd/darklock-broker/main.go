// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

// darklock-broker is the secret broker daemon. It holds the root
// secrets, answers capability-token and key requests from guard agents
// over a unix socket, and manages recovery-key escrow.
//
// Usage:
//
//	darklock-broker [flags] serve
//	darklock-broker [flags] status
//	darklock-broker [flags] shutdown
//	darklock-broker [flags] escrow keygen --identity-out FILE
//	darklock-broker [flags] escrow export [--output FILE] [--recipient KEY]...
//	darklock-broker [flags] escrow import --bundle FILE --identity FILE
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/broker"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/config"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/guardipc"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/secret"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/securestore"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("darklock-broker", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the configuration file (default: $DARKLOCK_CONFIG)")
	socketPath := flags.String("socket", "", "override the broker socket path")
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *socketPath != "" {
		cfg.Broker.SocketPath = *socketPath
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	logger := cfg.Logging.NewLogger(os.Stderr)

	remaining := flags.Args()
	verb := "serve"
	if len(remaining) > 0 {
		verb = remaining[0]
		remaining = remaining[1:]
	}

	switch verb {
	case "serve":
		return serve(cfg, logger)
	case "status":
		return status(cfg)
	case "shutdown":
		return shutdown(cfg)
	case "escrow":
		return escrow(cfg, logger, remaining)
	default:
		return fmt.Errorf("unknown command %q", verb)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// openStoreAndBroker opens the secure store and the broker over it.
// Both are created on first use, so this works on a fresh install.
func openStoreAndBroker(cfg *config.Config, logger *slog.Logger) (*securestore.Store, *broker.Broker, error) {
	if err := cfg.EnsurePaths(); err != nil {
		return nil, nil, err
	}
	store, err := securestore.Open(cfg.Paths.Secrets, logger)
	if err != nil {
		return nil, nil, err
	}
	keyBroker, err := broker.Open(store, nil, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, keyBroker, nil
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	store, keyBroker, err := openStoreAndBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	defer keyBroker.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := guardipc.NewServer(guardipc.ServerConfig{
		SocketPath: cfg.Broker.SocketPath,
		Broker:     keyBroker,
		OnShutdown: stop,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	served := make(chan error, 1)
	go func() { served <- server.Serve() }()

	logger.Info("broker running", "socket", cfg.Broker.SocketPath)
	<-ctx.Done()
	logger.Info("shutting down")

	if err := server.Close(); err != nil {
		return err
	}
	return <-served
}

// connect dials the running broker with the shared secret from the
// secure store.
func connect(cfg *config.Config) (*guardipc.Client, error) {
	store, err := securestore.Open(cfg.Paths.Secrets, nil)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	ipcSecret, err := store.Get("ipc_secret")
	if err != nil {
		return nil, fmt.Errorf("no shared secret; has the broker ever run? (%w)", err)
	}
	defer ipcSecret.Close()

	return guardipc.Connect(guardipc.ClientConfig{
		SocketPath:     cfg.Broker.SocketPath,
		Secret:         ipcSecret.Bytes(),
		RequestTimeout: cfg.Broker.Timeout(),
	})
}

func status(cfg *config.Config) error {
	client, err := connect(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	state, err := client.Status()
	if err != nil {
		return err
	}
	fmt.Printf("key version:        %d\n", state.KeyVersion)
	fmt.Printf("outstanding tokens: %d\n", state.OutstandingTokens)
	fmt.Printf("started:            %s\n", time.Unix(state.StartedAt, 0).Format(time.RFC3339))
	return nil
}

func shutdown(cfg *config.Config) error {
	client, err := connect(cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Shutdown()
}

func escrow(cfg *config.Config, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("escrow: subcommand required (keygen, export, import)")
	}
	switch args[0] {
	case "keygen":
		return escrowKeygen(args[1:])
	case "export":
		return escrowExport(cfg, logger, args[1:])
	case "import":
		return escrowImport(cfg, logger, args[1:])
	default:
		return fmt.Errorf("escrow: unknown subcommand %q", args[0])
	}
}

func escrowKeygen(args []string) error {
	flags := pflag.NewFlagSet("escrow keygen", pflag.ContinueOnError)
	identityOut := flags.String("identity-out", "", "file to write the private identity to (mode 0600)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *identityOut == "" {
		return fmt.Errorf("escrow keygen: --identity-out is required")
	}

	identity, publicKey, err := securestore.GenerateEscrowIdentity()
	if err != nil {
		return err
	}
	defer identity.Close()

	if err := os.WriteFile(*identityOut, identity.Bytes(), 0o600); err != nil {
		return fmt.Errorf("escrow keygen: writing identity: %w", err)
	}
	fmt.Printf("public key: %s\n", publicKey)
	fmt.Printf("identity written to %s; store it offline\n", *identityOut)
	return nil
}

func escrowExport(cfg *config.Config, logger *slog.Logger, args []string) error {
	flags := pflag.NewFlagSet("escrow export", pflag.ContinueOnError)
	output := flags.String("output", "", "file to write the bundle to (default: stdout)")
	recipients := flags.StringArray("recipient", nil, "age recipient public key (repeatable; default: escrow.recipients from config)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	keys := *recipients
	if len(keys) == 0 {
		keys = cfg.Escrow.Recipients
	}
	if len(keys) == 0 {
		return fmt.Errorf("escrow export: no recipients; pass --recipient or set escrow.recipients")
	}

	store, keyBroker, err := openStoreAndBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	defer keyBroker.Close()

	bundle, err := store.ExportEscrow(broker.RootSecretNames, keys)
	if err != nil {
		return err
	}

	if *output == "" {
		fmt.Println(bundle)
		return nil
	}
	if err := os.WriteFile(*output, []byte(bundle+"\n"), 0o600); err != nil {
		return fmt.Errorf("escrow export: writing bundle: %w", err)
	}
	fmt.Printf("escrow bundle written to %s\n", *output)
	return nil
}

func escrowImport(cfg *config.Config, logger *slog.Logger, args []string) error {
	flags := pflag.NewFlagSet("escrow import", pflag.ContinueOnError)
	bundlePath := flags.String("bundle", "", "file containing the escrow bundle")
	identityPath := flags.String("identity", "", "file containing the age identity")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *bundlePath == "" || *identityPath == "" {
		return fmt.Errorf("escrow import: --bundle and --identity are required")
	}

	bundleData, err := os.ReadFile(*bundlePath)
	if err != nil {
		return fmt.Errorf("escrow import: reading bundle: %w", err)
	}
	identityData, err := os.ReadFile(*identityPath)
	if err != nil {
		return fmt.Errorf("escrow import: reading identity: %w", err)
	}
	identity, err := secret.NewFromBytes([]byte(strings.TrimSpace(string(identityData))))
	if err != nil {
		return err
	}
	defer identity.Close()

	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	store, err := securestore.Open(cfg.Paths.Secrets, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ImportEscrow(strings.TrimSpace(string(bundleData)), identity); err != nil {
		return err
	}
	fmt.Println("escrow bundle imported")
	return nil
}
