// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

// darklock-guard is the tamper-evidence agent. It protects files and
// folders, watches them for changes, responds per policy, and keeps a
// hash-chained audit log of everything it sees and does.
//
// Usage:
//
//	darklock-guard [flags] run
//	darklock-guard [flags] protect PATH [--mode MODE]
//	darklock-guard [flags] unprotect PATH
//	darklock-guard [flags] verify [PATH]
//	darklock-guard [flags] mode PATH --mode MODE
//	darklock-guard [flags] seal PATH
//	darklock-guard [flags] unseal PATH [--for DURATION]
//	darklock-guard [flags] restore PATH [--version N]
//	darklock-guard [flags] versions PATH
//	darklock-guard [flags] status
//	darklock-guard [flags] events [--limit N]
//	darklock-guard [flags] audit
//	darklock-guard [flags] manifest create [--description TEXT]
//	darklock-guard [flags] manifest verify [HASH]
//	darklock-guard [flags] rotate
//
// By default the agent obtains keys from a running darklock-broker over
// its unix socket. With --standalone it embeds the broker instead,
// which also enables master key rotation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/broker"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/config"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/guard"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/guardipc"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/manifest"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/policy"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/securestore"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("darklock-guard", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the configuration file (default: $DARKLOCK_CONFIG)")
	standalone := flags.Bool("standalone", false, "embed the key broker instead of connecting to a running one")
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	logger := cfg.Logging.NewLogger(os.Stderr)

	remaining := flags.Args()
	if len(remaining) == 0 {
		return fmt.Errorf("command required (run, protect, unprotect, verify, mode, seal, unseal, restore, versions, status, events, audit, manifest, rotate)")
	}
	verb := remaining[0]
	remaining = remaining[1:]

	service, err := openService(cfg, logger, *standalone)
	if err != nil {
		return err
	}
	defer service.Close()

	ctx := context.Background()
	switch verb {
	case "run":
		return runDaemon(ctx, service, logger)
	case "protect":
		return protect(ctx, service, remaining)
	case "unprotect":
		return unprotect(ctx, service, remaining)
	case "verify":
		return verify(ctx, service, remaining)
	case "mode":
		return setMode(ctx, service, remaining)
	case "seal":
		return seal(ctx, service, remaining)
	case "unseal":
		return unseal(ctx, service, remaining)
	case "restore":
		return restoreVersion(ctx, service, remaining)
	case "versions":
		return listVersions(ctx, service, remaining)
	case "status":
		return printStatus(ctx, service)
	case "events":
		return printEvents(service, remaining)
	case "audit":
		return auditChain(ctx, service)
	case "manifest":
		return manifestCommand(ctx, service, remaining)
	case "rotate":
		return rotate(ctx, service)
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

// openService wires a guard service over the configured key source:
// an embedded broker in standalone mode, the broker socket otherwise.
func openService(cfg *config.Config, logger *slog.Logger, standalone bool) (*guard.Service, error) {
	source, err := openKeySource(cfg, logger, standalone)
	if err != nil {
		return nil, err
	}
	service, err := guard.Open(guard.Config{
		DataDir:            cfg.Paths.Data,
		KeySource:          source,
		DefaultMode:        cfg.Guard.Mode(),
		DebounceWindow:     cfg.Guard.Debounce(),
		VerifyInterval:     cfg.Guard.Verify(),
		CheckpointInterval: cfg.Guard.CheckpointInterval,
		MaxBackupVersions:  cfg.Guard.MaxBackupVersions,
		AutoRelock:         cfg.Guard.Relock(),
		Exclusions:         cfg.Guard.Exclusions,
		Silent:             cfg.Guard.Silent,
		Logger:             logger,
	})
	if err != nil {
		source.Close()
		return nil, err
	}
	return service, nil
}

func openKeySource(cfg *config.Config, logger *slog.Logger, standalone bool) (guard.KeySource, error) {
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	if standalone {
		store, err := securestore.Open(cfg.Paths.Secrets, logger)
		if err != nil {
			return nil, err
		}
		keyBroker, err := broker.Open(store, nil, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		return guard.NewLocalKeySource(keyBroker), nil
	}

	store, err := securestore.Open(cfg.Paths.Secrets, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	ipcSecret, err := store.Get("ipc_secret")
	if err != nil {
		return nil, fmt.Errorf("no shared secret; has the broker ever run? (%w)", err)
	}
	defer ipcSecret.Close()

	client, err := guardipc.Connect(guardipc.ClientConfig{
		SocketPath:     cfg.Broker.SocketPath,
		Secret:         ipcSecret.Bytes(),
		RequestTimeout: cfg.Broker.Timeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to broker at %s: %w", cfg.Broker.SocketPath, err)
	}
	return guard.NewIPCKeySource(client), nil
}

func runDaemon(ctx context.Context, service *guard.Service, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := service.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("shutting down")
	return service.Stop()
}

func protect(ctx context.Context, service *guard.Service, args []string) error {
	flags := pflag.NewFlagSet("protect", pflag.ContinueOnError)
	mode := flags.String("mode", "", "protection mode: monitor_only, alert, auto_restore, or sealed")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("protect: exactly one path required")
	}

	item, err := service.Protect(ctx, flags.Arg(0), policy.Mode(*mode))
	if err != nil {
		return err
	}
	fmt.Printf("protected %s (%s, mode %s)\n", item.Path, item.Type, item.Mode)
	return nil
}

func unprotect(ctx context.Context, service *guard.Service, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("unprotect: exactly one path required")
	}
	if err := service.Unprotect(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("unprotected %s\n", args[0])
	return nil
}

func verify(ctx context.Context, service *guard.Service, args []string) error {
	var outcomes []guard.VerifyOutcome
	switch len(args) {
	case 0:
		all, err := service.VerifyAll(ctx)
		if err != nil {
			return err
		}
		outcomes = all
	case 1:
		outcome, err := service.Verify(ctx, args[0])
		if err != nil {
			return err
		}
		outcomes = append(outcomes, outcome)
	default:
		return fmt.Errorf("verify: at most one path")
	}

	deviations := 0
	for _, outcome := range outcomes {
		line := fmt.Sprintf("%-10s %s", outcome.Status, outcome.Path)
		if outcome.Action != "" {
			line += fmt.Sprintf(" (%s)", outcome.Action)
		}
		fmt.Println(line)
		if outcome.Status != guard.VerifyUnchanged {
			deviations++
		}
	}
	if deviations > 0 {
		return fmt.Errorf("%d of %d items deviated from the baseline", deviations, len(outcomes))
	}
	return nil
}

func setMode(ctx context.Context, service *guard.Service, args []string) error {
	flags := pflag.NewFlagSet("mode", pflag.ContinueOnError)
	mode := flags.String("mode", "", "new protection mode")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 || *mode == "" {
		return fmt.Errorf("mode: a path and --mode are required")
	}

	if err := service.SetMode(ctx, flags.Arg(0), policy.Mode(*mode)); err != nil {
		return err
	}
	fmt.Printf("mode of %s set to %s\n", flags.Arg(0), *mode)
	return nil
}

func seal(ctx context.Context, service *guard.Service, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("seal: exactly one path required")
	}
	if err := service.Seal(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("sealed %s\n", args[0])
	return nil
}

func unseal(ctx context.Context, service *guard.Service, args []string) error {
	flags := pflag.NewFlagSet("unseal", pflag.ContinueOnError)
	window := flags.Duration("for", 0, "reseal automatically after this long (default: guard.auto_relock)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("unseal: exactly one path required")
	}

	if err := service.Unseal(ctx, flags.Arg(0), *window); err != nil {
		return err
	}
	fmt.Printf("unsealed %s\n", flags.Arg(0))
	return nil
}

func restoreVersion(ctx context.Context, service *guard.Service, args []string) error {
	flags := pflag.NewFlagSet("restore", pflag.ContinueOnError)
	version := flags.Int("version", 0, "backup version to restore (default: newest)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("restore: exactly one path required")
	}

	if err := service.Restore(ctx, flags.Arg(0), *version); err != nil {
		return err
	}
	fmt.Printf("restored %s\n", flags.Arg(0))
	return nil
}

func listVersions(ctx context.Context, service *guard.Service, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("versions: exactly one path required")
	}
	versions, err := service.Versions(ctx, args[0])
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Println("no backups")
		return nil
	}
	for _, v := range versions {
		fmt.Printf("v%d  %s  %d bytes  %s\n",
			v.Version, v.BackupTime.Format(time.RFC3339), v.Size, v.Hash[:16])
	}
	return nil
}

func printStatus(ctx context.Context, service *guard.Service) error {
	status, err := service.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("protected items: %d (%d files, %d folders, %d sealed)\n",
		status.Baseline.TotalItems, status.Baseline.Files,
		status.Baseline.Folders, status.Baseline.Locked)
	fmt.Printf("audit events:    %d\n", status.ChainLength)
	fmt.Printf("manifests:       %d\n", status.ManifestCount)
	return nil
}

func printEvents(service *guard.Service, args []string) error {
	flags := pflag.NewFlagSet("events", pflag.ContinueOnError)
	limit := flags.Int("limit", 20, "number of recent events to show")
	if err := flags.Parse(args); err != nil {
		return err
	}

	for _, event := range service.Events(*limit) {
		fmt.Printf("%6d  %-28s %-20s", event.Sequence, event.Timestamp, event.Type)
		if path, ok := event.Payload["path"].(string); ok {
			fmt.Printf(" %s", path)
		}
		fmt.Println()
	}
	return nil
}

func auditChain(ctx context.Context, service *guard.Service) error {
	result, err := service.VerifyChain(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("integrity: %s (%d events checked)\n", result.Integrity, result.CheckedEvents)
	if !result.Valid {
		return fmt.Errorf("audit chain failed verification at event %d: %s",
			result.FirstInvalid, result.Detail)
	}
	return nil
}

func manifestCommand(ctx context.Context, service *guard.Service, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("manifest: subcommand required (create, verify)")
	}
	switch args[0] {
	case "create":
		return manifestCreate(ctx, service, args[1:])
	case "verify":
		return manifestVerify(ctx, service, args[1:])
	default:
		return fmt.Errorf("manifest: unknown subcommand %q", args[0])
	}
}

func manifestCreate(ctx context.Context, service *guard.Service, args []string) error {
	flags := pflag.NewFlagSet("manifest create", pflag.ContinueOnError)
	description := flags.String("description", "", "free-form note stored in the manifest")
	if err := flags.Parse(args); err != nil {
		return err
	}

	contentHash, err := service.CreateManifest(ctx, *description)
	if err != nil {
		return err
	}
	fmt.Printf("manifest created: %s\n", contentHash)
	return nil
}

func manifestVerify(ctx context.Context, service *guard.Service, args []string) error {
	contentHash := ""
	if len(args) > 0 {
		contentHash = args[0]
	}

	result, err := service.VerifyManifest(ctx, contentHash)
	if err != nil {
		return err
	}
	fmt.Printf("status: %s\n", result.Status)
	for _, entry := range result.Entries {
		if entry.Status != manifest.EntryUnchanged {
			fmt.Printf("  %-20s %s\n", entry.Status, entry.Path)
		}
	}
	if result.Status != manifest.StatusValid {
		return fmt.Errorf("manifest verification failed")
	}
	return nil
}

func rotate(ctx context.Context, service *guard.Service) error {
	version, err := service.RotateKeys(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("master key rotated to version %d\n", version)
	return nil
}
