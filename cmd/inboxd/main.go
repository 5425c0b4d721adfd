package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"aim-chat/inbox-engine/internal/engineconfig"
	"aim-chat/inbox-engine/internal/events"
	"aim-chat/inbox-engine/internal/identity"
	"aim-chat/inbox-engine/internal/metrics"
	"aim-chat/inbox-engine/internal/platform/privacylog"
	"aim-chat/inbox-engine/internal/statemachine"
	"aim-chat/inbox-engine/internal/storage"
	"aim-chat/inbox-engine/internal/transport"

	backendapi "aim-chat/inbox-engine/internal/backend"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to inboxd.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for engine local data (optional)")
	networkBackend := flag.String("network-backend", "", "Network backend override: go-waku | mock")
	registerName := flag.String("register", "", "Register a new inbox with this display name instead of authorizing")
	flag.Parse()
	if *showVersion {
		fmt.Printf("inboxd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *networkBackend != "" {
		_ = os.Setenv("INBOX_NETWORK_BACKEND", *networkBackend)
	}
	if *dataDir != "" {
		_ = os.Setenv("INBOX_DATA_DIR", *dataDir)
	}

	cfg := engineconfig.LoadFromPath(*configPath)
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("inboxd failed to prepare data dir: %v", err)
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(logger)

	hub := events.NewHub(256)
	engineMetrics := metrics.New(prometheus.DefaultRegisterer)

	store, err := storage.Open(cfg.DataDir, hub)
	if err != nil {
		log.Fatalf("inboxd failed to open store: %v", err)
	}
	defer store.Close()

	dialer, err := transport.NewDialer(cfg.Network)
	if err != nil {
		log.Fatalf("inboxd failed to start transport: %v", err)
	}

	keystore := identity.NewKeystore(
		filepath.Join(cfg.DataDir, "identity.keystore"),
		os.Getenv("INBOX_KEYSTORE_PASSPHRASE"),
	)

	machine := statemachine.New(statemachine.Config{
		Log:      logger,
		Dialer:   dialer,
		API:      backendapi.NewClient(cfg.Backend),
		Store:    store,
		Keystore: keystore,
		Hub:      hub,
		Runtime:  statemachine.DefaultRuntime(logger, store, hub, engineMetrics),
	})
	// The machine outlives the signal context so the final stop action
	// can still drain after SIGINT.
	machine.Start(context.Background())
	defer machine.Close()

	if *registerName != "" {
		machine.Register(*registerName)
	} else {
		machine.Authorize()
	}

	logger.Info("inboxd starting", "network_backend", cfg.Network.Backend)
	<-ctx.Done()

	states, cancel := machine.Subscribe()
	machine.Stop()
	for state := range states {
		if state.Kind == statemachine.Uninitialized {
			break
		}
	}
	cancel()
	logger.Info("inboxd stopped")
}
