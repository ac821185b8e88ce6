// Command syncengine runs the client-side sync daemon: it loads the
// local replica store, rebuilds the key ring from the master password
// in AURORA_SYNC_MASTER_PASSWORD and the cached user_salt, and drives the background scheduler until
// signalled. Grounded on the teacher's cmd/sshthing main.go for the
// flat os.Args/os.Getenv wiring style, minus the TUI program — this
// binary is meant to run headless alongside the mail client, not be
// driven interactively (that is synctool's job).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aurora-mail/sync-engine/internal/apiclient"
	"github.com/aurora-mail/sync-engine/internal/authtoken"
	"github.com/aurora-mail/sync-engine/internal/config"
	"github.com/aurora-mail/sync-engine/internal/crypto"
	"github.com/aurora-mail/sync-engine/internal/journal"
	"github.com/aurora-mail/sync-engine/internal/netmonitor"
	"github.com/aurora-mail/sync-engine/internal/queue"
	"github.com/aurora-mail/sync-engine/internal/reconcile"
	"github.com/aurora-mail/sync-engine/internal/scheduler"
	"github.com/aurora-mail/sync-engine/internal/securestore"
	"github.com/aurora-mail/sync-engine/internal/store"
)

var version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "version") {
		fmt.Printf("syncengine %s\n", version)
		return
	}

	if err := run(); err != nil {
		log.Error().Err(err).Msg("syncengine exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("syncengine: load config: %w", err)
	}
	if !cfg.Enabled {
		log.Info().Msg("sync is disabled in config, exiting")
		return nil
	}

	password := os.Getenv("AURORA_SYNC_MASTER_PASSWORD")
	if password == "" {
		return fmt.Errorf("syncengine: AURORA_SYNC_MASTER_PASSWORD is required to unlock the key ring")
	}
	salt, err := securestore.GetUserSalt()
	if err != nil {
		return fmt.Errorf("syncengine: load user salt (run synctool login first): %w", err)
	}

	keys, err := crypto.NewKeyRing(password, salt)
	if err != nil {
		return fmt.Errorf("syncengine: derive key ring: %w", err)
	}
	defer keys.Close()

	dbPath, err := store.DBPath()
	if err != nil {
		return fmt.Errorf("syncengine: resolve db path: %w", err)
	}
	replicaKey, err := keys.ReplicaDBKey()
	if err != nil {
		return fmt.Errorf("syncengine: derive replica db key: %w", err)
	}
	replicaStore, err := store.Open(dbPath, replicaKey)
	if err != nil {
		return fmt.Errorf("syncengine: open replica store: %w", err)
	}
	defer replicaStore.Close()

	j, err := journal.Open(replicaStore.DB())
	if err != nil {
		return fmt.Errorf("syncengine: open journal: %w", err)
	}
	q, err := queue.Open(replicaStore.DB())
	if err != nil {
		return fmt.Errorf("syncengine: open queue: %w", err)
	}

	tokens, err := authtoken.NewStore()
	if err != nil {
		return fmt.Errorf("syncengine: open token store: %w", err)
	}

	baseURL := os.Getenv("AURORA_SYNC_SERVER_URL")
	if baseURL == "" {
		baseURL = "https://sync.aurora-mail.example"
	}
	api := apiclient.New(baseURL, tokens)

	engine := &reconcile.Engine{
		Store:    replicaStore,
		Journal:  j,
		Queue:    q,
		API:      api,
		Keys:     keys,
		DeviceID: cfg.DeviceID,
	}

	monitor := netmonitor.NewDialMonitor(baseURL)
	sched := scheduler.New(engine, cfg, monitor)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)
	log.Info().Str("device_id", cfg.DeviceID).Dur("interval", time.Duration(cfg.IntervalMinutes)*time.Minute).Msg("syncengine started")

	<-ctx.Done()
	sched.Stop()
	return nil
}
