// Command syncserver runs the sync engine's server half: the HTTP API
// described in §6, backed by Postgres, plus the background tombstone
// janitor (§4.I invariant 4). Grounded on the teacher's cmd/sshthing
// main.go for the flat os.Args/os.Getenv wiring style — this server
// has no TUI, so there is no bubbletea program to start, only an
// http.Server to run until signalled.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aurora-mail/sync-engine/internal/server/auth"
	"github.com/aurora-mail/sync-engine/internal/server/db"
	"github.com/aurora-mail/sync-engine/internal/server/httpapi"
	"github.com/aurora-mail/sync-engine/internal/server/syncservice"
)

var version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "version") {
		fmt.Printf("syncserver %s\n", version)
		return
	}

	if err := run(); err != nil {
		log.Error().Err(err).Msg("syncserver exited with error")
		os.Exit(1)
	}
}

func run() error {
	databaseURL := os.Getenv("AURORA_SYNC_DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("syncserver: AURORA_SYNC_DATABASE_URL is required")
	}
	hs256Secret := os.Getenv("AURORA_SYNC_JWT_SECRET")
	if hs256Secret == "" {
		return fmt.Errorf("syncserver: AURORA_SYNC_JWT_SECRET is required")
	}
	addr := os.Getenv("AURORA_SYNC_LISTEN_ADDR")
	if addr == "" {
		addr = ":8443"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Open(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	syncSvc := syncservice.New(pool)
	go syncSvc.RunJanitor(ctx, 1*time.Hour)

	server := &httpapi.Server{
		DB:   pool,
		Sync: syncSvc,
		AuthCfg: auth.Config{
			HS256Secret: hs256Secret,
			Issuer:      "aurora-mail-sync",
		},
	}

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("syncserver listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
