// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomworks/loom/internal/coordinator/api"
	"github.com/loomworks/loom/internal/coordinator/config"
	"github.com/loomworks/loom/internal/coordinator/ipalloc"
	"github.com/loomworks/loom/internal/coordinator/push"
	"github.com/loomworks/loom/internal/coordinator/relaymap"
	"github.com/loomworks/loom/internal/coordinator/store"
)

const relayMapRefreshInterval = 5 * time.Minute

// pushBufferSize is the per-pod peer-subscription channel depth handed
// to push.NewHub.
const pushBufferSize = 64

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.Connect(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer st.Close()

	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Println("Database migrations completed successfully")

	pods, err := ipalloc.New(cfg.WG.IPPrefix, st)
	if err != nil {
		return fmt.Errorf("failed to build ip allocator: %w", err)
	}

	relays := relaymap.NewSource(cfg.WG.DERPMapURL, cfg.WG.DERPOverlayFile, relayMapRefreshInterval)
	relayCtx, stopRelays := context.WithCancel(context.Background())
	defer stopRelays()
	go func() {
		if err := relays.Run(relayCtx); err != nil && relayCtx.Err() == nil {
			log.Printf("relay map source stopped: %v", err)
		}
	}()

	hub := push.NewHub(pushBufferSize)
	auth := api.NewBcryptTokenAuthenticator()

	srv := api.NewServer(cfg, api.Deps{
		Store:     st,
		PodAlloc:  pods,
		DevAlloc:  pods,
		Relays:    relays,
		Hub:       hub,
		Users:     auth,
		Workloads: auth,
	})

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("Starting coordinator on %s", cfg.Server.ListenAddr)
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		log.Printf("Received signal %v, starting graceful shutdown", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		log.Println("Coordinator stopped gracefully")
	}

	return nil
}
