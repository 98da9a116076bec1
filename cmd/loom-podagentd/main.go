// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/loomworks/loom/internal/podagent"
)

func main() {
	cfg := podagent.Load()
	if cfg.ServerURL == "" || cfg.PodID == "" {
		log.Fatal("LOOM_SERVER_URL and LOOM_POD_ID are required")
	}

	a := podagent.New(cfg, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Starting loom-podagentd for pod %s against %s", cfg.PodID, cfg.ServerURL)
	if err := a.Run(ctx); err != nil {
		log.Fatalf("pod agent exited with error: %v", err)
	}
	log.Println("Pod agent stopped gracefully")
}
