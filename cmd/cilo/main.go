// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package main

import (
	"context"
	"log"
	"os"

	"github.com/loomworks/loom/internal/cli"
	"github.com/loomworks/loom/internal/deviceagent"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == deviceagent.SessionDaemonFlag {
		runSessionDaemon()
		return
	}

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

// runSessionDaemon is the body of the re-exec'd background process
// started by (*deviceagent.Agent).StartSessionDaemon: it never reaches
// cobra's flag parsing, reading its configuration from the environment
// variables the parent set instead.
func runSessionDaemon() {
	cfg := deviceagent.Config{
		CoordinatorURL: os.Getenv(deviceagent.EnvCoordinatorURL),
		UserToken:      os.Getenv(deviceagent.EnvDeviceToken),
		DeviceID:       os.Getenv(deviceagent.EnvDeviceID),
	}
	podID := os.Getenv(deviceagent.EnvSessionPodID)

	if err := deviceagent.RunSessionDaemon(context.Background(), cfg, podID); err != nil {
		log.Fatalf("session daemon for pod %s exited with error: %v", podID, err)
	}
}
