// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/cloud"
	"github.com/loomworks/loom/internal/deviceagent"
)

// deviceIDFilePath returns the path of the file that persists the stable
// device identifier the tunnel/ssh/wg commands present to the coordinator
// as CreateDeviceRequest.DeviceID, separate from the per-device WireGuard
// key in wgkey.ConfigDir().
func deviceIDFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".cilo", "wg-device-id"), nil
}

// loadOrCreateDeviceID returns this machine's persisted device id,
// generating and saving one on first use (the same generate-once,
// persist-to-disk shape as cloud.SaveAuth/LoadAuth).
func loadOrCreateDeviceID() (string, error) {
	path, err := deviceIDFilePath()
	if err != nil {
		return "", err
	}

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("write device id file: %w", err)
	}
	return id, nil
}

// loadDeviceAgentConfig assembles a deviceagent.Config from the saved
// cloud login (server URL, bearer token) and this machine's device id.
func loadDeviceAgentConfig() (deviceagent.Config, error) {
	auth, err := cloud.LoadAuth()
	if err != nil {
		return deviceagent.Config{}, fmt.Errorf("not logged in: %w", err)
	}

	deviceID, err := loadOrCreateDeviceID()
	if err != nil {
		return deviceagent.Config{}, err
	}

	return deviceagent.Config{
		CoordinatorURL: auth.Server,
		UserToken:      auth.APIKey,
		DeviceID:       deviceID,
	}, nil
}
