// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package deviceagent

import "time"

// Config configures an Agent. CoordinatorURL and UserToken locate and
// authenticate to the coordinator (§4.6); DeviceID identifies this
// device's enrollment record.
type Config struct {
	CoordinatorURL string
	UserToken      string
	DeviceID       string

	// KeyEnvName and KeyPath locate the device private key via
	// wgkey.LoadPrivate's N_FILE / N / default-path precedence.
	KeyEnvName string
	KeyPath    string

	HandshakeTimeout time.Duration // §5(a), default 10s
	SSHBinary        string        // default "ssh"
}

func (c Config) withDefaults() Config {
	if c.KeyEnvName == "" {
		c.KeyEnvName = "LOOM_WG_PRIVATE_KEY"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SSHBinary == "" {
		c.SSHBinary = "ssh"
	}
	return c
}
