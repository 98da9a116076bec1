// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package store

import "time"

// Device is the persistent §3 "Device record".
type Device struct {
	ID             string     `json:"id"`
	UserID         string     `json:"-"`
	PublicKey      string     `json:"public_key"`
	Name           string     `json:"name"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"-"`
	RevokedAt      *time.Time `json:"-"`
}

// Valid reports whether the device has not been revoked, per §3 ("valid
// iff it has no revocation time").
func (d *Device) Valid() bool {
	return d.RevokedAt == nil
}

// PodRegistration is the ephemeral §3 "Pod registration".
type PodRegistration struct {
	PodID          string    `json:"pod_id"`
	PublicKey      string    `json:"public_key"`
	Address        string    `json:"address"`
	HomeRegion     int       `json:"home_region"`
	LastEndpoint   string    `json:"last_endpoint,omitempty"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// Session is the persistent §3 "Session".
type Session struct {
	ID              string     `json:"session_id"`
	DeviceID        string     `json:"device_id"`
	PodID           string     `json:"pod_id"`
	DeviceAddress   string     `json:"client_address"`
	CreatedAt       time.Time  `json:"created_at"`
	LastHandshakeAt *time.Time `json:"last_handshake_at,omitempty"`
}
