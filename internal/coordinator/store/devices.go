// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loomworks/loom/internal/wgerr"
)

// CreateDevice inserts a new device record. Conflict maps to a Conflict
// category error per §6 ("409 on key reuse").
func (s *Store) CreateDevice(ctx context.Context, d *Device) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO wg_devices (id, user_id, public_key, name, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, d.ID, d.UserID, d.PublicKey, d.Name, d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return wgerr.New(wgerr.Conflict, fmt.Errorf("device public key already registered"))
		}
		return wgerr.New(wgerr.Transport, fmt.Errorf("insert device: %w", err))
	}
	return nil
}

// GetDeviceByPublicKey looks up a device by its public key regardless of
// owner, used by device enrollment to detect reuse before inserting
// (§6 "duplicate enrollment": same user is idempotent, different user
// conflicts).
func (s *Store) GetDeviceByPublicKey(ctx context.Context, publicKey string) (*Device, error) {
	var d Device
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, public_key, name, created_at, last_activity_at, revoked_at
		FROM wg_devices
		WHERE public_key = $1
	`, publicKey).Scan(&d.ID, &d.UserID, &d.PublicKey, &d.Name, &d.CreatedAt, &d.LastActivityAt, &d.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wgerr.New(wgerr.NotFound, fmt.Errorf("no device with that public key"))
	}
	if err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("get device by public key: %w", err))
	}
	return &d, nil
}

// GetDevice retrieves a device by id, owned by userID.
func (s *Store) GetDevice(ctx context.Context, userID, id string) (*Device, error) {
	var d Device
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, public_key, name, created_at, last_activity_at, revoked_at
		FROM wg_devices
		WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&d.ID, &d.UserID, &d.PublicKey, &d.Name, &d.CreatedAt, &d.LastActivityAt, &d.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wgerr.New(wgerr.NotFound, fmt.Errorf("device %s not found", id))
	}
	if err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("get device: %w", err))
	}
	return &d, nil
}

// ListDevices returns every non-revoked device for userID, per §4.5
// ("Listing returns all non-revoked devices for the caller").
func (s *Store) ListDevices(ctx context.Context, userID string) ([]*Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, public_key, name, created_at, last_activity_at, revoked_at
		FROM wg_devices
		WHERE user_id = $1 AND revoked_at IS NULL
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("list devices: %w", err))
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.PublicKey, &d.Name, &d.CreatedAt, &d.LastActivityAt, &d.RevokedAt); err != nil {
			return nil, wgerr.New(wgerr.Transport, fmt.Errorf("scan device: %w", err))
		}
		devices = append(devices, &d)
	}
	return devices, rows.Err()
}

// RevokedSession describes a session that RevokeDevice tore down, so the
// caller can push a peer-remove for its pod.
type RevokedSession struct {
	PodID           string
	DeviceAddress   string
	DevicePublicKey string
}

// RevokeDevice marks a device revoked and deletes every session that
// references it, all within one transaction serialized by a row lock on
// the device (§5: "a single writer per row ... via SELECT ... FOR
// UPDATE"). It returns the sessions that were torn down so the caller can
// push a peer-remove to each affected pod and release the freed
// addresses.
func (s *Store) RevokeDevice(ctx context.Context, userID, id string) ([]RevokedSession, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("begin revoke transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	var revokedAt *time.Time
	var publicKey string
	err = tx.QueryRow(ctx, `
		SELECT revoked_at, public_key FROM wg_devices WHERE id = $1 AND user_id = $2 FOR UPDATE
	`, id, userID).Scan(&revokedAt, &publicKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wgerr.New(wgerr.NotFound, fmt.Errorf("device %s not found", id))
	}
	if err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("lock device row: %w", err))
	}
	if revokedAt != nil {
		return nil, nil // already revoked: idempotent no-op
	}

	if _, err := tx.Exec(ctx, `UPDATE wg_devices SET revoked_at = now() WHERE id = $1`, id); err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("mark device revoked: %w", err))
	}

	rows, err := tx.Query(ctx, `
		SELECT pod_id, device_address FROM wg_sessions WHERE device_id = $1
	`, id)
	if err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("list device sessions: %w", err))
	}
	var closed []RevokedSession
	for rows.Next() {
		rs := RevokedSession{DevicePublicKey: publicKey}
		if err := rows.Scan(&rs.PodID, &rs.DeviceAddress); err != nil {
			rows.Close()
			return nil, wgerr.New(wgerr.Transport, fmt.Errorf("scan revoked session: %w", err))
		}
		closed = append(closed, rs)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("iterate revoked sessions: %w", err))
	}

	if _, err := tx.Exec(ctx, `DELETE FROM wg_sessions WHERE device_id = $1`, id); err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("delete device sessions: %w", err))
	}
	if _, err := tx.Exec(ctx, `INSERT INTO wg_revocations (device_id, reason) VALUES ($1, $2)`, id, "device_revoked"); err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("write revocation log: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("commit revoke transaction: %w", err))
	}
	return closed, nil
}
