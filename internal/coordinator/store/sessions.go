// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/loomworks/loom/internal/wgerr"
)

// InsertSessionIfAbsent inserts s unless the (device id, pod id) pair
// already has a session, in which case the existing session is returned
// unchanged. This is the §3 "(device id, pod id) is unique — a repeated
// request returns the existing session" optimistic insert-if-absent
// compare called out in §5 (`ON CONFLICT DO NOTHING` + re-select), used
// instead of a row lock because there is no pre-existing row to lock
// until the first writer wins the conflict.
func (s *Store) InsertSessionIfAbsent(ctx context.Context, sess *Session) (existing *Session, created bool, err error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO wg_sessions (id, device_id, pod_id, device_address, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id, pod_id) DO NOTHING
	`, sess.ID, sess.DeviceID, sess.PodID, sess.DeviceAddress, sess.CreatedAt)
	if err != nil {
		return nil, false, wgerr.New(wgerr.Transport, fmt.Errorf("insert session: %w", err))
	}

	if tag.RowsAffected() == 1 {
		return sess, true, nil
	}

	got, err := s.GetSessionByPair(ctx, sess.DeviceID, sess.PodID)
	if err != nil {
		return nil, false, err
	}
	return got, false, nil
}

// GetSessionByPair retrieves the session tying deviceID to podID, if any.
func (s *Store) GetSessionByPair(ctx context.Context, deviceID, podID string) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, device_id, pod_id, device_address, created_at, last_handshake_at
		FROM wg_sessions WHERE device_id = $1 AND pod_id = $2
	`, deviceID, podID).Scan(&sess.ID, &sess.DeviceID, &sess.PodID, &sess.DeviceAddress, &sess.CreatedAt, &sess.LastHandshakeAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wgerr.New(wgerr.NotFound, fmt.Errorf("no session for device %s / pod %s", deviceID, podID))
	}
	if err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("get session: %w", err))
	}
	return &sess, nil
}

// GetSession retrieves a session by id, scoped to the owning device's
// user (so callers cannot fetch another user's session by guessing an
// id).
func (s *Store) GetSession(ctx context.Context, userID, id string) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT s.id, s.device_id, s.pod_id, s.device_address, s.created_at, s.last_handshake_at
		FROM wg_sessions s
		JOIN wg_devices d ON d.id = s.device_id
		WHERE s.id = $1 AND d.user_id = $2
	`, id, userID).Scan(&sess.ID, &sess.DeviceID, &sess.PodID, &sess.DeviceAddress, &sess.CreatedAt, &sess.LastHandshakeAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wgerr.New(wgerr.NotFound, fmt.Errorf("session %s not found", id))
	}
	if err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("get session: %w", err))
	}
	return &sess, nil
}

// ListSessions returns every session belonging to userID's devices.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.device_id, s.pod_id, s.device_address, s.created_at, s.last_handshake_at
		FROM wg_sessions s
		JOIN wg_devices d ON d.id = s.device_id
		WHERE d.user_id = $1
		ORDER BY s.created_at DESC
	`, userID)
	if err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("list sessions: %w", err))
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.DeviceID, &sess.PodID, &sess.DeviceAddress, &sess.CreatedAt, &sess.LastHandshakeAt); err != nil {
			return nil, wgerr.New(wgerr.Transport, fmt.Errorf("scan session: %w", err))
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// PodPeer is the subset of a session a pod needs to add an engine peer:
// the bound device's public key and its allocated overlay address.
type PodPeer struct {
	DevicePublicKey string
	DeviceAddress   string
}

// ListPodPeers returns the currently-bound device peers for podID, used
// to bootstrap a peer-subscription stream on open (§4.5: "sends an add
// record for every currently-bound session when the stream opens").
func (s *Store) ListPodPeers(ctx context.Context, podID string) ([]PodPeer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.public_key, s.device_address
		FROM wg_sessions s
		JOIN wg_devices d ON d.id = s.device_id
		WHERE s.pod_id = $1
	`, podID)
	if err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("list pod peers: %w", err))
	}
	defer rows.Close()

	var peers []PodPeer
	for rows.Next() {
		var p PodPeer
		if err := rows.Scan(&p.DevicePublicKey, &p.DeviceAddress); err != nil {
			return nil, wgerr.New(wgerr.Transport, fmt.Errorf("scan pod peer: %w", err))
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// ListSessionsForPod returns every session currently bound to podID.
func (s *Store) ListSessionsForPod(ctx context.Context, podID string) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, pod_id, device_address, created_at, last_handshake_at
		FROM wg_sessions WHERE pod_id = $1
	`, podID)
	if err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("list pod sessions: %w", err))
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.DeviceID, &sess.PodID, &sess.DeviceAddress, &sess.CreatedAt, &sess.LastHandshakeAt); err != nil {
			return nil, wgerr.New(wgerr.Transport, fmt.Errorf("scan pod session: %w", err))
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session by id, scoped to userID, returning the
// device address that was freed so the caller can release it via
// ipalloc.
func (s *Store) DeleteSession(ctx context.Context, userID, id string) (*Session, error) {
	sess, err := s.GetSession(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM wg_sessions WHERE id = $1`, id); err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("delete session: %w", err))
	}
	return sess, nil
}

// RecordHandshake updates a session's last-handshake timestamp.
func (s *Store) RecordHandshake(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE wg_sessions SET last_handshake_at = now() WHERE id = $1`, id)
	if err != nil {
		return wgerr.New(wgerr.Transport, fmt.Errorf("record handshake for session %s: %w", id, err))
	}
	return nil
}
