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

// GetPodRegistration retrieves the live registration for podID.
func (s *Store) GetPodRegistration(ctx context.Context, podID string) (*PodRegistration, error) {
	var p PodRegistration
	err := s.pool.QueryRow(ctx, `
		SELECT pod_id, public_key, address, home_region, COALESCE(last_endpoint, ''), registered_at, last_seen_at
		FROM wg_pods WHERE pod_id = $1
	`, podID).Scan(&p.PodID, &p.PublicKey, &p.Address, &p.HomeRegion, &p.LastEndpoint, &p.RegisteredAt, &p.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wgerr.New(wgerr.NotFound, fmt.Errorf("no registration for pod %s", podID))
	}
	if err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("get pod registration: %w", err))
	}
	return &p, nil
}

// ReplacePodRegistration inserts or replaces podID's registration within
// a transaction, returning the sessions bound to any prior registration
// so the caller can push a deregister-all to their previous peers and
// release their addresses, per §4.5 ("If a registration already exists
// for the pod id, it is replaced and a deregister-all is pushed for its
// previous peers").
func (s *Store) ReplacePodRegistration(ctx context.Context, p *PodRegistration) ([]RevokedSession, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("begin pod registration transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT s.pod_id, s.device_address, d.public_key
		FROM wg_sessions s
		JOIN wg_devices d ON d.id = s.device_id
		WHERE s.pod_id = $1
	`, p.PodID)
	if err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("list prior pod sessions: %w", err))
	}
	var prior []RevokedSession
	for rows.Next() {
		var rs RevokedSession
		if err := rows.Scan(&rs.PodID, &rs.DeviceAddress, &rs.DevicePublicKey); err != nil {
			rows.Close()
			return nil, wgerr.New(wgerr.Transport, fmt.Errorf("scan prior pod session: %w", err))
		}
		prior = append(prior, rs)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("iterate prior pod sessions: %w", err))
	}

	if _, err := tx.Exec(ctx, `DELETE FROM wg_sessions WHERE pod_id = $1`, p.PodID); err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("clear prior pod sessions: %w", err))
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO wg_pods (pod_id, public_key, address, home_region, registered_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (pod_id) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			address = EXCLUDED.address,
			home_region = EXCLUDED.home_region,
			registered_at = EXCLUDED.registered_at,
			last_seen_at = EXCLUDED.last_seen_at,
			last_endpoint = NULL
	`, p.PodID, p.PublicKey, p.Address, p.HomeRegion, p.RegisteredAt)
	if err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("upsert pod registration: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("commit pod registration transaction: %w", err))
	}
	return prior, nil
}

// DeletePodRegistration purges podID's registration, per §3 ("when the
// pod terminates the record is purged").
func (s *Store) DeletePodRegistration(ctx context.Context, podID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM wg_pods WHERE pod_id = $1`, podID)
	if err != nil {
		return wgerr.New(wgerr.Transport, fmt.Errorf("delete pod registration: %w", err))
	}
	return nil
}

// TouchPodSeen updates a registration's last-seen timestamp and, if
// endpoint is non-empty, its last-known direct endpoint.
func (s *Store) TouchPodSeen(ctx context.Context, podID, endpoint string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE wg_pods SET last_seen_at = now(), last_endpoint = COALESCE(NULLIF($2, ''), last_endpoint)
		WHERE pod_id = $1
	`, podID, endpoint)
	if err != nil {
		return wgerr.New(wgerr.Transport, fmt.Errorf("touch pod %s: %w", podID, err))
	}
	return nil
}
