// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package store

import (
	"context"
	"fmt"
	"net"

	"github.com/loomworks/loom/internal/coordinator/ipalloc"
	"github.com/loomworks/loom/internal/wgerr"
)

// Store implements ipalloc.Reserver by persisting allocations in
// wg_ip_allocations, so a held address survives a coordinator restart.
var _ ipalloc.Reserver = (*Store)(nil)

// TryReserve implements ipalloc.Reserver using the insert-if-absent
// compare described in §5 ("IP allocations are serialized globally ...
// backed by the same transactional insert-if-absent pattern at the
// storage layer"). A previously-released address (released_at set) is
// re-reservable.
func (s *Store) TryReserve(ctx context.Context, addr net.IP, kind ipalloc.Kind, ownerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO wg_ip_allocations (address, kind, owner_id, allocated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (address) DO UPDATE SET
			kind = EXCLUDED.kind,
			owner_id = EXCLUDED.owner_id,
			allocated_at = now(),
			released_at = NULL
		WHERE wg_ip_allocations.released_at IS NOT NULL
	`, addr.String(), string(kind), ownerID)
	if err != nil {
		return false, wgerr.New(wgerr.Transport, fmt.Errorf("reserve address %s: %w", addr, err))
	}
	return tag.RowsAffected() == 1, nil
}

// Release implements ipalloc.Reserver; idempotent per §4.5.
func (s *Store) Release(ctx context.Context, addr net.IP) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE wg_ip_allocations SET released_at = now()
		WHERE address = $1 AND released_at IS NULL
	`, addr.String())
	if err != nil {
		return wgerr.New(wgerr.Transport, fmt.Errorf("release address %s: %w", addr, err))
	}
	return nil
}
