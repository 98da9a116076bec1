// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package ipalloc draws overlay addresses from disjoint pod/device
// sub-prefixes of a configured IPv6 prefix (§3 "Address allocation", §4.5
// "IP allocator").
package ipalloc

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/loomworks/loom/internal/wgerr"
)

// Kind distinguishes the two disjoint sub-prefixes per §3's invariant I3.
type Kind string

const (
	KindPod    Kind = "pod"
	KindDevice Kind = "device"
)

// podTag and deviceTag are the 16-bit sub-prefix tags carved out of the
// configured /48, giving each kind its own /64.
const (
	podTag    uint16 = 0x0001
	deviceTag uint16 = 0x0002
)

// defaultMaxHostID bounds sequential host-id search before an allocator
// reports ExhaustedPrefix; it is far below the /64 host space so it never
// binds in practice, and is overridable in tests via NewWithLimit.
const defaultMaxHostID = 1 << 20

// Reserver persists address ownership so allocations survive a restart
// and are safe under concurrent writers (§5: "an optimistic
// insert-if-absent compare ... is used ... to avoid double-allocation").
type Reserver interface {
	// TryReserve attempts to record addr as newly held by ownerID. It
	// reports whether the reservation was newly made; false means some
	// other owner (or the same owner previously) already holds addr.
	TryReserve(ctx context.Context, addr net.IP, kind Kind, ownerID string) (bool, error)
	// Release frees addr. Idempotent: releasing an address that is
	// already free is not an error.
	Release(ctx context.Context, addr net.IP) error
}

// Allocator draws addresses from a configured /48, handing pods and
// devices their own disjoint /64 sub-prefixes.
type Allocator struct {
	mu sync.Mutex

	podNet    *net.IPNet
	deviceNet *net.IPNet
	maxHostID uint64
	reserver  Reserver
}

// New builds an Allocator over prefix (expected to be a /48, e.g.
// "fd7a:115c:a1e0::/48" per §6's LOOM_WG_IP_PREFIX default).
func New(prefix string, reserver Reserver) (*Allocator, error) {
	return NewWithLimit(prefix, reserver, defaultMaxHostID)
}

// NewWithLimit is New with an explicit host-id search bound, so tests can
// exercise ExhaustedPrefix without allocating millions of addresses.
func NewWithLimit(prefix string, reserver Reserver, maxHostID uint64) (*Allocator, error) {
	_, base, err := net.ParseCIDR(prefix)
	if err != nil {
		return nil, wgerr.New(wgerr.Malformed, fmt.Errorf("parse ip prefix %s: %w", prefix, err))
	}
	ones, bits := base.Mask.Size()
	if bits != 128 || ones > 48 {
		return nil, wgerr.New(wgerr.Malformed, fmt.Errorf("ip prefix %s must be an IPv6 prefix of /48 or wider", prefix))
	}

	return &Allocator{
		podNet:    subPrefix(base, podTag),
		deviceNet: subPrefix(base, deviceTag),
		maxHostID: maxHostID,
		reserver:  reserver,
	}, nil
}

// subPrefix derives a /64 from base by writing tag into the 7th and 8th
// address bytes (the bits immediately below a /48).
func subPrefix(base *net.IPNet, tag uint16) *net.IPNet {
	ip := make(net.IP, net.IPv6len)
	copy(ip, base.IP.To16())
	binary.BigEndian.PutUint16(ip[6:8], tag)
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(64, 128)}
}

// Allocate reserves the next free address in kind's sub-prefix for
// ownerID, persisting the reservation via the configured Reserver. The
// allocator is a global critical section (§5): Allocate serializes all
// callers behind a single mutex so two concurrent requests never race on
// the same candidate address.
func (a *Allocator) Allocate(ctx context.Context, kind Kind, ownerID string) (net.IP, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	subnet := a.podNet
	if kind == KindDevice {
		subnet = a.deviceNet
	}

	for hostID := uint64(1); hostID <= a.maxHostID; hostID++ {
		addr := withHostID(subnet, hostID)
		ok, err := a.reserver.TryReserve(ctx, addr, kind, ownerID)
		if err != nil {
			return nil, wgerr.New(wgerr.Transport, fmt.Errorf("reserve address: %w", err))
		}
		if ok {
			return addr, nil
		}
	}

	return nil, wgerr.New(wgerr.ExhaustedPrefix, fmt.Errorf("no free %s address in %s", kind, subnet))
}

// Release frees addr. Idempotent per §4.5.
func (a *Allocator) Release(ctx context.Context, addr net.IP) error {
	if err := a.reserver.Release(ctx, addr); err != nil {
		return wgerr.New(wgerr.Transport, fmt.Errorf("release address %s: %w", addr, err))
	}
	return nil
}

// withHostID sets the low 64 bits of subnet's address to hostID.
func withHostID(subnet *net.IPNet, hostID uint64) net.IP {
	ip := make(net.IP, net.IPv6len)
	copy(ip, subnet.IP.To16())
	binary.BigEndian.PutUint64(ip[8:16], hostID)
	return ip
}
