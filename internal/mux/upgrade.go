// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package mux

import (
	"net"
	"time"

	"github.com/loomworks/loom/internal/wgkey"
)

// Probe datagrams are a small extension outside the WireGuard wire format
// (whose first byte is always 1-4) used purely to let the upgrade loop
// learn "peer X is reachable at address A" without waiting on real traffic.
const (
	probeMagicPing byte = 0xf1
	probeMagicAck  byte = 0xf2
	probeLen            = 1 + wgkey.PublicLen
)

// RegisterCandidate adds addr as a direct-path candidate for peer, learned
// out-of-band (the coordinator's session push, or a STUN-discovered local
// address exchanged during session setup). The upgrade loop probes
// candidates periodically; it never promotes an address to "direct"
// without a confirmed round trip.
func (m *Multiplexer) RegisterCandidate(peer wgkey.Public, addr *net.UDPAddr) {
	st := m.peerStateFor(peer)
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, existing := range st.probeAddrs {
		if existing.String() == addr.String() {
			return
		}
	}
	st.probeAddrs = append(st.probeAddrs, addr)
}

func (m *Multiplexer) upgradeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.UpgradeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.probeRelayedPeers()
		}
	}
}

func (m *Multiplexer) probeRelayedPeers() {
	m.peersMu.Lock()
	candidates := make(map[wgkey.Public][]*net.UDPAddr, len(m.peers))
	for peer, st := range m.peers {
		st.mu.Lock()
		if st.usingRelay && len(st.probeAddrs) > 0 {
			addrs := make([]*net.UDPAddr, len(st.probeAddrs))
			copy(addrs, st.probeAddrs)
			candidates[peer] = addrs
		}
		st.mu.Unlock()
	}
	m.peersMu.Unlock()

	for peer, addrs := range candidates {
		for _, addr := range addrs {
			m.sendProbe(peer, addr)
		}
	}
}

func (m *Multiplexer) sendProbe(peer wgkey.Public, addr *net.UDPAddr) {
	m.addrToPeerMu.Lock()
	m.probeByAddr[addr.String()] = peer
	m.addrToPeerMu.Unlock()

	datagram := append([]byte{probeMagicPing}, m.cfg.LocalKey.Bytes()...)
	_, _ = m.udpConn.WriteToUDP(datagram, addr)
}

// handleProbeDatagram processes an inbound probe ping or ack. A ping is
// answered with an ack carrying our own key; either frame, once its
// claimed sender key matches an outstanding probe or a known peer,
// confirms the direct path and flips that peer off the relay (§4.3:
// "a successful round trip flips the peer to direct").
func (m *Multiplexer) handleProbeDatagram(buf []byte, addr *net.UDPAddr) {
	var sender wgkey.Public
	copy(sender[:], buf[1:])

	if buf[0] == probeMagicPing {
		ack := append([]byte{probeMagicAck}, m.cfg.LocalKey.Bytes()...)
		_, _ = m.udpConn.WriteToUDP(ack, addr)
	}

	m.peersMu.Lock()
	_, known := m.peers[sender]
	m.peersMu.Unlock()
	if !known {
		return
	}

	m.addrToPeerMu.Lock()
	delete(m.probeByAddr, addr.String())
	m.addrToPeerMu.Unlock()

	m.promoteDirect(sender, addr)
}
