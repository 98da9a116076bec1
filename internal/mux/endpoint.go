// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package mux

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/loomworks/loom/internal/wgerr"
	"github.com/loomworks/loom/internal/wgkey"
)

// Path identifies which transport carried or will carry a packet.
type Path string

const (
	PathDirect Path = "direct"
	PathRelay  Path = "relay"
)

// endpoint is the Multiplexer's implementation of conn.Endpoint. Unlike the
// stock UDP bind, every endpoint value carries the remote peer's public key
// so that Send can apply the per-peer path policy in §4.3 rather than just
// firing bytes at whatever address the device last recorded.
type endpoint struct {
	peer wgkey.Public

	// direct is set when this endpoint represents a known (or probed)
	// direct UDP address. relayRegion is set (directAddr == nil) when it
	// represents the peer's current or home relay.
	directAddr  *net.UDPAddr
	relayRegion int
}

func directEndpoint(peer wgkey.Public, addr *net.UDPAddr) *endpoint {
	return &endpoint{peer: peer, directAddr: addr}
}

func relayEndpoint(peer wgkey.Public, region int) *endpoint {
	return &endpoint{peer: peer, relayRegion: region}
}

// path reports which transport this endpoint value represents, per the
// recv() contract in §4.3 ("yields ... path-used").
func (e *endpoint) path() Path {
	if e.directAddr != nil {
		return PathDirect
	}
	return PathRelay
}

func (e *endpoint) ClearSrc() {}

func (e *endpoint) SrcToString() string { return "" }

func (e *endpoint) SrcIP() netip.Addr { return netip.Addr{} }

func (e *endpoint) DstIP() netip.Addr {
	if e.directAddr == nil {
		return netip.Addr{}
	}
	a, _ := netip.AddrFromSlice(e.directAddr.IP)
	return a
}

func (e *endpoint) DstToBytes() []byte {
	if e.directAddr != nil {
		b := make([]byte, 0, len(e.directAddr.IP)+2)
		b = append(b, e.directAddr.IP...)
		b = append(b, byte(e.directAddr.Port>>8), byte(e.directAddr.Port))
		return b
	}
	b := make([]byte, 0, wgkey.PublicLen+4)
	b = append(b, byte(e.relayRegion>>24), byte(e.relayRegion>>16), byte(e.relayRegion>>8), byte(e.relayRegion))
	return append(b, e.peer.Bytes()...)
}

func (e *endpoint) DstToString() string {
	if e.directAddr != nil {
		return e.directAddr.String()
	}
	return fmt.Sprintf("relay://%d/%s", e.relayRegion, e.peer.String())
}

// parseEndpoint implements conn.Bind's ParseEndpoint: it accepts either a
// plain "host:port" direct address or a "relay://region/<base64 pubkey>"
// URL, the form the coordinator hands down for a peer's home relay before
// any direct path has been learned (§4.3, §4.5).
func parseEndpoint(peer wgkey.Public, s string) (*endpoint, error) {
	if strings.HasPrefix(s, "relay://") {
		rest := strings.TrimPrefix(s, "relay://")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return nil, wgerr.New(wgerr.Malformed, fmt.Errorf("malformed relay endpoint %q", s))
		}
		region, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, wgerr.New(wgerr.Malformed, fmt.Errorf("malformed relay region in %q: %w", s, err))
		}
		pub, err := wgkey.ParsePublic(parts[1])
		if err != nil {
			return nil, wgerr.New(wgerr.Malformed, fmt.Errorf("malformed relay peer key in %q: %w", s, err))
		}
		return relayEndpoint(pub, region), nil
	}

	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return nil, wgerr.New(wgerr.Malformed, fmt.Errorf("parse direct endpoint %q: %w", s, err))
	}
	return directEndpoint(peer, addr), nil
}
