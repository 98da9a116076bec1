// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package mux

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"

	"github.com/loomworks/loom/internal/wgerr"
)

// DefaultSTUNServers is the ordered list of public STUN endpoints probed by
// DiscoverPublicAddr; the first to answer wins (§4.3).
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// DiscoverPublicAddr performs a standard STUN binding request against each
// server in order, returning the first publicly-reachable address learned.
func DiscoverPublicAddr(servers []string, timeout time.Duration) (*net.UDPAddr, error) {
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}

	var lastErr error
	for _, server := range servers {
		addr, err := probeSTUNServer(server, timeout)
		if err == nil {
			return addr, nil
		}
		lastErr = err
	}
	return nil, wgerr.New(wgerr.Transport, fmt.Errorf("stun discovery exhausted %d servers: %w", len(servers), lastErr))
}

func probeSTUNServer(server string, timeout time.Duration) (*net.UDPAddr, error) {
	conn, err := net.DialTimeout("udp4", server, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial stun server %s: %w", server, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("build binding request: %w", err)
	}
	if _, err := conn.Write(msg.Raw); err != nil {
		return nil, fmt.Errorf("write binding request to %s: %w", server, err)
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read binding response from %s: %w", server, err)
	}

	res := &stun.Message{Raw: append([]byte{}, buf[:n]...)}
	if err := res.Decode(); err != nil {
		return nil, fmt.Errorf("decode stun response from %s: %w", server, err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err != nil {
		var mappedAddr stun.MappedAddress
		if err2 := mappedAddr.GetFrom(res); err2 != nil {
			return nil, fmt.Errorf("no mapped address in stun response from %s: %w", server, err)
		}
		return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
	}

	return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
}
