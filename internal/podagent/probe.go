// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package podagent

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/loomworks/loom/internal/coordclient"
	"github.com/loomworks/loom/internal/relay"
	"github.com/loomworks/loom/internal/wgkey"
)

var errNoReachableRegion = errors.New("no relay region answered the RTT probe")

// chooseHomeRegion measures the TLS-handshake round-trip to the first
// node of every candidate region and returns the lowest-RTT region's
// code (§4.7: "chosen home region (lowest measured round-trip-time
// among candidates)"). A region whose probe fails or times out is
// skipped rather than failing registration outright.
func chooseHomeRegion(ctx context.Context, m coordclient.RelayMap, localKey wgkey.Public, timeout time.Duration) (int, error) {
	type result struct {
		region int
		rtt    time.Duration
		ok     bool
	}

	results := make(chan result, len(m.Regions))
	for code, region := range m.Regions {
		code, region := code, region
		go func() {
			if region == nil || len(region.Nodes) == 0 {
				results <- result{region: code}
				return
			}
			node := region.Nodes[0]
			addr := net.JoinHostPort(node.IPv4, strconv.Itoa(node.Port))

			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			client, err := relay.Dial(probeCtx, relay.Config{Addr: addr, LocalKey: localKey})
			if err != nil {
				results <- result{region: code}
				return
			}
			rtt := time.Since(start)
			_ = client.Close()
			results <- result{region: code, rtt: rtt, ok: true}
		}()
	}

	best := -1
	var bestRTT time.Duration
	for range m.Regions {
		r := <-results
		if !r.ok {
			continue
		}
		if best == -1 || r.rtt < bestRTT {
			best = r.region
			bestRTT = r.rtt
		}
	}
	if best == -1 {
		return 0, errNoReachableRegion
	}
	return best, nil
}
