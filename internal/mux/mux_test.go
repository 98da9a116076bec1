// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package mux

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/conn"

	"github.com/loomworks/loom/internal/wgerr"
	"github.com/loomworks/loom/internal/wgkey"
)

func newTestMultiplexer(t *testing.T) (*Multiplexer, *net.UDPAddr) {
	t.Helper()

	local, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	m, err := New(ctx, Config{LocalKey: local.Public(), HomeRegion: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	_, actualPort, err := m.Open(0)
	require.NoError(t, err)

	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(actualPort)}
	return m, addr
}

// TestDirectSendAndReceive verifies that once a peer's direct address is
// known, Send writes straight to the UDP socket and receiveFunc surfaces
// the decoded payload tagged with a direct endpoint.
func TestDirectSendAndReceive(t *testing.T) {
	m, mAddr := newTestMultiplexer(t)

	peer, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)

	// Simulate a remote peer with a plain UDP socket.
	peerConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer peerConn.Close()
	peerAddr := peerConn.LocalAddr().(*net.UDPAddr)

	m.promoteDirect(peer.Public(), peerAddr)

	require.NoError(t, m.Send([][]byte{[]byte("hello")}, directEndpoint(peer.Public(), peerAddr)))

	buf := make([]byte, 64)
	_ = peerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := peerConn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = peerConn.WriteToUDP([]byte("pong"), mAddr)
	require.NoError(t, err)

	bufs := [][]byte{make([]byte, 64)}
	sizes := make([]int, 1)
	eps := make([]conn.Endpoint, 1)
	_, err = m.receiveFunc(bufs, sizes, eps)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(bufs[0][:sizes[0]]))
	assert.Equal(t, peerAddr.String(), eps[0].DstToString())
}

// TestSendFailsWithNoPathWhenUnreachable verifies that a peer with no
// direct address and no relay client configured returns PathUnreachable
// rather than blocking or panicking.
func TestSendFailsWithNoPathWhenUnreachable(t *testing.T) {
	local, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := New(ctx, Config{LocalKey: local.Public(), HomeRegion: 7})
	require.NoError(t, err)
	defer m.Close()
	_, _, err = m.Open(0)
	require.NoError(t, err)

	peer, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)

	err = m.sendOne(peer.Public(), []byte("x"))
	assert.Error(t, err)
	we, ok := wgerr.As(err)
	require.True(t, ok)
	assert.Equal(t, wgerr.PathUnreachable, we.Category)
}

// TestProbePromotesPeerToDirect exercises the upgrade-loop round trip
// between two real Multiplexers on loopback: once B's probe ack reaches A,
// A's peer state should flip off the relay and onto the confirmed address.
func TestProbePromotesPeerToDirect(t *testing.T) {
	aKey, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)
	bKey, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, Config{LocalKey: aKey.Public(), HomeRegion: 0})
	require.NoError(t, err)
	defer a.Close()
	_, _, err = a.Open(0)
	require.NoError(t, err)

	b, err := New(ctx, Config{LocalKey: bKey.Public(), HomeRegion: 0})
	require.NoError(t, err)
	defer b.Close()
	_, bPort, err := b.Open(0)
	require.NoError(t, err)

	bAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(bPort)}

	a.AddPeer(bKey.Public(), 0)
	b.AddPeer(aKey.Public(), 0)

	a.RegisterCandidate(bKey.Public(), bAddr)
	a.probeRelayedPeers()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := a.peerStateFor(bKey.Public())
		st.mu.Lock()
		usingRelay := st.usingRelay
		st.mu.Unlock()
		if !usingRelay {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	st := a.peerStateFor(bKey.Public())
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.False(t, st.usingRelay)
	require.NotNil(t, st.directAddr)
	assert.Equal(t, bAddr.Port, st.directAddr.Port)
}
