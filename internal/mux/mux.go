// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package mux implements the connection multiplexer described in §4.3: a
// single UDP socket plus a set of live relay clients, unified behind one
// send/recv surface keyed by peer public key rather than raw address. It
// implements golang.zx2c4.com/wireguard/conn.Bind directly so the data-plane
// engine (internal/engine) can hand it to device.NewDevice unmodified.
package mux

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/conn"

	"github.com/loomworks/loom/internal/relay"
	"github.com/loomworks/loom/internal/wgerr"
	"github.com/loomworks/loom/internal/wgkey"
)

// directRetryWindow is how long a peer stays on "direct" after its last
// successful direct send, per §4.3 step (1)(b), before a failed send falls
// back to relay instead of being retried a second time.
const directRetryWindow = 15 * time.Second

// RelayConfig describes one relay node the multiplexer may dial.
type RelayConfig struct {
	Region    int
	Addr      string
	ServerKey wgkey.Public
}

// Config configures a Multiplexer.
type Config struct {
	LocalKey        wgkey.Public
	HomeRegion      int
	Relays          []RelayConfig
	TLSConfig       *tls.Config
	UpgradeInterval time.Duration // default 30s, per §4.3
	Logger          func(format string, args ...any)
}

func (c Config) withDefaults() Config {
	if c.UpgradeInterval <= 0 {
		c.UpgradeInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = func(string, ...any) {}
	}
	return c
}

type peerState struct {
	mu sync.Mutex

	directAddr        *net.UDPAddr
	usingRelay        bool
	relayRegion       int
	hasRelayRegion    bool
	lastDirectSuccess time.Time
	probeAddrs        []*net.UDPAddr
}

var _ conn.Bind = (*Multiplexer)(nil)

// Multiplexer is a conn.Bind that routes each peer's traffic over direct
// UDP or a relay region according to the policy in §4.3.
type Multiplexer struct {
	cfg Config

	udpConn *net.UDPConn

	relaysMu sync.RWMutex
	relays   map[int]*relay.Client

	peersMu sync.Mutex
	peers   map[wgkey.Public]*peerState

	// addrToPeer maps a confirmed direct address back to the peer it
	// belongs to. Populated only from successful probe round-trips
	// (§4.3), never inferred from unsolicited datagrams.
	addrToPeerMu sync.RWMutex
	addrToPeer   map[string]wgkey.Public
	probeByAddr  map[string]wgkey.Public

	recvCh chan recvItem

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

type recvItem struct {
	buf []byte
	ep  *endpoint
}

// New builds a Multiplexer and dials every configured relay, including the
// home region. It does not yet open the UDP socket; that happens in Open,
// per conn.Bind's contract.
func New(ctx context.Context, cfg Config) (*Multiplexer, error) {
	cfg = cfg.withDefaults()

	mctx, cancel := context.WithCancel(ctx)
	m := &Multiplexer{
		cfg:         cfg,
		relays:      make(map[int]*relay.Client),
		peers:       make(map[wgkey.Public]*peerState),
		addrToPeer:  make(map[string]wgkey.Public),
		probeByAddr: make(map[string]wgkey.Public),
		recvCh:      make(chan recvItem, 256),
		ctx:         mctx,
		cancel:      cancel,
	}

	for _, rc := range cfg.Relays {
		client, err := relay.Dial(ctx, relay.Config{
			Addr:      rc.Addr,
			LocalKey:  cfg.LocalKey,
			TLSConfig: cfg.TLSConfig,
		})
		if err != nil {
			cancel()
			return nil, wgerr.WithContext(wgerr.Transport, fmt.Sprintf("relay(region=%d)", rc.Region), err)
		}
		m.relays[rc.Region] = client
		region := rc.Region
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := client.Run(mctx); err != nil && mctx.Err() == nil {
				cfg.Logger("relay region=%d run loop exited: %v", region, err)
			}
		}()
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.relayFanIn(client, region)
		}()
	}

	return m, nil
}

func (m *Multiplexer) peerStateFor(peer wgkey.Public) *peerState {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	st, ok := m.peers[peer]
	if !ok {
		st = &peerState{}
		m.peers[peer] = st
	}
	return st
}

// AddPeer registers a peer's home relay region, used when no direct or
// per-peer relay region is yet known.
func (m *Multiplexer) AddPeer(peer wgkey.Public, homeRegion int) {
	st := m.peerStateFor(peer)
	st.mu.Lock()
	st.relayRegion = homeRegion
	st.hasRelayRegion = true
	st.usingRelay = true
	st.mu.Unlock()
}

// RemovePeer drops a peer's tracked endpoint state.
func (m *Multiplexer) RemovePeer(peer wgkey.Public) {
	m.peersMu.Lock()
	delete(m.peers, peer)
	m.peersMu.Unlock()
}

// --- conn.Bind ---

// Open implements conn.Bind: it opens the UDP socket and starts the
// background pumps. Safe to call once per device lifecycle.
func (m *Multiplexer) Open(port uint16) ([]conn.ReceiveFunc, uint16, error) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, 0, wgerr.New(wgerr.Transport, fmt.Errorf("open udp socket: %w", err))
	}
	m.udpConn = udpConn

	m.wg.Add(1)
	go m.udpReadLoop()
	m.wg.Add(1)
	go m.upgradeLoop()

	actual := udpConn.LocalAddr().(*net.UDPAddr).Port
	return []conn.ReceiveFunc{m.receiveFunc}, uint16(actual), nil
}

// Close implements conn.Bind.
func (m *Multiplexer) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.cancel()
		if m.udpConn != nil {
			err = m.udpConn.Close()
		}
		m.relaysMu.RLock()
		for _, c := range m.relays {
			c.Close()
		}
		m.relaysMu.RUnlock()
		m.wg.Wait()
		close(m.recvCh)
	})
	return err
}

// SetMark implements conn.Bind. Firewall marks are a Linux socket-routing
// concern the agent does not need: the overlay never shares a routing
// table with other traffic classes, so this is a no-op.
func (m *Multiplexer) SetMark(mark uint32) error { return nil }

// BatchSize implements conn.Bind.
func (m *Multiplexer) BatchSize() int { return 1 }

// ParseEndpoint implements conn.Bind.
func (m *Multiplexer) ParseEndpoint(s string) (conn.Endpoint, error) {
	return parseEndpoint(wgkey.Public{}, s)
}

// Send implements conn.Bind, applying the §4.3 path policy per buffer.
func (m *Multiplexer) Send(bufs [][]byte, ep conn.Endpoint) error {
	e, ok := ep.(*endpoint)
	if !ok {
		return wgerr.New(wgerr.Malformed, fmt.Errorf("mux: unrecognized endpoint type %T", ep))
	}
	for _, b := range bufs {
		if err := m.sendOne(e.peer, b); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multiplexer) sendOne(peer wgkey.Public, payload []byte) error {
	st := m.peerStateFor(peer)

	st.mu.Lock()
	addr := st.directAddr
	tryDirect := addr != nil && (!st.usingRelay || time.Since(st.lastDirectSuccess) < directRetryWindow)
	st.mu.Unlock()

	if tryDirect {
		if _, err := m.udpConn.WriteToUDP(payload, addr); err == nil {
			st.mu.Lock()
			st.lastDirectSuccess = time.Now()
			st.usingRelay = false
			st.mu.Unlock()
			return nil
		}
	}

	st.mu.Lock()
	region, hasRegion := st.relayRegion, st.hasRelayRegion
	st.mu.Unlock()

	if hasRegion {
		if err := m.sendViaRelay(region, peer, payload); err == nil {
			return nil
		}
	}

	if err := m.sendViaRelay(m.cfg.HomeRegion, peer, payload); err == nil {
		return nil
	}

	return wgerr.New(wgerr.PathUnreachable, fmt.Errorf("no path to peer %s", peer))
}

func (m *Multiplexer) sendViaRelay(region int, peer wgkey.Public, payload []byte) error {
	m.relaysMu.RLock()
	client, ok := m.relays[region]
	m.relaysMu.RUnlock()
	if !ok {
		return wgerr.WithContext(wgerr.PathUnreachable, fmt.Sprintf("relay(region=%d)", region), fmt.Errorf("no client for region"))
	}
	return client.Send(m.ctx, peer, payload)
}

// --- receive path ---

func (m *Multiplexer) receiveFunc(bufs [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
	item, ok := <-m.recvCh
	if !ok {
		return 0, net.ErrClosed
	}
	n := copy(bufs[0], item.buf)
	sizes[0] = n
	eps[0] = item.ep
	return 1, nil
}

func (m *Multiplexer) udpReadLoop() {
	defer m.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, addr, err := m.udpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		if n == probeLen && (buf[0] == probeMagicPing || buf[0] == probeMagicAck) {
			m.handleProbeDatagram(buf[:n], addr)
			continue
		}

		peer, known := m.resolveDirectAddr(addr)
		if !known {
			continue // §4.3: direct addresses are only promoted via a confirmed probe
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		st := m.peerStateFor(peer)
		st.mu.Lock()
		st.directAddr = addr
		st.usingRelay = false
		st.lastDirectSuccess = time.Now()
		st.mu.Unlock()

		select {
		case m.recvCh <- recvItem{buf: payload, ep: directEndpoint(peer, addr)}:
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Multiplexer) resolveDirectAddr(addr *net.UDPAddr) (wgkey.Public, bool) {
	key := addr.String()
	m.addrToPeerMu.RLock()
	peer, ok := m.addrToPeer[key]
	m.addrToPeerMu.RUnlock()
	return peer, ok
}

// promoteDirect records addr as peer's confirmed direct endpoint, per the
// successful-round-trip case in §4.3's upgrade loop.
func (m *Multiplexer) promoteDirect(peer wgkey.Public, addr *net.UDPAddr) {
	m.addrToPeerMu.Lock()
	m.addrToPeer[addr.String()] = peer
	m.addrToPeerMu.Unlock()

	st := m.peerStateFor(peer)
	st.mu.Lock()
	st.directAddr = addr
	st.usingRelay = false
	st.lastDirectSuccess = time.Now()
	st.mu.Unlock()
}

func (m *Multiplexer) relayFanIn(client *relay.Client, region int) {
	defer m.wg.Done()
	for {
		select {
		case pkt, ok := <-client.Inbound():
			if !ok {
				return
			}
			select {
			case m.recvCh <- recvItem{buf: pkt.Payload, ep: relayEndpoint(pkt.Source, region)}:
			case <-m.ctx.Done():
				return
			}
		case <-m.ctx.Done():
			return
		}
	}
}
