// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package engine wraps a userspace WireGuard device (§4.4): TUN creation,
// address configuration, peer lifecycle, handshake-await, and a
// packet-event stream for diagnostics. It is platform-independent; TUN
// creation, address assignment and interface-up live in interface_linux.go
// and interface_darwin.go. No OS routes are installed for peers' allowed
// addresses.
package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/loomworks/loom/internal/mux"
	"github.com/loomworks/loom/internal/wgerr"
	"github.com/loomworks/loom/internal/wgkey"
)

const defaultMTU = 1420

// EventKind identifies the kind of diagnostic event streamed from an
// Engine, per §4.4 "stream packet events for diagnostics".
type EventKind string

const (
	EventHandshakeComplete EventKind = "handshake_complete"
	EventPeerRemoved       EventKind = "peer_removed"
	EventInterfaceDown     EventKind = "interface_down"
)

// Event is one diagnostic event.
type Event struct {
	Kind   EventKind
	Peer   wgkey.Public
	Detail string
	At     time.Time
}

// PeerConfig describes a peer to add to the device.
type PeerConfig struct {
	PublicKey           wgkey.Public
	Endpoint            string // literal host:port or mux's relay:// form
	AllowedIPs          []net.IPNet
	PersistentKeepalive time.Duration
}

// Config configures a new Engine.
type Config struct {
	PreferredName string
	PrivateKey    *wgkey.Private
	Bind          *mux.Multiplexer
	ListenPort    uint16
}

// Engine owns one userspace WireGuard device bound to one TUN interface.
type Engine struct {
	dev       *device.Device
	tunDevice tun.Device
	ifaceName string

	eventsMu sync.Mutex
	events   chan Event
}

// New creates the TUN interface, brings up a userspace WireGuard device
// bound to cfg.Bind, and sets its private key and listen port.
func New(cfg Config) (*Engine, error) {
	tunDev, ifaceName, err := createTUN(cfg.PreferredName, defaultMTU)
	if err != nil {
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("create tun device: %w", err))
	}

	logger := device.NewLogger(device.LogLevelError, fmt.Sprintf("(loom-wg %s) ", ifaceName))
	dev := device.NewDevice(tunDev, cfg.Bind, logger)

	e := &Engine{
		dev:       dev,
		tunDevice: tunDev,
		ifaceName: ifaceName,
		events:    make(chan Event, 64),
	}

	priv := cfg.PrivateKey.Bytes()
	uapi := fmt.Sprintf("private_key=%s\n", hex.EncodeToString(priv[:]))
	if cfg.ListenPort != 0 {
		uapi += fmt.Sprintf("listen_port=%d\n", cfg.ListenPort)
	}
	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return nil, wgerr.New(wgerr.Transport, fmt.Errorf("configure device: %w", err))
	}

	return e, nil
}

// InterfaceName returns the kernel-visible name of the TUN interface
// (e.g. "loom0" on Linux, "utun7" on macOS — the kernel chooses the
// suffix there).
func (e *Engine) InterfaceName() string {
	return e.ifaceName
}

// BindAddress assigns cidr (e.g. "fd7a:115c:a1e0::1/48") to the TUN
// interface.
func (e *Engine) BindAddress(cidr string) error {
	if err := addAddress(e.ifaceName, cidr); err != nil {
		return wgerr.New(wgerr.Transport, fmt.Errorf("bind address %s: %w", cidr, err))
	}
	return nil
}

// AddPeer adds or replaces a peer, restricting its allowed source
// addresses to cfg.AllowedIPs; wireguard-go itself drops any decrypted
// packet whose source falls outside a peer's allowed-ips, so the engine
// does not need to re-check this in the data path.
func (e *Engine) AddPeer(cfg PeerConfig) error {
	if err := e.dev.IpcSet(buildPeerUAPI(cfg)); err != nil {
		return wgerr.New(wgerr.Transport, fmt.Errorf("add peer %s: %w", cfg.PublicKey, err))
	}
	return nil
}

// buildPeerUAPI renders cfg as a UAPI "set" stanza for device.IpcSet.
func buildPeerUAPI(cfg PeerConfig) string {
	var b strings.Builder
	pub := cfg.PublicKey
	fmt.Fprintf(&b, "public_key=%s\n", hex.EncodeToString(pub[:]))
	if cfg.Endpoint != "" {
		fmt.Fprintf(&b, "endpoint=%s\n", cfg.Endpoint)
	}
	b.WriteString("replace_allowed_ips=true\n")
	for _, ipNet := range cfg.AllowedIPs {
		fmt.Fprintf(&b, "allowed_ip=%s\n", ipNet.String())
	}
	if cfg.PersistentKeepalive > 0 {
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", int(cfg.PersistentKeepalive.Seconds()))
	}
	return b.String()
}

// RemovePeer removes a peer by public key.
func (e *Engine) RemovePeer(peer wgkey.Public) error {
	uapi := fmt.Sprintf("public_key=%s\nremove=true\n", hex.EncodeToString(peer[:]))
	if err := e.dev.IpcSet(uapi); err != nil {
		return wgerr.New(wgerr.Transport, fmt.Errorf("remove peer %s: %w", peer, err))
	}
	e.emit(Event{Kind: EventPeerRemoved, Peer: peer, At: time.Now()})
	return nil
}

// Up brings the WireGuard device and its TUN interface up.
func (e *Engine) Up() error {
	if err := e.dev.Up(); err != nil {
		return wgerr.New(wgerr.Transport, fmt.Errorf("bring device up: %w", err))
	}
	return setInterfaceUp(e.ifaceName)
}

// Down brings the device down, zeroing its internal crypto state.
func (e *Engine) Down() error {
	e.dev.Down()
	e.emit(Event{Kind: EventInterfaceDown, At: time.Now()})
	return nil
}

// Close tears down the device and its TUN interface.
func (e *Engine) Close() error {
	e.dev.Close()
	return e.tunDevice.Close()
}

// AwaitHandshake blocks until peer completes a handshake or ctx expires,
// polling the device's UAPI state since wireguard-go exposes no push
// notification for this.
func (e *Engine) AwaitHandshake(ctx context.Context, peer wgkey.Public) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := e.hasHandshake(peer)
		if err != nil {
			return err
		}
		if ok {
			e.emit(Event{Kind: EventHandshakeComplete, Peer: peer, At: time.Now()})
			return nil
		}

		select {
		case <-ctx.Done():
			return wgerr.New(wgerr.Timeout, fmt.Errorf("no handshake with %s within deadline", peer))
		case <-ticker.C:
		}
	}
}

func (e *Engine) hasHandshake(peer wgkey.Public) (bool, error) {
	raw, err := e.dev.IpcGet()
	if err != nil {
		return false, wgerr.New(wgerr.Transport, fmt.Errorf("read device state: %w", err))
	}
	return parseHandshakeState(raw, peer), nil
}

// parseHandshakeState scans a UAPI "get" response for peer and reports
// whether it has a nonzero last_handshake_time_sec.
func parseHandshakeState(raw string, peer wgkey.Public) bool {
	target := hex.EncodeToString(peer[:])
	var inTargetPeer bool
	for _, line := range strings.Split(raw, "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		switch key {
		case "public_key":
			inTargetPeer = value == target
		case "last_handshake_time_sec":
			if inTargetPeer {
				sec, err := strconv.ParseInt(value, 10, 64)
				return err == nil && sec > 0
			}
		}
	}
	return false
}

// Events returns the diagnostic event stream.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		// Diagnostics are best-effort; a full channel means nobody is
		// listening, so drop rather than block the data path.
	}
}
