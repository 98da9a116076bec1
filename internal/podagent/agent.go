// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package podagent implements the pod-side agent of §4.7: acquire a
// workload-identity token, generate an ephemeral keypair, register with
// the coordinator, bring a userspace tunnel up on the assigned address,
// and apply the peer-subscription stream to the engine until shutdown.
//
// It follows the teacher's internal/agent server-process idiom (config
// load, dependency construction, graceful shutdown via signal.Notify
// plus a timeout context — see cmd/cilo-agent), generalized from the
// kernel-wg-shelling agent to a userspace engine and relay-subscription
// consumer.
package podagent

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/loomworks/loom/internal/coordclient"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/mux"
	"github.com/loomworks/loom/internal/wgkey"
)

// Agent runs one pod's tunnel lifecycle.
type Agent struct {
	cfg      *Config
	identity IdentitySource

	mu     sync.Mutex
	priv   *wgkey.Private
	client *coordclient.Client
	mux    *mux.Multiplexer
	engine *engine.Engine
}

// New builds an Agent from cfg, reading its workload-identity token from
// cfg.WorkloadTokenPath unless identity is supplied (tests inject a fake
// IdentitySource here).
func New(cfg *Config, identity IdentitySource) *Agent {
	if identity == nil {
		identity = FileIdentitySource{Path: cfg.WorkloadTokenPath}
	}
	return &Agent{cfg: cfg, identity: identity}
}

// Run acquires identity, registers, brings the tunnel up, and then
// consumes the peer-subscription stream until ctx is cancelled. On
// return (any reason) the engine and multiplexer are closed and the
// ephemeral private key is released, per §4.7's shutdown contract.
func (a *Agent) Run(ctx context.Context) error {
	priv, err := wgkey.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate pod keypair: %w", err)
	}
	a.mu.Lock()
	a.priv = priv
	a.mu.Unlock()
	defer priv.Release()

	token, err := a.identity.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire workload identity: %w", err)
	}
	client := coordclient.New(a.cfg.ServerURL, token)
	a.client = client

	relayMap, err := client.DERPMap(ctx)
	if err != nil {
		return fmt.Errorf("fetch relay map: %w", err)
	}

	homeRegion, err := chooseHomeRegion(ctx, *relayMap, priv.Public(), a.cfg.ProbeTimeout)
	if err != nil {
		return fmt.Errorf("choose home region: %w", err)
	}

	reg, err := client.RegisterPod(ctx, coordclient.RegisterPodRequest{
		PodID:      a.cfg.PodID,
		PublicKey:  priv.Public().String(),
		HomeRegion: homeRegion,
	})
	if err != nil {
		return fmt.Errorf("register pod: %w", err)
	}

	relays, err := relayConfigsFromMap(*relayMap)
	if err != nil {
		return err
	}

	m, err := mux.New(ctx, mux.Config{
		LocalKey:   priv.Public(),
		HomeRegion: homeRegion,
		Relays:     relays,
	})
	if err != nil {
		return fmt.Errorf("build multiplexer: %w", err)
	}
	a.mu.Lock()
	a.mux = m
	a.mu.Unlock()
	defer m.Close()

	eng, err := engine.New(engine.Config{
		PreferredName: "loom",
		PrivateKey:    priv,
		Bind:          m,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	a.mu.Lock()
	a.engine = eng
	a.mu.Unlock()
	defer eng.Close()

	if err := eng.BindAddress(reg.AssignedAddress + "/128"); err != nil {
		return err
	}
	if err := eng.Up(); err != nil {
		return err
	}

	go a.logEvents(eng.Events())

	return a.consumePeers(ctx)
}

// logEvents drains the engine's diagnostic event stream until it closes,
// per §4.4 ("stream packet events for diagnostics").
func (a *Agent) logEvents(events <-chan engine.Event) {
	for ev := range events {
		log.Printf("podagent: engine event kind=%s peer=%s detail=%s", ev.Kind, ev.Peer, ev.Detail)
	}
}

// consumePeers opens the peer-subscription stream and applies every
// add/remove record to the engine until ctx is cancelled or the stream
// ends (§4.7 "open the peer-subscription channel, and apply every
// add/remove to the engine").
func (a *Agent) consumePeers(ctx context.Context) error {
	recs, errs := a.client.StreamPeers(ctx, a.cfg.PodID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			return err
		case rec, ok := <-recs:
			if !ok {
				return nil
			}
			if err := a.applyPeerRecord(rec); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) applyPeerRecord(rec coordclient.PeerRecord) error {
	peer, err := wgkey.ParsePublic(rec.Peer.PublicKey)
	if err != nil {
		return fmt.Errorf("parse peer public key: %w", err)
	}

	switch rec.Action {
	case coordclient.PeerActionAdd:
		allowed, err := singleHostIPNet(rec.Peer.AllowedAddress)
		if err != nil {
			return err
		}
		if err := a.engine.AddPeer(engine.PeerConfig{
			PublicKey:  peer,
			AllowedIPs: []net.IPNet{allowed},
		}); err != nil {
			return err
		}
		go a.awaitHandshake(peer)
		return nil
	case coordclient.PeerActionRemove:
		return a.engine.RemovePeer(peer)
	default:
		return fmt.Errorf("unknown peer-subscription action %q", rec.Action)
	}
}

// awaitHandshake logs a diagnostic if peer fails to complete a
// handshake within cfg.HandshakeTimeout. It never blocks the
// subscription loop: a slow or offline device is the device's problem,
// not the pod's.
func (a *Agent) awaitHandshake(peer wgkey.Public) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HandshakeTimeout)
	defer cancel()
	if err := a.engine.AwaitHandshake(ctx, peer); err != nil {
		log.Printf("podagent: handshake with %s not established within %s: %v", peer, a.cfg.HandshakeTimeout, err)
	}
}

func singleHostIPNet(addr string) (net.IPNet, error) {
	host, _, err := net.ParseCIDR(addr)
	if err == nil {
		bits := 32
		if host.To4() == nil {
			bits = 128
		}
		return net.IPNet{IP: host, Mask: net.CIDRMask(bits, bits)}, nil
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return net.IPNet{}, fmt.Errorf("invalid peer address %q", addr)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// relayConfigsFromMap mirrors deviceagent's flattening of a relay map
// into the multiplexer's RelayConfig list (§4.3 treats a region as one
// logical relay).
func relayConfigsFromMap(m coordclient.RelayMap) ([]mux.RelayConfig, error) {
	var out []mux.RelayConfig
	for code, region := range m.Regions {
		if region == nil || len(region.Nodes) == 0 {
			continue
		}
		node := region.Nodes[0]
		out = append(out, mux.RelayConfig{
			Region: code,
			Addr:   net.JoinHostPort(node.IPv4, strconv.Itoa(node.Port)),
		})
	}
	return out, nil
}
