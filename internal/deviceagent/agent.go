// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package deviceagent implements the CLI-side device agent operations of
// §4.6: enroll, session-up, ssh, session-down, and list.
package deviceagent

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/loomworks/loom/internal/coordclient"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/mux"
	"github.com/loomworks/loom/internal/wgkey"
)

// Agent performs device-agent operations against one coordinator.
type Agent struct {
	cfg    Config
	client *coordclient.Client
}

// New builds an Agent bound to cfg.CoordinatorURL, authenticating with
// cfg.UserToken.
func New(cfg Config) *Agent {
	cfg = cfg.withDefaults()
	return &Agent{
		cfg:    cfg,
		client: coordclient.New(cfg.CoordinatorURL, cfg.UserToken),
	}
}

// loadKey loads (generating and persisting if necessary) this device's
// private key, per §4.6 "enroll".
func (a *Agent) loadKey() (*wgkey.Private, error) {
	return wgkey.LoadPrivate(a.cfg.KeyEnvName, a.cfg.KeyPath, true)
}

// Enroll ensures a device key exists and that the coordinator has a
// matching device record, creating one if absent. A device already
// enrolled with this public key is not an error.
func (a *Agent) Enroll(ctx context.Context) (*wgkey.Private, error) {
	priv, err := a.loadKey()
	if err != nil {
		return nil, fmt.Errorf("load device key: %w", err)
	}

	devices, err := a.client.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	pub := priv.Public().String()
	for _, d := range devices {
		if d.PublicKey == pub {
			return priv, nil
		}
	}

	_, err = a.client.CreateDevice(ctx, coordclient.CreateDeviceRequest{
		DeviceID:  a.cfg.DeviceID,
		PublicKey: pub,
	})
	if err != nil {
		return nil, fmt.Errorf("enroll device: %w", err)
	}
	return priv, nil
}

// tunnel bundles the live multiplexer and engine for one session, plus
// the coordinator session record they implement.
type tunnel struct {
	sess   *coordclient.Session
	mux    *mux.Multiplexer
	engine *engine.Engine
}

// buildTunnel creates a session at the coordinator, then constructs and
// brings up the multiplexer and engine bound to it (§4.6 "session-up").
func (a *Agent) buildTunnel(ctx context.Context, priv *wgkey.Private, podID string) (*tunnel, error) {
	sess, err := a.client.CreateSession(ctx, coordclient.CreateSessionRequest{
		PodID:    podID,
		DeviceID: a.cfg.DeviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	podKey, err := wgkey.ParsePublic(sess.Pod.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse pod public key: %w", err)
	}

	relays, err := relayConfigsFromMap(sess.RelayMap)
	if err != nil {
		_ = a.client.DeleteSession(ctx, sess.SessionID)
		return nil, err
	}

	m, err := mux.New(ctx, mux.Config{
		LocalKey:   priv.Public(),
		HomeRegion: sess.Pod.HomeRegion, // no independent RTT probe on the device side; follow the pod's home region
		Relays:     relays,
	})
	if err != nil {
		_ = a.client.DeleteSession(ctx, sess.SessionID)
		return nil, fmt.Errorf("build multiplexer: %w", err)
	}
	m.AddPeer(podKey, sess.Pod.HomeRegion)

	eng, err := engine.New(engine.Config{
		PreferredName: "loom",
		PrivateKey:    priv,
		Bind:          m,
	})
	if err != nil {
		m.Close()
		_ = a.client.DeleteSession(ctx, sess.SessionID)
		return nil, fmt.Errorf("create engine: %w", err)
	}

	if err := eng.BindAddress(sess.ClientAddress + "/128"); err != nil {
		eng.Close()
		m.Close()
		_ = a.client.DeleteSession(ctx, sess.SessionID)
		return nil, err
	}

	allowed, err := singleHost(sess.Pod.Address)
	if err != nil {
		eng.Close()
		m.Close()
		_ = a.client.DeleteSession(ctx, sess.SessionID)
		return nil, err
	}

	if err := eng.AddPeer(engine.PeerConfig{
		PublicKey:  podKey,
		Endpoint:   fmt.Sprintf("relay://%d/%s", sess.Pod.HomeRegion, podKey.String()),
		AllowedIPs: []net.IPNet{allowed},
	}); err != nil {
		eng.Close()
		m.Close()
		_ = a.client.DeleteSession(ctx, sess.SessionID)
		return nil, err
	}

	if err := eng.Up(); err != nil {
		eng.Close()
		m.Close()
		_ = a.client.DeleteSession(ctx, sess.SessionID)
		return nil, err
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	err = eng.AwaitHandshake(hsCtx, podKey)
	hsCancel()
	if err != nil {
		eng.Close()
		m.Close()
		_ = a.client.DeleteSession(ctx, sess.SessionID)
		return nil, err
	}

	return &tunnel{sess: sess, mux: m, engine: eng}, nil
}

// teardown closes the engine and multiplexer and deletes the coordinator
// session (§4.6 "session-down"). Errors are best-effort: local resources
// are always released even if the coordinator call fails.
func (a *Agent) teardown(ctx context.Context, t *tunnel) error {
	_ = t.engine.Close()
	_ = t.mux.Close()
	return a.client.DeleteSession(ctx, t.sess.SessionID)
}

func singleHost(addr string) (net.IPNet, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return net.IPNet{}, fmt.Errorf("invalid address %q", addr)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// relayConfigsFromMap flattens a relay map into the multiplexer's
// RelayConfig list, taking the first node in each region (§4.3 treats a
// region as one logical relay; node selection within a region is a
// future extension point).
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
