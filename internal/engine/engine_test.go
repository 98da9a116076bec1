// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package engine

import (
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/wgkey"
)

func TestBuildPeerUAPI(t *testing.T) {
	priv, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)
	pub := priv.Public()

	_, allowed, err := net.ParseCIDR("fd7a:115c:a1e0::2/128")
	require.NoError(t, err)

	uapi := buildPeerUAPI(PeerConfig{
		PublicKey:           pub,
		Endpoint:            "relay://2/" + pub.String(),
		AllowedIPs:          []net.IPNet{*allowed},
		PersistentKeepalive: 25 * time.Second,
	})

	assert.Contains(t, uapi, "public_key="+hex.EncodeToString(pub[:])+"\n")
	assert.Contains(t, uapi, "endpoint=relay://2/"+pub.String()+"\n")
	assert.Contains(t, uapi, "replace_allowed_ips=true\n")
	assert.Contains(t, uapi, "allowed_ip=fd7a:115c:a1e0::2/128\n")
	assert.Contains(t, uapi, "persistent_keepalive_interval=25\n")
}

func TestBuildPeerUAPIOmitsOptionalFields(t *testing.T) {
	priv, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)

	uapi := buildPeerUAPI(PeerConfig{PublicKey: priv.Public()})

	assert.NotContains(t, uapi, "endpoint=")
	assert.NotContains(t, uapi, "persistent_keepalive_interval=")
}

func TestParseHandshakeState(t *testing.T) {
	priv, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)
	pub := priv.Public()

	other, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)

	privBytes := priv.Bytes()
	raw := "private_key=" + hex.EncodeToString(privBytes[:]) + "\n" +
		"public_key=" + hex.EncodeToString(other.Public().Bytes()) + "\n" +
		"last_handshake_time_sec=0\n" +
		"public_key=" + hex.EncodeToString(pub[:]) + "\n" +
		"last_handshake_time_sec=1732000000\n"

	assert.True(t, parseHandshakeState(raw, pub))
	assert.False(t, parseHandshakeState(raw, other.Public()))
}

func TestParseHandshakeStateNoHandshakeYet(t *testing.T) {
	priv, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)
	pub := priv.Public()

	raw := "public_key=" + hex.EncodeToString(pub[:]) + "\nlast_handshake_time_sec=0\n"

	assert.False(t, parseHandshakeState(raw, pub))
}
