// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package mux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/wgkey"
)

func TestParseEndpointDirect(t *testing.T) {
	ep, err := parseEndpoint(wgkey.Public{}, "127.0.0.1:51820")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:51820", ep.DstToString())
	assert.NotNil(t, ep.directAddr)
}

func TestParseEndpointRelay(t *testing.T) {
	priv, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)

	s := "relay://3/" + priv.Public().String()
	ep, err := parseEndpoint(wgkey.Public{}, s)
	require.NoError(t, err)
	assert.Equal(t, 3, ep.relayRegion)
	assert.Equal(t, priv.Public(), ep.peer)
	assert.Equal(t, s, ep.DstToString())
}

func TestParseEndpointMalformed(t *testing.T) {
	_, err := parseEndpoint(wgkey.Public{}, "relay://not-a-region/abc")
	assert.Error(t, err)

	_, err = parseEndpoint(wgkey.Public{}, "relay://1/not-base64!!")
	assert.Error(t, err)

	_, err = parseEndpoint(wgkey.Public{}, "not a valid host")
	assert.Error(t, err)
}

func TestDstToBytesDistinguishesDirectAndRelay(t *testing.T) {
	peer, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)

	direct, err := parseEndpoint(wgkey.Public{}, "10.0.0.1:51820")
	require.NoError(t, err)
	relayEp := relayEndpoint(peer.Public(), 2)

	assert.NotEqual(t, direct.DstToBytes(), relayEp.DstToBytes())
}
