// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package relaymap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/wgerr"
)

func baseFixture() Map {
	return Map{Regions: map[int]*Region{
		1: {Code: "sjc", Name: "San Jose", Nodes: []Node{{Name: "sjc1a", Hostname: "sjc1a.relay.example.com", Port: 443}}},
		2: {Code: "fra", Name: "Frankfurt", Nodes: []Node{{Name: "fra1a", Hostname: "fra1a.relay.example.com", Port: 443}}},
	}}
}

func TestMergeDisableRegion(t *testing.T) {
	merged, err := Merge(baseFixture(), []byte("disable_regions: [2]\n"))
	require.NoError(t, err)

	assert.NotNil(t, merged.Regions[1])
	assert.Contains(t, merged.Regions, 2)
	assert.Nil(t, merged.Regions[2])
}

func TestMergeCustomRegionOverwrites(t *testing.T) {
	overlay := []byte(`
custom_regions:
  1:
    code: sjc
    name: San Jose (custom)
    nodes:
      - name: sjc2a
        hostname: sjc2a.relay.example.com
        port: 8443
`)
	merged, err := Merge(baseFixture(), overlay)
	require.NoError(t, err)

	require.NotNil(t, merged.Regions[1])
	assert.Equal(t, "San Jose (custom)", merged.Regions[1].Name)
	assert.Equal(t, 8443, merged.Regions[1].Nodes[0].Port)
}

func TestMergeOmitDefaultRegionsKeepsOnlyNamed(t *testing.T) {
	overlay := []byte(`
custom_regions:
  3:
    code: nyc
    name: New York
    nodes: []
omit_default_regions: true
`)
	merged, err := Merge(baseFixture(), overlay)
	require.NoError(t, err)

	assert.NotContains(t, merged.Regions, 1)
	assert.NotContains(t, merged.Regions, 2)
	assert.Contains(t, merged.Regions, 3)
}

func TestMergeMalformedOverlayIsMalformedError(t *testing.T) {
	_, err := Merge(baseFixture(), []byte("not: [valid: yaml"))
	require.Error(t, err)
	we, ok := wgerr.As(err)
	require.True(t, ok)
	assert.Equal(t, wgerr.Malformed, we.Category)
}

func TestMergeNoOverlayReturnsBaseUnchanged(t *testing.T) {
	merged, err := Merge(baseFixture(), nil)
	require.NoError(t, err)
	assert.Len(t, merged.Regions, 2)
}
