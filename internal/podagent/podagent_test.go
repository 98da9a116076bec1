// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package podagent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/coordclient"
	"github.com/loomworks/loom/internal/wgkey"
)

func TestSingleHostIPNetParsesBareAddressAndCIDR(t *testing.T) {
	n, err := singleHostIPNet("fd7a:115c:a1e0::1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ones, bits := n.Mask.Size(); ones != 128 || bits != 128 {
		t.Errorf("expected a /128 mask, got /%d (of %d)", ones, bits)
	}

	n, err = singleHostIPNet("fd7a:115c:a1e0::2/128")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ones, bits := n.Mask.Size(); ones != 128 || bits != 128 {
		t.Errorf("expected a /128 mask, got /%d (of %d)", ones, bits)
	}

	if _, err := singleHostIPNet("not-an-address"); err == nil {
		t.Error("expected an error for an unparseable address")
	}
}

func TestRelayConfigsFromMapPicksFirstNodePerRegion(t *testing.T) {
	m := coordclient.RelayMap{
		Regions: map[int]*coordclient.RelayRegion{
			1: {
				Code: "r1",
				Nodes: []coordclient.RelayNode{
					{IPv4: "203.0.113.1", Port: 443},
					{IPv4: "203.0.113.2", Port: 443},
				},
			},
			2: {Code: "r2"}, // no nodes; must be skipped
		},
	}

	relays, err := relayConfigsFromMap(m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(relays) != 1 {
		t.Fatalf("expected exactly one relay (region 2 has no nodes), got %d", len(relays))
	}
	if relays[0].Region != 1 || relays[0].Addr != "203.0.113.1:443" {
		t.Errorf("unexpected relay config: %+v", relays[0])
	}
}

func TestChooseHomeRegionReturnsErrorWhenNoRegionReachable(t *testing.T) {
	priv, err := wgkey.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	m := coordclient.RelayMap{
		Regions: map[int]*coordclient.RelayRegion{
			1: {Code: "r1", Nodes: []coordclient.RelayNode{{IPv4: "192.0.2.1", Port: 443}}},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := chooseHomeRegion(ctx, m, priv.Public(), 200*time.Millisecond); err != errNoReachableRegion {
		t.Errorf("expected errNoReachableRegion, got %v", err)
	}
}

func TestFileIdentitySourceTrimsAndErrorsOnEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("  abc123\n"), 0600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	src := FileIdentitySource{Path: path}
	tok, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "abc123" {
		t.Errorf("expected trimmed token %q, got %q", "abc123", tok)
	}

	if err := os.WriteFile(path, []byte("   \n"), 0600); err != nil {
		t.Fatalf("write empty token file: %v", err)
	}
	if _, err := src.Token(context.Background()); err == nil {
		t.Error("expected an error for an empty token file")
	}
}
