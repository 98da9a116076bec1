// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package coordclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loomworks/loom/internal/coordclient"
)

func TestCreateDeviceSendsBearerTokenAndDecodesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/wg/devices" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Fatalf("unexpected auth header: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(coordclient.Device{ID: "dev-1", PublicKey: "pub", Name: "laptop"})
	}))
	defer server.Close()

	c := coordclient.New(server.URL, "test-token")
	d, err := c.CreateDevice(context.Background(), coordclient.CreateDeviceRequest{DeviceID: "dev-1", PublicKey: "pub", Name: "laptop"})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if d.ID != "dev-1" || d.Name != "laptop" {
		t.Fatalf("unexpected device: %+v", d)
	}
}

func TestErrorResponseSurfacesServerMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "public key already enrolled"})
	}))
	defer server.Close()

	c := coordclient.New(server.URL, "test-token")
	_, err := c.CreateDevice(context.Background(), coordclient.CreateDeviceRequest{DeviceID: "dev-1", PublicKey: "pub"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "coordinator: public key already enrolled" {
		t.Fatalf("unexpected error message: %q", got)
	}
}

func TestRevokeDeviceSendsDelete(t *testing.T) {
	var method, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := coordclient.New(server.URL, "test-token")
	if err := c.RevokeDevice(context.Background(), "dev-1"); err != nil {
		t.Fatalf("RevokeDevice: %v", err)
	}
	if method != http.MethodDelete || path != "/api/wg/devices/dev-1" {
		t.Fatalf("unexpected request: %s %s", method, path)
	}
}

func TestStreamPeersDecodesNDJSONUntilEOF(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		rec := coordclient.PeerRecord{Action: coordclient.PeerActionAdd}
		rec.Peer.PublicKey = "pub-1"
		rec.Peer.AllowedAddress = "fd7a::1/128"
		enc.Encode(rec)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := coordclient.New(server.URL, "test-token")
	recs, errc := c.StreamPeers(ctx, "pod-1")

	select {
	case rec, ok := <-recs:
		if !ok {
			t.Fatal("stream closed before first record")
		}
		if rec.Peer.PublicKey != "pub-1" {
			t.Fatalf("unexpected record: %+v", rec)
		}
	case err := <-errc:
		t.Fatalf("unexpected error: %v", err)
	}
}
