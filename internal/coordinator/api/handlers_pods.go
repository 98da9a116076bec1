// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loomworks/loom/internal/coordinator/ipalloc"
	"github.com/loomworks/loom/internal/coordinator/push"
	"github.com/loomworks/loom/internal/coordinator/store"
)

type registerPodRequest struct {
	PodID      string `json:"pod_id"`
	PublicKey  string `json:"public_key"`
	HomeRegion int    `json:"home_region"`
}

type registerPodResponse struct {
	AssignedAddress string `json:"assigned_address"`
	RelayMapURL     string `json:"relay_map_url"`
	PeersStreamURL  string `json:"peers_stream_url"`
}

// handleRegisterPod implements "POST /internal/wg/pods/register" (§6,
// §4.5 "Pod registration"). The pod id to authenticate against arrives
// in the body rather than the path, so the workload-identity check is
// done here instead of via workloadAuthMiddleware.
func (s *Server) handleRegisterPod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerPodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PodID == "" || req.PublicKey == "" {
		respondError(w, http.StatusBadRequest, "pod_id and public_key are required")
		return
	}

	if err := s.workloads.VerifyPodToken(ctx, bearerToken(r), req.PodID); err != nil {
		respondAuthFailure(w)
		return
	}

	addr, err := s.pods.Allocate(ctx, ipalloc.KindPod, req.PodID)
	if err != nil {
		respondWGErr(w, err)
		return
	}

	now := time.Now()
	prior, err := s.store.ReplacePodRegistration(ctx, &store.PodRegistration{
		PodID:        req.PodID,
		PublicKey:    req.PublicKey,
		Address:      addr.String(),
		HomeRegion:   req.HomeRegion,
		RegisteredAt: now,
		LastSeenAt:   now,
	})
	if err != nil {
		_ = s.pods.Release(ctx, addr)
		respondWGErr(w, err)
		return
	}

	s.hub.Open(req.PodID)
	for _, rs := range prior {
		releaseAndNotify(ctx, s, rs)
	}

	respondJSON(w, http.StatusOK, registerPodResponse{
		AssignedAddress: addr.String(),
		RelayMapURL:     "/api/wg/derp-map",
		PeersStreamURL:  fmt.Sprintf("/internal/wg/pods/%s/peers", req.PodID),
	})
}

// handlePodPeers implements "GET /internal/wg/pods/{pod_id}/peers" (§6,
// §4.5 "Peer subscription"): streams newline-delimited JSON records,
// bootstrapping with an add for every currently-bound session.
func (s *Server) handlePodPeers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	podID := podIDParam(r)

	ch, ok := s.hub.Channel(podID)
	if !ok {
		respondError(w, http.StatusNotFound, "no open peer subscription for this pod")
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	peers, err := s.store.ListPodPeers(ctx, podID)
	if err != nil {
		return // headers already sent; drop the connection
	}
	enc := json.NewEncoder(w)
	for _, p := range peers {
		if err := enc.Encode(push.Record{Action: push.ActionAdd, Peer: push.Peer{PublicKey: p.DevicePublicKey, AllowedAddress: p.DeviceAddress + "/128"}}); err != nil {
			return
		}
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case rec, open := <-ch:
			if !open {
				return // registration was replaced; end this stream cleanly
			}
			if err := enc.Encode(rec); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
	}
}
