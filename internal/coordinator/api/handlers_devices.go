// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loomworks/loom/internal/coordinator/push"
	"github.com/loomworks/loom/internal/coordinator/store"
)

type createDeviceRequest struct {
	DeviceID  string `json:"device_id"`
	PublicKey string `json:"public_key"`
	Name      string `json:"name,omitempty"`
}

type deviceResponse struct {
	ID        string    `json:"id"`
	PublicKey string    `json:"public_key"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// handleCreateDevice implements "POST devices" (§6, S5 "Duplicate
// enrollment"): enrolling a public key already registered to the caller
// is idempotent (200, existing record); to a different user it is a 409
// Conflict.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := getUserID(r)

	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" || req.PublicKey == "" {
		respondError(w, http.StatusBadRequest, "device_id and public_key are required")
		return
	}

	if existing, err := s.store.GetDeviceByPublicKey(ctx, req.PublicKey); err == nil {
		if existing.UserID != userID {
			respondError(w, http.StatusConflict, "public key already registered to another user")
			return
		}
		respondJSON(w, http.StatusOK, deviceResponse{ID: existing.ID, PublicKey: existing.PublicKey, Name: existing.Name, CreatedAt: existing.CreatedAt})
		return
	}

	d := &store.Device{
		ID:        req.DeviceID,
		UserID:    userID,
		PublicKey: req.PublicKey,
		Name:      req.Name,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateDevice(ctx, d); err != nil {
		respondWGErr(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, deviceResponse{ID: d.ID, PublicKey: d.PublicKey, Name: d.Name, CreatedAt: d.CreatedAt})
}

// handleListDevices implements "GET devices" (§6).
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context(), getUserID(r))
	if err != nil {
		respondWGErr(w, err)
		return
	}

	items := make([]deviceResponse, len(devices))
	for i, d := range devices {
		items[i] = deviceResponse{ID: d.ID, PublicKey: d.PublicKey, Name: d.Name, CreatedAt: d.CreatedAt}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"devices": items})
}

// handleRevokeDevice implements "DELETE devices/{id}" (§6): cascades the
// revocation to every session referencing the device, releasing their
// addresses and pushing a peer-remove to each affected pod.
func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	closed, err := s.store.RevokeDevice(r.Context(), getUserID(r), id)
	if err != nil {
		respondWGErr(w, err)
		return
	}

	for _, rs := range closed {
		releaseAndNotify(r.Context(), s, rs)
	}

	w.WriteHeader(http.StatusNoContent)
}

// releaseAndNotify frees a torn-down session's device address and pushes
// its pod a peer-remove record. Failures are logged, not surfaced: the
// device-side state (revocation) has already committed, and a lagging
// pod will still reject the stale peer's traffic once its allowed-ips no
// longer include the released address.
func releaseAndNotify(ctx context.Context, s *Server, rs store.RevokedSession) {
	if addr := net.ParseIP(rs.DeviceAddress); addr != nil {
		_ = s.devices.Release(ctx, addr)
	}

	pushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.hub.Publish(pushCtx, rs.PodID, push.Record{
		Action: push.ActionRemove,
		Peer:   push.Peer{PublicKey: rs.DevicePublicKey, AllowedAddress: rs.DeviceAddress},
	})
}
