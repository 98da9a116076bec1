// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/coordinator/ipalloc"
	"github.com/loomworks/loom/internal/coordinator/push"
	"github.com/loomworks/loom/internal/coordinator/relaymap"
	"github.com/loomworks/loom/internal/coordinator/store"
	"github.com/loomworks/loom/internal/wgerr"
)

type createSessionRequest struct {
	PodID    string `json:"pod_id"`
	DeviceID string `json:"device_id"`
}

type sessionPodView struct {
	PublicKey  string `json:"public_key"`
	Address    string `json:"address"`
	HomeRegion int    `json:"home_region"`
}

type createSessionResponse struct {
	SessionID     string         `json:"session_id"`
	ClientAddress string         `json:"client_address"`
	Pod           sessionPodView `json:"pod"`
	RelayMap      relaymap.Map   `json:"relay_map"`
}

// handleCreateSession implements "POST sessions" (§6, §4.5 "Session
// creation"): validates ownership, reuses an existing (device, pod)
// session if present, otherwise allocates a device address and pushes a
// peer-add before the response returns (§5 ordering guarantee (3)).
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PodID == "" || req.DeviceID == "" {
		respondError(w, http.StatusBadRequest, "pod_id and device_id are required")
		return
	}

	userID := getUserID(r)
	device, err := s.store.GetDevice(ctx, userID, req.DeviceID)
	if err != nil {
		respondWGErr(w, err)
		return
	}
	if !device.Valid() {
		respondWGErr(w, wgerr.New(wgerr.AuthFailure, fmt.Errorf("device %s is revoked", device.ID)))
		return
	}

	pod, err := s.store.GetPodRegistration(ctx, req.PodID)
	if err != nil {
		respondWGErr(w, err)
		return
	}

	sess, err := s.getOrCreateSession(ctx, device, pod)
	if err != nil {
		respondWGErr(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:     sess.ID,
		ClientAddress: sess.DeviceAddress,
		Pod: sessionPodView{
			PublicKey:  pod.PublicKey,
			Address:    pod.Address,
			HomeRegion: pod.HomeRegion,
		},
		RelayMap: s.relays.Current(),
	})
}

func (s *Server) getOrCreateSession(ctx context.Context, device *store.Device, pod *store.PodRegistration) (*store.Session, error) {
	if existing, err := s.store.GetSessionByPair(ctx, device.ID, pod.PodID); err == nil {
		return existing, nil
	} else if we, ok := wgerr.As(err); !ok || we.Category != wgerr.NotFound {
		return nil, err
	}

	addr, err := s.devices.Allocate(ctx, ipalloc.KindDevice, device.ID)
	if err != nil {
		return nil, err
	}

	sess := &store.Session{
		ID:            uuid.New().String(),
		DeviceID:      device.ID,
		PodID:         pod.PodID,
		DeviceAddress: addr.String(),
		CreatedAt:     time.Now(),
	}

	created, isNew, err := s.store.InsertSessionIfAbsent(ctx, sess)
	if err != nil {
		_ = s.devices.Release(ctx, addr)
		return nil, err
	}
	if !isNew {
		// Lost the race to a concurrent creator; our address reservation
		// is unused, release it.
		_ = s.devices.Release(ctx, addr)
		return created, nil
	}

	if err := s.hub.Publish(ctx, pod.PodID, push.Record{
		Action: push.ActionAdd,
		Peer:   push.Peer{PublicKey: device.PublicKey, AllowedAddress: addr.String() + "/128"},
	}); err != nil {
		return nil, err
	}

	return created, nil
}

// handleListSessions implements "GET sessions" (§6).
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), getUserID(r))
	if err != nil {
		respondWGErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// handleDeleteSession implements "DELETE sessions/{id}" (§6): releases
// the address and pushes a peer-remove.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := getUserID(r)

	sess, err := s.store.DeleteSession(r.Context(), userID, id)
	if err != nil {
		respondWGErr(w, err)
		return
	}

	device, err := s.store.GetDevice(r.Context(), userID, sess.DeviceID)
	publicKey := ""
	if err == nil {
		publicKey = device.PublicKey
	}

	releaseAndNotify(r.Context(), s, store.RevokedSession{
		PodID:           sess.PodID,
		DeviceAddress:   sess.DeviceAddress,
		DevicePublicKey: publicKey,
	})

	w.WriteHeader(http.StatusNoContent)
}

// handleDERPMap implements "GET derp-map" (§6).
func (s *Server) handleDERPMap(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.relays.Current())
}
