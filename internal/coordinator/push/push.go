// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package push implements the coordinator's per-pod peer-subscription
// fanout (§4.5 "Peer subscription", §5 ordering guarantee (1)): a
// bounded, ordering-preserving channel keyed by pod id.
package push

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomworks/loom/internal/wgerr"
)

// Action is one peer-subscription record action.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// Peer is the subset of session/registration data a pod agent needs to
// configure a new engine peer.
type Peer struct {
	PublicKey      string `json:"public_key"`
	AllowedAddress string `json:"allowed_address"`
}

// Record is one newline-delimited peer-subscription entry, per §6's
// `{action, peer:{public_key, allowed_address}}`.
type Record struct {
	Action Action `json:"action"`
	Peer   Peer   `json:"peer"`
}

// defaultBuffer bounds how far a slow pod subscriber can lag before
// Publish starts applying backpressure.
const defaultBuffer = 64

// queue is the single ordered channel for one pod id. pubMu serializes
// Publish calls so concurrent callers can never interleave two records
// for the same pod out of arrival order.
type queue struct {
	pubMu sync.Mutex
	ch    chan Record
}

// Hub fans out peer-subscription records to at most one live reader per
// pod id.
type Hub struct {
	mu     sync.Mutex
	queues map[string]*queue
	buffer int
}

// NewHub builds a Hub. bufferSize <= 0 uses defaultBuffer.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	return &Hub{queues: make(map[string]*queue), buffer: bufferSize}
}

// Open creates (or replaces) the channel for podID. Registration replaces
// any prior live subscription for the pod per §4.5 ("if a registration
// already exists ... replaced"): the old channel is closed so any reader
// still attached to it observes a clean end-of-stream.
func (h *Hub) Open(podID string) <-chan Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.queues[podID]; ok {
		close(old.ch)
	}
	q := &queue{ch: make(chan Record, h.buffer)}
	h.queues[podID] = q
	return q.ch
}

// Channel returns the current channel for podID, if one is open.
func (h *Hub) Channel(podID string) (<-chan Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.queues[podID]
	if !ok {
		return nil, false
	}
	return q.ch, true
}

// Publish enqueues rec for podID, blocking (applying backpressure) until
// either the record is accepted or ctx is cancelled. Publish returns a
// Timeout-category error, never silently drops a record.
func (h *Hub) Publish(ctx context.Context, podID string, rec Record) error {
	h.mu.Lock()
	q, ok := h.queues[podID]
	h.mu.Unlock()
	if !ok {
		return wgerr.New(wgerr.NotFound, fmt.Errorf("no open peer subscription for pod %s", podID))
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	select {
	case q.ch <- rec:
		return nil
	case <-ctx.Done():
		return wgerr.New(wgerr.Timeout, fmt.Errorf("publish to pod %s: %w", podID, ctx.Err()))
	}
}

// Close tears down the channel for podID, e.g. when its registration is
// purged (§3: "when the pod terminates the record is purged").
func (h *Hub) Close(podID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if q, ok := h.queues[podID]; ok {
		close(q.ch)
		delete(h.queues, podID)
	}
}
