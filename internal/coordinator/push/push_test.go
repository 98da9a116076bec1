// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package push

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishPreservesOrderPerPod(t *testing.T) {
	h := NewHub(4)
	ch := h.Open("pod-1")

	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, "pod-1", Record{Action: ActionAdd, Peer: Peer{PublicKey: "a"}}))
	require.NoError(t, h.Publish(ctx, "pod-1", Record{Action: ActionAdd, Peer: Peer{PublicKey: "b"}}))
	require.NoError(t, h.Publish(ctx, "pod-1", Record{Action: ActionRemove, Peer: Peer{PublicKey: "a"}}))

	assert.Equal(t, "a", (<-ch).Peer.PublicKey)
	assert.Equal(t, "b", (<-ch).Peer.PublicKey)
	rec := <-ch
	assert.Equal(t, ActionRemove, rec.Action)
	assert.Equal(t, "a", rec.Peer.PublicKey)
}

func TestPublishToUnopenedPodIsNotFound(t *testing.T) {
	h := NewHub(4)
	err := h.Publish(context.Background(), "pod-404", Record{})
	require.Error(t, err)
}

func TestPublishBlocksWhenBufferFullUntilDrained(t *testing.T) {
	h := NewHub(1)
	ch := h.Open("pod-1")

	require.NoError(t, h.Publish(context.Background(), "pod-1", Record{Peer: Peer{PublicKey: "1"}}))

	done := make(chan error, 1)
	go func() {
		done <- h.Publish(context.Background(), "pod-1", Record{Peer: Peer{PublicKey: "2"}})
	}()

	select {
	case <-done:
		t.Fatal("Publish should have blocked on a full buffer")
	case <-time.After(50 * time.Millisecond):
	}

	<-ch // drain the first record, unblocking the second Publish

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Publish did not unblock after drain")
	}
}

func TestPublishRespectsContextCancellation(t *testing.T) {
	h := NewHub(1)
	h.Open("pod-1")
	require.NoError(t, h.Publish(context.Background(), "pod-1", Record{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Publish(ctx, "pod-1", Record{})
	require.Error(t, err)
}

func TestOpenReplacesAndClosesPriorChannel(t *testing.T) {
	h := NewHub(4)
	first := h.Open("pod-1")
	second := h.Open("pod-1")

	_, stillOpen := <-first
	assert.False(t, stillOpen)

	require.NoError(t, h.Publish(context.Background(), "pod-1", Record{Peer: Peer{PublicKey: "x"}}))
	rec := <-second
	assert.Equal(t, "x", rec.Peer.PublicKey)
}
