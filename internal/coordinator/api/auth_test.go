// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerTokenExtractsFromHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", bearerToken(req))
}

func TestBearerTokenRejectsOtherSchemes(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc123")
	assert.Equal(t, "", bearerToken(req))
}

func TestBearerTokenEmptyWithNoHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", bearerToken(req))
}

func TestBcryptTokenAuthenticatorRoundTrip(t *testing.T) {
	a := NewBcryptTokenAuthenticator()

	token, err := a.IssueUserToken("user-1")
	require.NoError(t, err)

	userID, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	_, err = a.Authenticate(context.Background(), "wrong-token")
	assert.Error(t, err)
}

func TestBcryptTokenAuthenticatorPodWorkloadVerification(t *testing.T) {
	a := NewBcryptTokenAuthenticator()

	token, err := a.IssuePodToken("pod-1")
	require.NoError(t, err)

	require.NoError(t, a.VerifyPodToken(context.Background(), token, "pod-1"))
	assert.Error(t, a.VerifyPodToken(context.Background(), token, "pod-2"))
	assert.Error(t, a.VerifyPodToken(context.Background(), "wrong-token", "pod-1"))
}
