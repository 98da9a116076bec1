// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const userIDContextKey contextKey = "wg_user_id"

// UserAuthenticator resolves a bearer token to the id of the user it
// belongs to. §6: "Authentication is a bearer token unless noted." The
// concrete account/token issuance system is an out-of-scope collaborator
// (the same role the device workload-identity service plays for pods);
// this subsystem only needs the resulting user id.
type UserAuthenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// WorkloadVerifier validates a pod's workload-identity token against the
// pod id it claims to be, per §4.5 ("validates it against the expected
// pod id").
type WorkloadVerifier interface {
	VerifyPodToken(ctx context.Context, token, podID string) error
}

// BcryptTokenAuthenticator is a minimal UserAuthenticator/WorkloadVerifier
// backed by bcrypt-hashed tokens held in memory, following the teacher's
// own API-key hashing convention (`server/pkg/auth.GenerateAPIKey`/
// `ValidateAPIKey`). It is meant for single-process deployments and
// tests; a production coordinator wires a real identity-service client
// satisfying the same two interfaces instead.
type BcryptTokenAuthenticator struct {
	mu          sync.RWMutex
	userTokens  map[string]string // userID -> bcrypt hash
	podTokens   map[string]string // podID -> bcrypt hash
}

// NewBcryptTokenAuthenticator builds an empty authenticator.
func NewBcryptTokenAuthenticator() *BcryptTokenAuthenticator {
	return &BcryptTokenAuthenticator{
		userTokens: make(map[string]string),
		podTokens:  make(map[string]string),
	}
}

// IssueUserToken generates a new bearer token for userID and records its
// hash, returning the plaintext token (shown to the caller exactly
// once, same convention as the teacher's CreateAPIKeyResponse).
func (a *BcryptTokenAuthenticator) IssueUserToken(userID string) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash user token: %w", err)
	}
	a.mu.Lock()
	a.userTokens[userID] = string(hash)
	a.mu.Unlock()
	return token, nil
}

// IssuePodToken generates a new workload-identity token for podID.
func (a *BcryptTokenAuthenticator) IssuePodToken(podID string) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash pod token: %w", err)
	}
	a.mu.Lock()
	a.podTokens[podID] = string(hash)
	a.mu.Unlock()
	return token, nil
}

func (a *BcryptTokenAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for userID, hash := range a.userTokens {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			return userID, nil
		}
	}
	return "", fmt.Errorf("no matching user token")
}

func (a *BcryptTokenAuthenticator) VerifyPodToken(ctx context.Context, token, podID string) error {
	a.mu.RLock()
	hash, ok := a.podTokens[podID]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no workload-identity token registered for pod %s", podID)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
		return fmt.Errorf("workload-identity token mismatch for pod %s", podID)
	}
	return nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// authMiddleware resolves the caller's bearer token to a user id and
// stores it in the request context, or responds 401 (wgerr.AuthFailure's
// HTTP status).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondAuthFailure(w)
			return
		}
		userID, err := s.users.Authenticate(r.Context(), token)
		if err != nil {
			respondAuthFailure(w)
			return
		}
		ctx := context.WithValue(r.Context(), userIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// workloadAuthMiddleware validates a pod's workload-identity token
// against the {pod_id} path parameter, per §4.5 and §6's
// "/internal/wg/pods/..." endpoints.
func (s *Server) workloadAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		podID := podIDParam(r)
		token := bearerToken(r)
		if token == "" || podID == "" {
			respondAuthFailure(w)
			return
		}
		if err := s.workloads.VerifyPodToken(r.Context(), token, podID); err != nil {
			respondAuthFailure(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getUserID(r *http.Request) string {
	userID, _ := r.Context().Value(userIDContextKey).(string)
	return userID
}

func respondAuthFailure(w http.ResponseWriter) {
	respondError(w, authFailureStatus, "authentication failed")
}

const authFailureStatus = http.StatusUnauthorized
