// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package podagent

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// IdentitySource yields a verifiable workload-identity token (§4.7: "the
// external identity service (out-of-scope collaborator; contract is
// 'yields a verifiable token')"). The coordinator's workload
// authenticator decides what "verifiable" means; the pod agent only
// needs a token to present as a bearer credential.
type IdentitySource interface {
	Token(ctx context.Context) (string, error)
}

// FileIdentitySource reads a token written to disk by the platform's
// identity-injection sidecar, the common shape for a projected
// service-account/workload-identity token.
type FileIdentitySource struct {
	Path string
}

// Token reads and trims the token file's contents.
func (f FileIdentitySource) Token(_ context.Context) (string, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read workload identity token: %w", err)
	}
	tok := strings.TrimSpace(string(raw))
	if tok == "" {
		return "", fmt.Errorf("workload identity token file %s is empty", f.Path)
	}
	return tok, nil
}
