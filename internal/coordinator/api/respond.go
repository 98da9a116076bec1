// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/loomworks/loom/internal/wgerr"
)

// respondJSON writes data as a JSON response, per §6A's "teacher's
// respondJSON-style helper".
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("wg coordinator: encode response: %v", err)
	}
}

// respondError writes a `{"error": message}` body at status.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondWGErr maps err's taxonomy category (§7) to its HTTP status and
// writes the error body, falling back to 500 for an uncategorized error.
func respondWGErr(w http.ResponseWriter, err error) {
	if we, ok := wgerr.As(err); ok {
		respondError(w, wgerr.HTTPStatus(we.Category), we.Error())
		return
	}
	log.Printf("wg coordinator: uncategorized error: %v", err)
	respondError(w, http.StatusInternalServerError, "internal error")
}
