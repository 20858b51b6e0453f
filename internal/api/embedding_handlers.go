/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// handleEmbeddingsProcess drains one embedding batch synchronously and
// reports what it did.
func (s *Server) handleEmbeddingsProcess(w http.ResponseWriter, r *http.Request) {
	result, err := s.embedding.ProcessBatch(r.Context())
	if err != nil {
		s.writeInternalError(w, err, "embedding batch failed")
		return
	}

	pending, err := s.embedding.PendingCount(r.Context())
	if err != nil {
		s.writeInternalError(w, err, "embedding queue count failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"processed": result.Processed,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
		"pending":   pending,
	})
}

// generateRequest scopes a backfill. An empty table backfills every
// embeddable table.
type generateRequest struct {
	Table string `json:"table,omitempty"`
}

// handleEmbeddingsGenerate re-enqueues embedding work; content-hash dedup
// keeps unchanged rows from reaching the provider.
func (s *Server) handleEmbeddingsGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	enqueued, err := s.embedding.Backfill(r.Context(), req.Table)
	if err != nil {
		if strings.Contains(err.Error(), "not embeddable") {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeInternalError(w, err, "embedding backfill failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"enqueued": enqueued})
}
