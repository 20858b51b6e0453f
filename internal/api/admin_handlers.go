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

import "net/http"

// handleAdminQueue reports pending depth per tier plus the embedding queue,
// the numbers worker autoscaling keys on.
func (s *Server) handleAdminQueue(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.PendingCounts(r.Context())
	if err != nil {
		s.writeInternalError(w, err, "counting pending tasks failed")
		return
	}

	embeddingPending, err := s.embedding.PendingCount(r.Context())
	if err != nil {
		s.writeInternalError(w, err, "counting embedding queue failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"tasks":             counts,
		"embedding_pending": embeddingPending,
	})
}
