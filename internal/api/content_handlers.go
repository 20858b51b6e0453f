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
	"io"
	"net/http"

	"github.com/percolationlabs/percolate/internal/queue"
	"github.com/percolationlabs/percolate/internal/store"
)

// maxUploadBytes bounds one multipart content upload.
const maxUploadBytes = 32 << 20

// handleContentUpload accepts a multipart file, stores it with its text
// inline, and enqueues the processing task that chunks it into resources.
func (s *Server) handleContentUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}

	upload, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer upload.Close()

	data, err := io.ReadAll(io.LimitReader(upload, maxUploadBytes))
	if err != nil {
		s.writeInternalError(w, err, "reading upload failed")
		return
	}

	userID := r.FormValue("user_id")
	tenantID := s.tenant(r)

	f := &store.File{
		Name:          header.Filename,
		MimeType:      header.Header.Get("Content-Type"),
		SizeBytes:     int64(len(data)),
		ParsedContent: string(data),
	}
	f.TenantID = tenantID
	f.UserID = userID
	if err := s.store.UpsertFile(r.Context(), f); err != nil {
		s.writeStoreError(w, err, "storing uploaded file failed")
		return
	}

	// Storage accounting happens on upload; processing is quota-checked
	// again by the worker.
	if userID != "" {
		rule := queue.DefaultQuotaRules[queue.TaskFileProcessing]
		usage, err := s.store.IncrementUsage(r.Context(), userID, rule.Resource,
			len(data), rule.BaseLimit)
		if err != nil {
			s.writeInternalError(w, err, "storage accounting failed")
			return
		}
		if usage.Exceeded {
			s.writeQuotaError(w, rule.Resource, usage)
			return
		}
	}

	task := &queue.Task{
		TaskType: queue.TaskFileProcessing,
		Tier:     tierForSize(int64(len(data))),
		Payload:  map[string]any{"file_id": f.ID.String()},
		TenantID: tenantID,
		UserID:   userID,
	}
	if err := s.queue.Enqueue(r.Context(), task); err != nil {
		s.writeInternalError(w, err, "enqueuing file processing failed")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"file_id": f.ID.String(),
		"task_id": task.ID.String(),
		"status":  f.ProcessingStatus,
	})
}

// tierForSize derives the worker tier from the upload size.
func tierForSize(bytes int64) string {
	switch {
	case bytes < 1<<20:
		return queue.TierSmall
	case bytes < 16<<20:
		return queue.TierMedium
	default:
		return queue.TierLarge
	}
}
