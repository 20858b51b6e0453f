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
	"net/http"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/percolationlabs/percolate/internal/ids"
	"github.com/percolationlabs/percolate/internal/store"
)

type schemaRequest struct {
	Name        string         `json:"name"`
	Kind        string         `json:"kind"`
	Description string         `json:"description,omitempty"`
	JSONSchema  map[string]any `json:"json_schema,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleUpsertSchema(w http.ResponseWriter, r *http.Request) {
	var req schemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	// A malformed json_schema would break every later validation against it.
	if req.JSONSchema != nil {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(req.JSONSchema)); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid json_schema: "+err.Error())
			return
		}
	}

	schema := &store.Schema{
		Name:        req.Name,
		Kind:        req.Kind,
		Description: req.Description,
		JSONSchema:  req.JSONSchema,
	}
	schema.TenantID = s.tenant(r)
	schema.Tags = req.Tags
	schema.Metadata = req.Metadata

	if err := s.store.UpsertSchema(r.Context(), schema); err != nil {
		s.writeStoreError(w, err, "upserting schema failed")
		return
	}
	s.writeJSON(w, http.StatusOK, schema)
}

func (s *Server) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	schemas, err := s.store.ListSchemas(r.Context(), r.URL.Query().Get("kind"), 0)
	if err != nil {
		s.writeInternalError(w, err, "listing schemas failed")
		return
	}
	if schemas == nil {
		schemas = []*store.Schema{}
	}
	s.writeJSON(w, http.StatusOK, schemas)
}

// handleGetSchema resolves the path value as an id first, then as a natural
// name.
func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	schema, err := s.store.GetSchema(r.Context(), id)
	if err != nil {
		schema, err = s.store.GetSchemaByName(r.Context(), id)
	}
	if err != nil {
		s.writeStoreError(w, err, "loading schema failed")
		return
	}
	s.writeJSON(w, http.StatusOK, schema)
}

func (s *Server) handleDeleteSchema(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		id = ids.Derive("schemas", id).String()
	}
	if err := s.store.SoftDelete(r.Context(), "schemas", id); err != nil {
		s.writeStoreError(w, err, "deleting schema failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
