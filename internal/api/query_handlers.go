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
	"errors"
	"net/http"

	"github.com/percolationlabs/percolate/internal/query"
)

// queryRequest is the structured form of a dialect query.
type queryRequest struct {
	Mode          string   `json:"mode"`
	Keys          []string `json:"keys,omitempty"`
	Text          string   `json:"text,omitempty"`
	Table         string   `json:"table,omitempty"`
	Field         string   `json:"field,omitempty"`
	MinSimilarity float64  `json:"min_similarity,omitempty"`
	Threshold     float64  `json:"threshold,omitempty"`
	Depth         int      `json:"depth,omitempty"`
	Relation      string   `json:"relation,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	SQL           string   `json:"sql,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	q := &query.Query{
		Mode:          query.Mode(req.Mode),
		Keys:          req.Keys,
		Text:          req.Text,
		Table:         req.Table,
		Field:         req.Field,
		MinSimilarity: req.MinSimilarity,
		Threshold:     req.Threshold,
		Depth:         req.Depth,
		Relation:      req.Relation,
		Limit:         req.Limit,
		Raw:           req.SQL,
	}

	switch q.Mode {
	case query.ModeLookup, query.ModeSearch, query.ModeFuzzy, query.ModeTraverse:
	case query.ModeSQL:
		if err := query.ValidateSQL(q.Raw); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	default:
		s.writeError(w, http.StatusBadRequest, "unknown query mode: "+req.Mode)
		return
	}

	result, err := s.executor.Execute(r.Context(), s.tenant(r), q)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// rawQueryRequest carries one dialect string, e.g. "LOOKUP weather-agent".
type rawQueryRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleQueryRaw(w http.ResponseWriter, r *http.Request) {
	var req rawQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := s.executor.Run(r.Context(), s.tenant(r), req.Query)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// writeQueryError maps parser and validation failures to 400 with the
// parser's detail; everything else is an internal error.
func (s *Server) writeQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, query.ErrEmptyQuery) ||
		errors.Is(err, query.ErrBlockedSQL) ||
		errors.Is(err, query.ErrSyntax) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeInternalError(w, err, "query execution failed")
}
