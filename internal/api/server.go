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

// Package api exposes the REST surface: the query dialect, embedding
// administration, schema CRUD, content upload, and queue introspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/percolationlabs/percolate/internal/embedding"
	"github.com/percolationlabs/percolate/internal/query"
	"github.com/percolationlabs/percolate/internal/queue"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/pkg/logctx"
)

// tenantHeader selects the tenant scope of a request. Absent means the
// system tenant.
const tenantHeader = "X-Tenant-ID"

// Server wires the HTTP surface to the underlying services.
type Server struct {
	store     *store.Store
	executor  *query.Executor
	embedding *embedding.Service
	queue     *queue.Service
	tenantID  string
	log       logr.Logger
}

// NewServer creates the API server. tenantID is the fallback tenant scope
// for requests without an explicit header.
func NewServer(st *store.Store, executor *query.Executor, emb *embedding.Service,
	q *queue.Service, tenantID string, log logr.Logger) *Server {
	return &Server{
		store:     st,
		executor:  executor,
		embedding: emb,
		queue:     q,
		tenantID:  tenantID,
		log:       log.WithName("api-server"),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/query", s.handleQuery)
	mux.HandleFunc("POST /api/v1/query/raw", s.handleQueryRaw)

	mux.HandleFunc("POST /api/v1/embeddings/process", s.handleEmbeddingsProcess)
	mux.HandleFunc("POST /api/v1/embeddings/generate", s.handleEmbeddingsGenerate)

	mux.HandleFunc("GET /api/v1/schemas", s.handleListSchemas)
	mux.HandleFunc("POST /api/v1/schemas", s.handleUpsertSchema)
	mux.HandleFunc("GET /api/v1/schemas/{id}", s.handleGetSchema)
	mux.HandleFunc("DELETE /api/v1/schemas/{id}", s.handleDeleteSchema)

	mux.HandleFunc("POST /api/v1/content", s.handleContentUpload)

	mux.HandleFunc("GET /api/v1/admin/queue", s.handleAdminQueue)

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s.withRequestContext(mux)
}

// withRequestContext tags every request's context with a request id and the
// resolved tenant so downstream log lines share the same identifiers.
func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithRequestID(r.Context(), uuid.NewString())
		ctx = logctx.WithTenantID(ctx, s.tenant(r))
		logctx.LoggerWithContext(s.log, ctx).V(1).Info("http request",
			"method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tenant resolves the request's tenant scope.
func (s *Server) tenant(r *http.Request) string {
	if t := r.Header.Get(tenantHeader); t != "" {
		return t
	}
	return s.tenantID
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error(err, "failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeInternalError hides the cause behind a correlation id; the id ties
// the response to the server log line.
func (s *Server) writeInternalError(w http.ResponseWriter, err error, msg string) {
	correlationID := uuid.NewString()
	s.log.Error(err, msg, "correlation_id", correlationID)
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":          "internal error",
		"correlation_id": correlationID,
	})
}

// writeQuotaError is the 429 contract: error, used, limit, message.
func (s *Server) writeQuotaError(w http.ResponseWriter, resource string, usage *store.UsageResult) {
	s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":   "quota_exceeded",
		"used":    usage.NewUsed,
		"limit":   usage.EffectiveLimit,
		"message": "quota exceeded for " + resource,
	})
}

// writeStoreError maps store sentinels onto the HTTP contract.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrUnknownTable):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeInternalError(w, err, msg)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Pool().Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down API server")
		if err := server.Shutdown(context.Background()); err != nil {
			s.log.Error(err, "error shutting down API server")
		}
	}()

	s.log.Info("starting API server", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
