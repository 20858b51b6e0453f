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

package query

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/percolationlabs/percolate/internal/store"
)

// Backend is the store surface the executor needs.
type Backend interface {
	Lookup(ctx context.Context, tenantID string, keys []string) ([]store.KVRow, error)
	Fuzzy(ctx context.Context, tenantID, text string, threshold float64, limit int) ([]store.KVRow, error)
	Traverse(ctx context.Context, tenantID, startKey string, maxDepth int, relType string) ([]store.KVRow, error)
	Search(ctx context.Context, tenantID string, vector []float32, table, field, provider string, minSimilarity float64, limit int) ([]store.SearchHit, error)
	Raw(ctx context.Context, query string) ([]string, []map[string]any, error)
}

// Embedder turns query text into a vector for SEARCH.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Name identifies the provider:model pair the vectors were produced with.
	Name() string
}

// Result is the outcome of one executed query. Exactly one of Rows, Hits or
// Records is populated, matching the mode.
type Result struct {
	Mode    Mode             `json:"mode"`
	Rows    []store.KVRow    `json:"rows,omitempty"`
	Hits    []store.SearchHit `json:"hits,omitempty"`
	Columns []string         `json:"columns,omitempty"`
	Records []map[string]any `json:"records,omitempty"`
}

// Executor runs parsed queries against the store.
type Executor struct {
	backend  Backend
	embedder Embedder
	logger   logr.Logger
}

// NewExecutor creates an Executor. embedder may be nil, in which case SEARCH
// queries fail with a descriptive error.
func NewExecutor(backend Backend, embedder Embedder, logger logr.Logger) *Executor {
	return &Executor{backend: backend, embedder: embedder, logger: logger}
}

// Run parses and executes input for a tenant.
func (e *Executor) Run(ctx context.Context, tenantID, input string) (*Result, error) {
	q, err := Parse(input)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, tenantID, q)
}

// Execute runs a parsed query for a tenant.
func (e *Executor) Execute(ctx context.Context, tenantID string, q *Query) (*Result, error) {
	switch q.Mode {
	case ModeLookup:
		rows, err := e.backend.Lookup(ctx, tenantID, q.Keys)
		if err != nil {
			return nil, err
		}
		return &Result{Mode: ModeLookup, Rows: rows}, nil

	case ModeFuzzy:
		rows, err := e.backend.Fuzzy(ctx, tenantID, q.Text, q.Threshold, q.Limit)
		if err != nil {
			return nil, err
		}
		return &Result{Mode: ModeFuzzy, Rows: rows}, nil

	case ModeTraverse:
		rows, err := e.backend.Traverse(ctx, tenantID, q.Text, q.Depth, q.Relation)
		if err != nil {
			return nil, err
		}
		return &Result{Mode: ModeTraverse, Rows: rows}, nil

	case ModeSearch:
		if e.embedder == nil {
			return nil, fmt.Errorf("query: SEARCH requires an embedding provider")
		}
		vector, err := e.embedder.EmbedQuery(ctx, q.Text)
		if err != nil {
			return nil, fmt.Errorf("query: embedding search text: %w", err)
		}
		table := q.Table
		if table == "" {
			table = "resources"
		}
		hits, err := e.backend.Search(ctx, tenantID, vector, table, q.Field,
			e.embedder.Name(), q.MinSimilarity, q.Limit)
		if err != nil {
			return nil, err
		}
		return &Result{Mode: ModeSearch, Hits: hits}, nil

	case ModeSQL:
		// Parse already validated, but queries built programmatically may
		// reach Execute directly.
		if err := ValidateSQL(q.Raw); err != nil {
			return nil, err
		}
		e.logger.V(1).Info("executing raw sql", "tenant", tenantID)
		columns, records, err := e.backend.Raw(ctx, q.Raw)
		if err != nil {
			return nil, err
		}
		return &Result{Mode: ModeSQL, Columns: columns, Records: records}, nil

	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrSyntax, q.Mode)
	}
}
