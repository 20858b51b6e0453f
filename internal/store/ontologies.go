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

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/percolationlabs/percolate/internal/ids"
	"github.com/percolationlabs/percolate/internal/pgutil"
)

// UpsertOntology inserts or updates a long-form document. Content is
// encrypted; the embedding pipeline decrypts before hashing.
func (s *Store) UpsertOntology(ctx context.Context, o *Ontology) error {
	if o.ID == uuid.Nil {
		o.ID = ids.Derive("ontologies", o.Name)
	}
	metadata, edges := envelopeJSONB(o.Metadata, o.GraphEdges)

	record := map[string]any{"content": o.Content}
	if err := s.enc.EncryptRecord(ctx, o.TenantID, "ontologies", o.ID.String(), record); err != nil {
		return err
	}
	content, _ := record["content"].(string)

	err := s.pool.QueryRow(ctx, `
		INSERT INTO ontologies (id, name, content, tenant_id, user_id, tags, metadata, graph_edges)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''),
			COALESCE($6, '{}'::text[]), COALESCE($7, '{}'::jsonb), COALESCE($8, '[]'::jsonb))
		ON CONFLICT (id) DO UPDATE SET
			content = COALESCE(EXCLUDED.content, ontologies.content),
			tenant_id = COALESCE(EXCLUDED.tenant_id, ontologies.tenant_id),
			user_id = COALESCE(EXCLUDED.user_id, ontologies.user_id),
			tags = COALESCE($6, ontologies.tags),
			metadata = COALESCE($7, ontologies.metadata),
			graph_edges = COALESCE($8, ontologies.graph_edges),
			deleted_at = NULL,
			updated_at = now()
		RETURNING created_at, updated_at`,
		o.ID, o.Name, content, o.TenantID, o.UserID, o.Tags, metadata, edges,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upserting ontology %s: %w", o.Name, err)
	}
	return nil
}

// GetOntology loads an ontology document by id, decrypting content for
// platform-mode tenants.
func (s *Store) GetOntology(ctx context.Context, id string) (*Ontology, error) {
	var (
		o        Ontology
		content  *string
		tenantID *string
		userID   *string
		metadata []byte
		edges    []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, content, tenant_id, user_id, tags, metadata, graph_edges,
			created_at, updated_at
		FROM ontologies WHERE id=$1 AND deleted_at IS NULL`, id,
	).Scan(&o.ID, &o.Name, &content, &tenantID, &userID, &o.Tags, &metadata, &edges,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading ontology %s: %w", id, err)
	}

	o.TenantID = pgutil.DerefString(tenantID)
	o.UserID = pgutil.DerefString(userID)
	o.Metadata = pgutil.UnmarshalJSONB(metadata)
	o.GraphEdges = pgutil.UnmarshalJSONBSlice[GraphEdge](edges)

	record := map[string]any{"content": pgutil.DerefString(content)}
	if err := s.enc.DecryptRecord(ctx, o.TenantID, "ontologies", o.ID.String(), record); err != nil {
		return nil, err
	}
	o.Content, _ = record["content"].(string)
	return &o, nil
}
