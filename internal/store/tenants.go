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

// envelopeJSONB marshals the optional envelope JSON columns, leaving nil
// values as SQL NULL so COALESCE upserts preserve what is already stored.
func envelopeJSONB(metadata map[string]any, edges []GraphEdge) (metadataJSON, edgesJSON []byte) {
	if metadata != nil {
		metadataJSON = pgutil.MarshalJSONB(metadata)
	}
	if edges != nil {
		edgesJSON = pgutil.MarshalJSONBSlice(edges)
	}
	return metadataJSON, edgesJSON
}

// UpsertTenant inserts or updates a tenant. The id derives from the name;
// fields left empty on a re-upsert preserve the stored values.
func (s *Store) UpsertTenant(ctx context.Context, t *Tenant) error {
	if t.ID == uuid.Nil {
		t.ID = ids.Derive("tenants", t.Name)
	}
	metadata, edges := envelopeJSONB(t.Metadata, t.GraphEdges)

	err := s.pool.QueryRow(ctx, `
		INSERT INTO tenants (id, name, encryption_mode, tags, metadata, graph_edges)
		VALUES ($1, $2, COALESCE(NULLIF($3, ''), 'platform'),
			COALESCE($4, '{}'::text[]), COALESCE($5, '{}'::jsonb), COALESCE($6, '[]'::jsonb))
		ON CONFLICT (id) DO UPDATE SET
			encryption_mode = COALESCE(NULLIF(EXCLUDED.encryption_mode, ''), tenants.encryption_mode),
			tags = COALESCE($4, tenants.tags),
			metadata = COALESCE($5, tenants.metadata),
			graph_edges = COALESCE($6, tenants.graph_edges),
			deleted_at = NULL,
			updated_at = now()
		RETURNING encryption_mode, created_at, updated_at`,
		t.ID, t.Name, t.EncryptionMode, t.Tags, metadata, edges,
	).Scan(&t.EncryptionMode, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upserting tenant %s: %w", t.Name, err)
	}
	return nil
}

// GetTenant loads a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var (
		t        Tenant
		metadata []byte
		edges    []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, encryption_mode, tags, metadata, graph_edges,
			created_at, updated_at
		FROM tenants WHERE id=$1 AND deleted_at IS NULL`, id,
	).Scan(&t.ID, &t.Name, &t.EncryptionMode, &t.Tags, &metadata, &edges,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading tenant %s: %w", id, err)
	}

	t.Metadata = pgutil.UnmarshalJSONB(metadata)
	t.GraphEdges = pgutil.UnmarshalJSONBSlice[GraphEdge](edges)
	return &t, nil
}

// GetTenantByName loads a tenant by its natural name.
func (s *Store) GetTenantByName(ctx context.Context, name string) (*Tenant, error) {
	return s.GetTenant(ctx, ids.Derive("tenants", name).String())
}

// DreamerAgents returns the dreamer agent list from tenant metadata, falling
// back to the default dreaming agent.
func (t *Tenant) DreamerAgents() []string {
	raw, ok := t.Metadata["dreamer_agents"].([]any)
	if !ok || len(raw) == 0 {
		return []string{"dreaming-agent"}
	}
	agents := make([]string, 0, len(raw))
	for _, v := range raw {
		if name, ok := v.(string); ok && name != "" {
			agents = append(agents, name)
		}
	}
	if len(agents) == 0 {
		return []string{"dreaming-agent"}
	}
	return agents
}
