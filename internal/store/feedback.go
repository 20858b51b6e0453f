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
	"fmt"

	"github.com/google/uuid"

	"github.com/percolationlabs/percolate/internal/ids"
)

// InsertFeedback appends a rating row for a session. Transient; random id.
func (s *Store) InsertFeedback(ctx context.Context, f *Feedback) error {
	if f.ID == uuid.Nil {
		f.ID = ids.New()
	}
	metadata, edges := envelopeJSONB(f.Metadata, f.GraphEdges)

	err := s.pool.QueryRow(ctx, `
		INSERT INTO feedback (id, session_id, rating, comment, tenant_id, user_id, tags, metadata, graph_edges)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			COALESCE($7, '{}'::text[]), COALESCE($8, '{}'::jsonb), COALESCE($9, '[]'::jsonb))
		RETURNING created_at, updated_at`,
		f.ID, f.SessionID, f.Rating, f.Comment, f.TenantID, f.UserID, f.Tags, metadata, edges,
	).Scan(&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: inserting feedback: %w", err)
	}
	return nil
}

// UpsertStorageGrant records an external storage authorization. The id
// derives from user plus provider so re-authorizing replaces the grant.
func (s *Store) UpsertStorageGrant(ctx context.Context, g *StorageGrant) error {
	if g.ID == uuid.Nil {
		g.ID = ids.Derive("storage_grants", g.UserID+"/"+g.Provider)
	}
	metadata, edges := envelopeJSONB(g.Metadata, g.GraphEdges)

	err := s.pool.QueryRow(ctx, `
		INSERT INTO storage_grants (id, provider, grant_ref, scope, expires_at,
			tenant_id, user_id, tags, metadata, graph_edges)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), NULLIF($7, ''),
			COALESCE($8, '{}'::text[]), COALESCE($9, '{}'::jsonb), COALESCE($10, '[]'::jsonb))
		ON CONFLICT (id) DO UPDATE SET
			grant_ref = EXCLUDED.grant_ref,
			scope = COALESCE(EXCLUDED.scope, storage_grants.scope),
			expires_at = COALESCE(EXCLUDED.expires_at, storage_grants.expires_at),
			tags = COALESCE($8, storage_grants.tags),
			metadata = COALESCE($9, storage_grants.metadata),
			graph_edges = COALESCE($10, storage_grants.graph_edges),
			deleted_at = NULL,
			updated_at = now()
		RETURNING created_at, updated_at`,
		g.ID, g.Provider, g.GrantRef, g.Scope, g.ExpiresAt,
		g.TenantID, g.UserID, g.Tags, metadata, edges,
	).Scan(&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upserting storage grant: %w", err)
	}
	return nil
}
