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

// UpsertResource inserts or updates a resource chunk. The id derives from
// name plus ordinal so re-chunking a document targets the same rows.
func (s *Store) UpsertResource(ctx context.Context, r *Resource) error {
	if r.ID == uuid.Nil {
		r.ID = ids.Derive("resources", fmt.Sprintf("%s#%d", r.Name, r.Ordinal))
	}
	metadata, edges := envelopeJSONB(r.Metadata, r.GraphEdges)

	err := s.pool.QueryRow(ctx, `
		INSERT INTO resources (id, name, uri, ordinal, content, category, comment, image_uri, rating,
			tenant_id, user_id, tags, metadata, graph_edges)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
			NULLIF($8, ''), $9, NULLIF($10, ''), NULLIF($11, ''),
			COALESCE($12, '{}'::text[]), COALESCE($13, '{}'::jsonb), COALESCE($14, '[]'::jsonb))
		ON CONFLICT (id) DO UPDATE SET
			uri = COALESCE(EXCLUDED.uri, resources.uri),
			content = COALESCE(EXCLUDED.content, resources.content),
			category = COALESCE(EXCLUDED.category, resources.category),
			comment = COALESCE(EXCLUDED.comment, resources.comment),
			image_uri = COALESCE(EXCLUDED.image_uri, resources.image_uri),
			rating = COALESCE(NULLIF(EXCLUDED.rating, 0), resources.rating),
			tenant_id = COALESCE(EXCLUDED.tenant_id, resources.tenant_id),
			user_id = COALESCE(EXCLUDED.user_id, resources.user_id),
			tags = COALESCE($12, resources.tags),
			metadata = COALESCE($13, resources.metadata),
			graph_edges = COALESCE($14, resources.graph_edges),
			deleted_at = NULL,
			updated_at = now()
		RETURNING created_at, updated_at`,
		r.ID, r.Name, r.URI, r.Ordinal, r.Content, r.Category, r.Comment, r.ImageURI, r.Rating,
		r.TenantID, r.UserID, r.Tags, metadata, edges,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upserting resource %s: %w", r.Name, err)
	}
	return nil
}

const resourceColumns = `id, name, uri, ordinal, content, category, comment, image_uri, rating,
	tenant_id, user_id, tags, metadata, graph_edges, created_at, updated_at`

func scanResource(row pgx.Row) (*Resource, error) {
	var (
		r        Resource
		uri      *string
		content  *string
		category *string
		comment  *string
		imageURI *string
		rating   *float64
		tenantID *string
		userID   *string
		metadata []byte
		edges    []byte
	)
	err := row.Scan(&r.ID, &r.Name, &uri, &r.Ordinal, &content, &category, &comment, &imageURI, &rating,
		&tenantID, &userID, &r.Tags, &metadata, &edges, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning resource: %w", err)
	}

	r.URI = pgutil.DerefString(uri)
	r.Content = pgutil.DerefString(content)
	r.Category = pgutil.DerefString(category)
	r.Comment = pgutil.DerefString(comment)
	r.ImageURI = pgutil.DerefString(imageURI)
	if rating != nil {
		r.Rating = *rating
	}
	r.TenantID = pgutil.DerefString(tenantID)
	r.UserID = pgutil.DerefString(userID)
	r.Metadata = pgutil.UnmarshalJSONB(metadata)
	r.GraphEdges = pgutil.UnmarshalJSONBSlice[GraphEdge](edges)
	return &r, nil
}

// GetResource loads a resource by id.
func (s *Store) GetResource(ctx context.Context, id string) (*Resource, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE id=$1 AND deleted_at IS NULL`, id)
	return scanResource(row)
}

// GetResourcesByIDs loads resources by id, preserving only existing rows.
func (s *Store) GetResourcesByIDs(ctx context.Context, resourceIDs []string) ([]*Resource, error) {
	if len(resourceIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+resourceColumns+` FROM resources
		WHERE id = ANY($1) AND deleted_at IS NULL`, resourceIDs)
	if err != nil {
		return nil, fmt.Errorf("store: loading resources: %w", err)
	}
	defer rows.Close()

	var out []*Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
