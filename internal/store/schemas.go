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

// UpsertSchema inserts or updates an ontology registry row. Inserts and
// updates are mirrored into schema_timemachine by trigger.
func (s *Store) UpsertSchema(ctx context.Context, sc *Schema) error {
	if sc.ID == uuid.Nil {
		sc.ID = ids.Derive("schemas", sc.Name)
	}
	metadata, edges := envelopeJSONB(sc.Metadata, sc.GraphEdges)

	var jsonSchema []byte
	if sc.JSONSchema != nil {
		jsonSchema = pgutil.MarshalJSONB(sc.JSONSchema)
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO schemas (id, name, kind, description, json_schema, tenant_id, user_id, tags, metadata, graph_edges)
		VALUES ($1, $2, $3, NULLIF($4, ''), COALESCE($5, '{}'::jsonb), NULLIF($6, ''), NULLIF($7, ''),
			COALESCE($8, '{}'::text[]), COALESCE($9, '{}'::jsonb), COALESCE($10, '[]'::jsonb))
		ON CONFLICT (id) DO UPDATE SET
			kind = COALESCE(NULLIF(EXCLUDED.kind, ''), schemas.kind),
			description = COALESCE(EXCLUDED.description, schemas.description),
			json_schema = COALESCE($5, schemas.json_schema),
			tenant_id = COALESCE(EXCLUDED.tenant_id, schemas.tenant_id),
			user_id = COALESCE(EXCLUDED.user_id, schemas.user_id),
			tags = COALESCE($8, schemas.tags),
			metadata = COALESCE($9, schemas.metadata),
			graph_edges = COALESCE($10, schemas.graph_edges),
			deleted_at = NULL,
			updated_at = now()
		RETURNING created_at, updated_at`,
		sc.ID, sc.Name, sc.Kind, sc.Description, jsonSchema, sc.TenantID, sc.UserID,
		sc.Tags, metadata, edges,
	).Scan(&sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upserting schema %s: %w", sc.Name, err)
	}
	return nil
}

const schemaColumns = `id, name, kind, description, json_schema, tenant_id, user_id,
	tags, metadata, graph_edges, created_at, updated_at`

func scanSchema(row pgx.Row) (*Schema, error) {
	var (
		sc          Schema
		description *string
		jsonSchema  []byte
		tenantID    *string
		userID      *string
		metadata    []byte
		edges       []byte
	)
	err := row.Scan(&sc.ID, &sc.Name, &sc.Kind, &description, &jsonSchema, &tenantID, &userID,
		&sc.Tags, &metadata, &edges, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning schema: %w", err)
	}

	sc.Description = pgutil.DerefString(description)
	sc.JSONSchema = pgutil.UnmarshalJSONB(jsonSchema)
	sc.TenantID = pgutil.DerefString(tenantID)
	sc.UserID = pgutil.DerefString(userID)
	sc.Metadata = pgutil.UnmarshalJSONB(metadata)
	sc.GraphEdges = pgutil.UnmarshalJSONBSlice[GraphEdge](edges)
	return &sc, nil
}

// GetSchema loads a schema by id.
func (s *Store) GetSchema(ctx context.Context, id string) (*Schema, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+schemaColumns+` FROM schemas WHERE id=$1 AND deleted_at IS NULL`, id)
	return scanSchema(row)
}

// GetSchemaByName loads a schema by natural name.
func (s *Store) GetSchemaByName(ctx context.Context, name string) (*Schema, error) {
	return s.GetSchema(ctx, ids.Derive("schemas", name).String())
}

// ListSchemas returns non-deleted schemas, optionally filtered by kind.
func (s *Store) ListSchemas(ctx context.Context, kind string, limit int) ([]*Schema, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+schemaColumns+` FROM schemas
		WHERE deleted_at IS NULL AND ($1 = '' OR kind = $1)
		ORDER BY name LIMIT $2`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing schemas: %w", err)
	}
	defer rows.Close()

	var out []*Schema
	for rows.Next() {
		sc, err := scanSchema(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
