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
	"github.com/percolationlabs/percolate/internal/pgutil"
)

// UpsertServer inserts or updates an MCP/OpenAPI service registration.
func (s *Store) UpsertServer(ctx context.Context, srv *Server) error {
	if srv.ID == uuid.Nil {
		srv.ID = ids.Derive("servers", srv.Name)
	}
	metadata, edges := envelopeJSONB(srv.Metadata, srv.GraphEdges)

	err := s.pool.QueryRow(ctx, `
		INSERT INTO servers (id, name, description, url, protocol, tenant_id, tags, metadata, graph_edges)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			COALESCE($7, '{}'::text[]), COALESCE($8, '{}'::jsonb), COALESCE($9, '[]'::jsonb))
		ON CONFLICT (id) DO UPDATE SET
			description = COALESCE(EXCLUDED.description, servers.description),
			url = COALESCE(EXCLUDED.url, servers.url),
			protocol = COALESCE(EXCLUDED.protocol, servers.protocol),
			tenant_id = COALESCE(EXCLUDED.tenant_id, servers.tenant_id),
			tags = COALESCE($7, servers.tags),
			metadata = COALESCE($8, servers.metadata),
			graph_edges = COALESCE($9, servers.graph_edges),
			deleted_at = NULL,
			updated_at = now()
		RETURNING created_at, updated_at`,
		srv.ID, srv.Name, srv.Description, srv.URL, srv.Protocol, srv.TenantID,
		srv.Tags, metadata, edges,
	).Scan(&srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upserting server %s: %w", srv.Name, err)
	}
	return nil
}

// UpsertTool inserts or updates one callable of a server. The id derives
// from server plus tool name so re-registration is idempotent.
func (s *Store) UpsertTool(ctx context.Context, t *Tool) error {
	if t.ID == uuid.Nil {
		t.ID = ids.Derive("tools", t.ServerName+"/"+t.Name)
	}
	metadata, edges := envelopeJSONB(t.Metadata, t.GraphEdges)

	var inputSchema []byte
	if t.InputSchema != nil {
		inputSchema = pgutil.MarshalJSONB(t.InputSchema)
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO tools (id, name, server_name, description, input_schema, tenant_id, tags, metadata, graph_edges)
		VALUES ($1, $2, $3, NULLIF($4, ''), COALESCE($5, '{}'::jsonb), NULLIF($6, ''),
			COALESCE($7, '{}'::text[]), COALESCE($8, '{}'::jsonb), COALESCE($9, '[]'::jsonb))
		ON CONFLICT (id) DO UPDATE SET
			description = COALESCE(EXCLUDED.description, tools.description),
			input_schema = COALESCE($5, tools.input_schema),
			tenant_id = COALESCE(EXCLUDED.tenant_id, tools.tenant_id),
			tags = COALESCE($7, tools.tags),
			metadata = COALESCE($8, tools.metadata),
			graph_edges = COALESCE($9, tools.graph_edges),
			deleted_at = NULL,
			updated_at = now()
		RETURNING created_at, updated_at`,
		t.ID, t.Name, t.ServerName, t.Description, inputSchema, t.TenantID,
		t.Tags, metadata, edges,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upserting tool %s/%s: %w", t.ServerName, t.Name, err)
	}
	return nil
}
