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

// UpsertFile inserts or updates a file row.
func (s *Store) UpsertFile(ctx context.Context, f *File) error {
	if f.ID == uuid.Nil {
		f.ID = ids.Derive("files", f.Name)
	}
	if f.ProcessingStatus == "" {
		f.ProcessingStatus = FileStatusPending
	}
	metadata, edges := envelopeJSONB(f.Metadata, f.GraphEdges)

	var parsedOutput []byte
	if f.ParsedOutput != nil {
		parsedOutput = pgutil.MarshalJSONB(f.ParsedOutput)
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO files (id, name, mime_type, size_bytes, uri, parsed_content, parsed_output,
			thumbnail_uri, processing_status, tenant_id, user_id, tags, metadata, graph_edges)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), COALESCE($7, '{}'::jsonb),
			NULLIF($8, ''), $9, NULLIF($10, ''), NULLIF($11, ''),
			COALESCE($12, '{}'::text[]), COALESCE($13, '{}'::jsonb), COALESCE($14, '[]'::jsonb))
		ON CONFLICT (id) DO UPDATE SET
			mime_type = COALESCE(EXCLUDED.mime_type, files.mime_type),
			size_bytes = COALESCE(NULLIF(EXCLUDED.size_bytes, 0), files.size_bytes),
			uri = COALESCE(EXCLUDED.uri, files.uri),
			parsed_content = COALESCE(EXCLUDED.parsed_content, files.parsed_content),
			parsed_output = COALESCE($7, files.parsed_output),
			thumbnail_uri = COALESCE(EXCLUDED.thumbnail_uri, files.thumbnail_uri),
			processing_status = COALESCE(NULLIF(EXCLUDED.processing_status, ''), files.processing_status),
			tenant_id = COALESCE(EXCLUDED.tenant_id, files.tenant_id),
			user_id = COALESCE(EXCLUDED.user_id, files.user_id),
			tags = COALESCE($12, files.tags),
			metadata = COALESCE($13, files.metadata),
			graph_edges = COALESCE($14, files.graph_edges),
			deleted_at = NULL,
			updated_at = now()
		RETURNING created_at, updated_at`,
		f.ID, f.Name, f.MimeType, f.SizeBytes, f.URI, f.ParsedContent, parsedOutput,
		f.ThumbnailURI, f.ProcessingStatus, f.TenantID, f.UserID, f.Tags, metadata, edges,
	).Scan(&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upserting file %s: %w", f.Name, err)
	}
	return nil
}

// SetFileProcessingStatus updates only the processing status, used by the
// file handler's failure path.
func (s *Store) SetFileProcessingStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE files SET processing_status=$2, updated_at=now() WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("store: updating file status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const fileColumns = `id, name, mime_type, size_bytes, uri, parsed_content, parsed_output,
	thumbnail_uri, processing_status, tenant_id, user_id, tags, metadata, graph_edges,
	created_at, updated_at`

func scanFile(row pgx.Row) (*File, error) {
	var (
		f            File
		mimeType     *string
		uri          *string
		parsed       *string
		parsedOutput []byte
		thumbnailURI *string
		tenantID     *string
		userID       *string
		metadata     []byte
		edges        []byte
	)
	err := row.Scan(&f.ID, &f.Name, &mimeType, &f.SizeBytes, &uri, &parsed, &parsedOutput,
		&thumbnailURI, &f.ProcessingStatus, &tenantID, &userID, &f.Tags, &metadata, &edges,
		&f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning file: %w", err)
	}

	f.MimeType = pgutil.DerefString(mimeType)
	f.URI = pgutil.DerefString(uri)
	f.ParsedContent = pgutil.DerefString(parsed)
	f.ParsedOutput = pgutil.UnmarshalJSONB(parsedOutput)
	f.ThumbnailURI = pgutil.DerefString(thumbnailURI)
	f.TenantID = pgutil.DerefString(tenantID)
	f.UserID = pgutil.DerefString(userID)
	f.Metadata = pgutil.UnmarshalJSONB(metadata)
	f.GraphEdges = pgutil.UnmarshalJSONBSlice[GraphEdge](edges)
	return &f, nil
}

// GetFile loads a file by id.
func (s *Store) GetFile(ctx context.Context, id string) (*File, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id=$1 AND deleted_at IS NULL`, id)
	return scanFile(row)
}

// RecentCompletedFiles returns a user's most recently processed files.
func (s *Store) RecentCompletedFiles(ctx context.Context, userID string, limit int) ([]*File, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE user_id=$1 AND processing_status=$2 AND deleted_at IS NULL
		ORDER BY updated_at DESC LIMIT $3`, userID, FileStatusCompleted, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing completed files: %w", err)
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
