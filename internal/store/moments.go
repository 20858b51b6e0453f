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
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/percolationlabs/percolate/internal/ids"
	"github.com/percolationlabs/percolate/internal/pgutil"
)

// UpsertMoment inserts or updates a moment.
func (s *Store) UpsertMoment(ctx context.Context, m *Moment) error {
	if m.ID == uuid.Nil {
		m.ID = ids.Derive("moments", m.Name)
	}
	metadata, edges := envelopeJSONB(m.Metadata, m.GraphEdges)

	var sourceSessionID *uuid.UUID
	if m.SourceSessionID != nil && *m.SourceSessionID != uuid.Nil {
		sourceSessionID = m.SourceSessionID
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO moments (id, name, moment_type, summary, starts_timestamp, ends_timestamp,
			topic_tags, emotion_tags, source_session_id, previous_moment_keys,
			tenant_id, user_id, tags, metadata, graph_edges)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6,
			COALESCE($7, '{}'::text[]), COALESCE($8, '{}'::text[]), $9, COALESCE($10, '{}'::text[]),
			NULLIF($11, ''), NULLIF($12, ''),
			COALESCE($13, '{}'::text[]), COALESCE($14, '{}'::jsonb), COALESCE($15, '[]'::jsonb))
		ON CONFLICT (id) DO UPDATE SET
			moment_type = COALESCE(NULLIF(EXCLUDED.moment_type, ''), moments.moment_type),
			summary = COALESCE(EXCLUDED.summary, moments.summary),
			starts_timestamp = COALESCE(EXCLUDED.starts_timestamp, moments.starts_timestamp),
			ends_timestamp = COALESCE(EXCLUDED.ends_timestamp, moments.ends_timestamp),
			topic_tags = COALESCE($7, moments.topic_tags),
			emotion_tags = COALESCE($8, moments.emotion_tags),
			source_session_id = COALESCE(EXCLUDED.source_session_id, moments.source_session_id),
			previous_moment_keys = COALESCE($10, moments.previous_moment_keys),
			tenant_id = COALESCE(EXCLUDED.tenant_id, moments.tenant_id),
			user_id = COALESCE(EXCLUDED.user_id, moments.user_id),
			tags = COALESCE($13, moments.tags),
			metadata = COALESCE($14, moments.metadata),
			graph_edges = COALESCE($15, moments.graph_edges),
			deleted_at = NULL,
			updated_at = now()
		RETURNING created_at, updated_at`,
		m.ID, m.Name, m.MomentType, m.Summary, m.StartsTimestamp, m.EndsTimestamp,
		m.TopicTags, m.EmotionTags, sourceSessionID, m.PreviousMomentKeys,
		m.TenantID, m.UserID, m.Tags, metadata, edges,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upserting moment %s: %w", m.Name, err)
	}
	return nil
}

const momentColumns = `id, name, moment_type, summary, starts_timestamp, ends_timestamp,
	topic_tags, emotion_tags, source_session_id, previous_moment_keys,
	tenant_id, user_id, tags, metadata, graph_edges, created_at, updated_at`

func scanMoment(row pgx.Row) (*Moment, error) {
	var (
		m        Moment
		summary  *string
		tenantID *string
		userID   *string
		metadata []byte
		edges    []byte
	)
	err := row.Scan(&m.ID, &m.Name, &m.MomentType, &summary, &m.StartsTimestamp, &m.EndsTimestamp,
		&m.TopicTags, &m.EmotionTags, &m.SourceSessionID, &m.PreviousMomentKeys,
		&tenantID, &userID, &m.Tags, &metadata, &edges, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning moment: %w", err)
	}

	m.Summary = pgutil.DerefString(summary)
	m.TenantID = pgutil.DerefString(tenantID)
	m.UserID = pgutil.DerefString(userID)
	m.Metadata = pgutil.UnmarshalJSONB(metadata)
	m.GraphEdges = pgutil.UnmarshalJSONBSlice[GraphEdge](edges)
	return &m, nil
}

// GetMoment loads a moment by id.
func (s *Store) GetMoment(ctx context.Context, id string) (*Moment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+momentColumns+` FROM moments WHERE id=$1 AND deleted_at IS NULL`, id)
	return scanMoment(row)
}

// RecentMoments returns a user's moments created since the cutoff, newest
// first, bounded by limit.
func (s *Store) RecentMoments(ctx context.Context, userID string, since time.Time, limit int) ([]*Moment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+momentColumns+` FROM moments
		WHERE user_id=$1 AND created_at >= $2 AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT $3`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing recent moments: %w", err)
	}
	defer rows.Close()

	var out []*Moment
	for rows.Next() {
		m, err := scanMoment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MergeGraphEdges merges additions into an entity's graph_edges column using
// the higher-weight dedup rule. The table must be in the registry.
func (s *Store) MergeGraphEdges(ctx context.Context, table, id string, additions []GraphEdge) error {
	if _, ok := Table(table); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	var current []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT graph_edges FROM %s WHERE id=$1 AND deleted_at IS NULL`, table), id,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: loading graph edges of %s/%s: %w", table, id, err)
	}

	merged := MergeEdges(pgutil.UnmarshalJSONBSlice[GraphEdge](current), additions)
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET graph_edges=$2, updated_at=now() WHERE id=$1`, table),
		id, pgutil.MarshalJSONBSlice(merged))
	if err != nil {
		return fmt.Errorf("store: merging graph edges of %s/%s: %w", table, id, err)
	}
	return nil
}
