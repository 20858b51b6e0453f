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

// UpsertSession inserts or updates a session.
func (s *Store) UpsertSession(ctx context.Context, sess *Session) error {
	if sess.ID == uuid.Nil {
		if sess.Name != "" {
			sess.ID = ids.Derive("sessions", sess.Name)
		} else {
			sess.ID = ids.New()
		}
	}
	if sess.Name == "" {
		sess.Name = sess.ID.String()
	}
	if sess.Mode == "" {
		sess.Mode = SessionModeChat
	}
	metadata, edges := envelopeJSONB(sess.Metadata, sess.GraphEdges)

	err := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (id, name, mode, agent_name, total_tokens, tenant_id, user_id, tags, metadata, graph_edges)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), NULLIF($7, ''),
			COALESCE($8, '{}'::text[]), COALESCE($9, '{}'::jsonb), COALESCE($10, '[]'::jsonb))
		ON CONFLICT (id) DO UPDATE SET
			mode = COALESCE(NULLIF(EXCLUDED.mode, ''), sessions.mode),
			agent_name = COALESCE(EXCLUDED.agent_name, sessions.agent_name),
			total_tokens = GREATEST(EXCLUDED.total_tokens, sessions.total_tokens),
			tenant_id = COALESCE(EXCLUDED.tenant_id, sessions.tenant_id),
			user_id = COALESCE(EXCLUDED.user_id, sessions.user_id),
			tags = COALESCE($8, sessions.tags),
			metadata = COALESCE($9, sessions.metadata),
			graph_edges = COALESCE($10, sessions.graph_edges),
			deleted_at = NULL,
			updated_at = now()
		RETURNING created_at, updated_at`,
		sess.ID, sess.Name, sess.Mode, sess.AgentName, sess.TotalTokens,
		sess.TenantID, sess.UserID, sess.Tags, metadata, edges,
	).Scan(&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upserting session %s: %w", sess.Name, err)
	}
	return nil
}

const sessionColumns = `id, name, mode, agent_name, total_tokens, tenant_id, user_id,
	tags, metadata, graph_edges, created_at, updated_at`

func scanStoredSession(row pgx.Row) (*Session, error) {
	var (
		sess      Session
		agentName *string
		tenantID  *string
		userID    *string
		metadata  []byte
		edges     []byte
	)
	err := row.Scan(&sess.ID, &sess.Name, &sess.Mode, &agentName, &sess.TotalTokens,
		&tenantID, &userID, &sess.Tags, &metadata, &edges, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning session: %w", err)
	}

	sess.AgentName = pgutil.DerefString(agentName)
	sess.TenantID = pgutil.DerefString(tenantID)
	sess.UserID = pgutil.DerefString(userID)
	sess.Metadata = pgutil.UnmarshalJSONB(metadata)
	sess.GraphEdges = pgutil.UnmarshalJSONBSlice[GraphEdge](edges)
	return &sess, nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id=$1 AND deleted_at IS NULL`, id)
	return scanStoredSession(row)
}

// RecentSessions returns a user's most recently updated sessions.
func (s *Store) RecentSessions(ctx context.Context, userID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id=$1 AND deleted_at IS NULL
		ORDER BY updated_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing recent sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanStoredSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
