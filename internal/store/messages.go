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
	"github.com/jackc/pgx/v5"

	"github.com/percolationlabs/percolate/internal/ids"
	"github.com/percolationlabs/percolate/internal/pgutil"
	"github.com/percolationlabs/percolate/internal/tokens"
)

// InsertMessage appends one message to a session. Messages are transient
// rows: ids are random, there is no upsert. Content is encrypted.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = ids.New()
	}
	if m.TokenCount == 0 {
		m.TokenCount = tokens.Estimate(m.Content)
	}
	metadata, edges := envelopeJSONB(m.Metadata, m.GraphEdges)

	var toolCalls []byte
	if m.ToolCalls != nil {
		toolCalls = pgutil.MarshalJSONBSlice(m.ToolCalls)
	}

	record := map[string]any{"content": m.Content}
	if err := s.enc.EncryptRecord(ctx, m.TenantID, "messages", m.ID.String(), record); err != nil {
		return err
	}
	content, _ := record["content"].(string)

	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, session_id, message_type, content, tool_calls, token_count,
			tenant_id, user_id, tags, metadata, graph_edges)
		VALUES ($1, $2, $3, $4, COALESCE($5, '[]'::jsonb), $6, NULLIF($7, ''), NULLIF($8, ''),
			COALESCE($9, '{}'::text[]), COALESCE($10, '{}'::jsonb), COALESCE($11, '[]'::jsonb))
		RETURNING created_at, updated_at`,
		m.ID, m.SessionID, m.MessageType, content, toolCalls, m.TokenCount,
		m.TenantID, m.UserID, m.Tags, metadata, edges,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: inserting message: %w", err)
	}
	return nil
}

const messageColumns = `id, session_id, message_type, content, tool_calls, token_count,
	tenant_id, user_id, tags, metadata, graph_edges, created_at, updated_at`

func (s *Store) scanMessage(ctx context.Context, row pgx.Row) (*Message, error) {
	var (
		m         Message
		content   *string
		toolCalls []byte
		tenantID  *string
		userID    *string
		metadata  []byte
		edges     []byte
	)
	err := row.Scan(&m.ID, &m.SessionID, &m.MessageType, &content, &toolCalls, &m.TokenCount,
		&tenantID, &userID, &m.Tags, &metadata, &edges, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: scanning message: %w", err)
	}

	m.TenantID = pgutil.DerefString(tenantID)
	m.UserID = pgutil.DerefString(userID)
	m.ToolCalls = pgutil.UnmarshalJSONBSlice[map[string]any](toolCalls)
	m.Metadata = pgutil.UnmarshalJSONB(metadata)
	m.GraphEdges = pgutil.UnmarshalJSONBSlice[GraphEdge](edges)

	record := map[string]any{"content": pgutil.DerefString(content)}
	if err := s.enc.DecryptRecord(ctx, m.TenantID, "messages", m.ID.String(), record); err != nil {
		return nil, err
	}
	m.Content, _ = record["content"].(string)
	return &m, nil
}

// LoadMessages returns a session's messages in chronological order through
// the load_messages dialect function. maxTokens and maxMessages both bound
// the result; the tightest wins. since filters to messages created after it.
func (s *Store) LoadMessages(ctx context.Context, sessionID string, maxTokens, maxMessages int) ([]*Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM p8_load_messages($1, $2, $3)`,
		sessionID, pgutil.NullInt(maxTokens), pgutil.NullInt(maxMessages))
	if err != nil {
		return nil, fmt.Errorf("store: loading messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := s.scanMessage(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentMessages returns the n most recent messages of a session in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, n int) ([]*Message, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT * FROM messages
			WHERE session_id=$1 AND deleted_at IS NULL
			ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at ASC`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("store: loading recent messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := s.scanMessage(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
