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
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/percolationlabs/percolate/internal/ids"
	"github.com/percolationlabs/percolate/internal/pgutil"
	"github.com/percolationlabs/percolate/internal/tokens"
)

// KVRow is one hit from the KV index, returned by lookup, fuzzy and
// traverse.
type KVRow struct {
	TenantID       string         `json:"tenant_id"`
	EntityKey      string         `json:"entity_key"`
	EntityType     string         `json:"entity_type"`
	EntityID       uuid.UUID      `json:"entity_id"`
	ContentSummary string         `json:"content_summary"`
	GraphEdges     []GraphEdge    `json:"graph_edges,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	// Similarity is set by fuzzy; Depth by traverse.
	Similarity float64 `json:"similarity,omitempty"`
	Depth      int     `json:"depth,omitempty"`
}

func scanKVRows(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
	Close()
}, withSimilarity, withDepth bool) ([]KVRow, error) {
	defer rows.Close()
	var out []KVRow
	for rows.Next() {
		var (
			r        KVRow
			summary  *string
			edges    []byte
			metadata []byte
		)
		dest := []any{&r.TenantID, &r.EntityKey, &r.EntityType, &r.EntityID, &summary, &edges, &metadata}
		if withSimilarity {
			dest = append(dest, &r.Similarity)
		}
		if withDepth {
			dest = append(dest, &r.Depth)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("store: scanning kv row: %w", err)
		}
		r.ContentSummary = pgutil.DerefString(summary)
		r.GraphEdges = pgutil.UnmarshalJSONBSlice[GraphEdge](edges)
		r.Metadata = pgutil.UnmarshalJSONB(metadata)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Lookup returns KV rows matching a key exactly, falling back to the
// normalized form of the key.
func (s *Store) Lookup(ctx context.Context, tenantID string, keys []string) ([]KVRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, entity_key, entity_type, entity_id, content_summary, graph_edges, metadata
		FROM p8_lookup($1, $2)`, tenantID, keys)
	if err != nil {
		return nil, fmt.Errorf("store: lookup: %w", err)
	}
	return scanKVRows(rows, false, false)
}

// Fuzzy returns KV rows by trigram similarity over entity_key and
// content_summary.
func (s *Store) Fuzzy(ctx context.Context, tenantID, text string, threshold float64, limit int) ([]KVRow, error) {
	if threshold <= 0 {
		threshold = 0.3
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, entity_key, entity_type, entity_id, content_summary, graph_edges, metadata, similarity
		FROM p8_fuzzy($1, $2, $3, $4)`, tenantID, text, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fuzzy: %w", err)
	}
	return scanKVRows(rows, true, false)
}

// Traverse walks graph_edges breadth-first from a start key, bounded by
// depth and an optional relation filter.
func (s *Store) Traverse(ctx context.Context, tenantID, startKey string, maxDepth int, relType string) ([]KVRow, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, entity_key, entity_type, entity_id, content_summary, graph_edges, metadata, depth
		FROM p8_traverse($1, $2, $3, $4)`, tenantID, startKey, maxDepth, pgutil.NullString(relType))
	if err != nil {
		return nil, fmt.Errorf("store: traverse: %w", err)
	}
	return scanKVRows(rows, false, true)
}

// SearchHit is one vector similarity hit joined back to its source row.
type SearchHit struct {
	EntityID   uuid.UUID `json:"entity_id"`
	EntityKey  string    `json:"entity_key"`
	Content    string    `json:"content"`
	Similarity float64   `json:"similarity"`
}

// Search runs cosine similarity against embeddings_<table> and joins the
// source rows.
func (s *Store) Search(ctx context.Context, tenantID string, vector []float32, table, field, provider string, minSimilarity float64, limit int) ([]SearchHit, error) {
	info, ok := Table(table)
	if !ok || info.EmbeddingField == "" {
		return nil, fmt.Errorf("%w: %s is not embeddable", ErrUnknownTable, table)
	}
	if field == "" {
		field = info.EmbeddingField
	}
	if minSimilarity <= 0 {
		minSimilarity = 0.3
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, entity_key, content, similarity
		FROM p8_search($1, $2, $3, $4, $5, $6, $7)`,
		tenantID, pgvector.NewVector(vector), table, field, provider, minSimilarity, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()

	var out []SearchHit
	for rows.Next() {
		var (
			h       SearchHit
			key     *string
			content *string
		)
		if err := rows.Scan(&h.EntityID, &key, &content, &h.Similarity); err != nil {
			return nil, fmt.Errorf("store: scanning search hit: %w", err)
		}
		h.EntityKey = pgutil.DerefString(key)
		h.Content = pgutil.DerefString(content)
		out = append(out, h)
	}
	return out, rows.Err()
}

// MomentsFeed returns a cursor-paginated moment timeline for a user.
// beforeDate, when non-zero, is interpreted in UTC.
func (s *Store) MomentsFeed(ctx context.Context, userID string, limit int, beforeDate time.Time) ([]*Moment, error) {
	if limit <= 0 {
		limit = 20
	}
	var cursor *time.Time
	if !beforeDate.IsZero() {
		utc := beforeDate.UTC()
		cursor = &utc
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+momentColumns+` FROM p8_moments_feed($1, $2, $3)`, userID, limit, cursor)
	if err != nil {
		return nil, fmt.Errorf("store: moments feed: %w", err)
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

// BuildMoment collapses a session's untracked messages into a session_chunk
// moment when they exceed threshold tokens. Returns the new moment id or nil
// when nothing was built.
func (s *Store) BuildMoment(ctx context.Context, sessionID string, threshold int) (*uuid.UUID, error) {
	var momentID *uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT p8_build_moment($1, $2)`, sessionID, threshold,
	).Scan(&momentID)
	if err != nil {
		return nil, fmt.Errorf("store: build moment for session %s: %w", sessionID, err)
	}
	return momentID, nil
}

// PersistTurn atomically appends a user and assistant message pair to a
// session, optionally with tool call traces and auxiliary messages (each a
// map with message_type, content, and optional tool_calls), and builds a
// session_chunk moment when the threshold is crossed. Message ids and token
// counts are fixed here so content can be encrypted under the same field
// rules as InsertMessage before it reaches SQL. Returns the assistant
// message id.
func (s *Store) PersistTurn(ctx context.Context, sessionID, userText, assistantText string, toolCalls []map[string]any, paiMessages []map[string]any, momentThreshold int) (uuid.UUID, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return uuid.Nil, err
	}

	userMsgID := ids.New()
	asstMsgID := ids.New()
	userTokens := tokens.Estimate(userText)
	asstTokens := tokens.Estimate(assistantText)

	encUser, err := s.enc.EncryptValue(ctx, sess.TenantID, "messages", "content", userMsgID.String(), userText)
	if err != nil {
		return uuid.Nil, err
	}
	encAsst, err := s.enc.EncryptValue(ctx, sess.TenantID, "messages", "content", asstMsgID.String(), assistantText)
	if err != nil {
		return uuid.Nil, err
	}

	var extras []map[string]any
	for _, m := range paiMessages {
		id := ids.New()
		content, _ := m["content"].(string)
		encContent, err := s.enc.EncryptValue(ctx, sess.TenantID, "messages", "content", id.String(), content)
		if err != nil {
			return uuid.Nil, err
		}
		extra := map[string]any{
			"id":          id.String(),
			"content":     encContent,
			"token_count": tokens.Estimate(content),
		}
		if mt, ok := m["message_type"].(string); ok && mt != "" {
			extra["message_type"] = mt
		}
		if tc, ok := m["tool_calls"]; ok {
			extra["tool_calls"] = tc
		}
		extras = append(extras, extra)
	}

	var calls []byte
	if toolCalls != nil {
		calls = pgutil.MarshalJSONBSlice(toolCalls)
	}
	var assistantID uuid.UUID
	err = s.pool.QueryRow(ctx,
		`SELECT p8_persist_turn($1, $2, $3, COALESCE($4, '[]'::jsonb),
			COALESCE($5, '[]'::jsonb), $6, $7, $8, $9, $10)`,
		sessionID, encUser, encAsst, calls, pgutil.MarshalJSONBSlice(extras),
		momentThreshold, userMsgID, asstMsgID, userTokens, asstTokens,
	).Scan(&assistantID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: persisting turn: %w", err)
	}
	return assistantID, nil
}

// CloneSession copies a session and its last maxMessages messages under new
// ids, optionally reassigning user and agent. Returns the new session id.
func (s *Store) CloneSession(ctx context.Context, srcSessionID string, maxMessages int, newUserID, newAgent string) (uuid.UUID, error) {
	var newID uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT p8_clone_session($1, $2, $3, $4)`,
		srcSessionID, pgutil.NullInt(maxMessages), pgutil.NullString(newUserID), pgutil.NullString(newAgent),
	).Scan(&newID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: cloning session %s: %w", srcSessionID, err)
	}
	return newID, nil
}

// SessionPage is one page of session search results.
type SessionPage struct {
	Sessions []*Session `json:"sessions"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

// SearchSessions returns a filtered, paginated session listing with total.
func (s *Store) SearchSessions(ctx context.Context, tenantID, userID, mode, agentName string, page, pageSize int) (*SessionPage, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+`, total FROM p8_search_sessions($1, $2, $3, $4, $5, $6)`,
		pgutil.NullString(tenantID), pgutil.NullString(userID), pgutil.NullString(mode),
		pgutil.NullString(agentName), page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("store: searching sessions: %w", err)
	}
	defer rows.Close()

	result := &SessionPage{Page: page, PageSize: pageSize}
	for rows.Next() {
		var (
			sess      Session
			agent     *string
			tenant    *string
			user      *string
			metadata  []byte
			edges     []byte
			total     int
		)
		err := rows.Scan(&sess.ID, &sess.Name, &sess.Mode, &agent, &sess.TotalTokens,
			&tenant, &user, &sess.Tags, &metadata, &edges, &sess.CreatedAt, &sess.UpdatedAt, &total)
		if err != nil {
			return nil, fmt.Errorf("store: scanning session page: %w", err)
		}
		sess.AgentName = pgutil.DerefString(agent)
		sess.TenantID = pgutil.DerefString(tenant)
		sess.UserID = pgutil.DerefString(user)
		sess.Metadata = pgutil.UnmarshalJSONB(metadata)
		sess.GraphEdges = pgutil.UnmarshalJSONBSlice[GraphEdge](edges)
		result.Total = total
		result.Sessions = append(result.Sessions, &sess)
	}
	return result, rows.Err()
}

// UsageResult is the outcome of one usage_increment call.
type UsageResult struct {
	NewUsed        int  `json:"new_used"`
	EffectiveLimit int  `json:"effective_limit"`
	Exceeded       bool `json:"exceeded"`
}

// IncrementUsage atomically adds amount to a user's usage counter for the
// current period. effective_limit = base_limit + granted_extra.
func (s *Store) IncrementUsage(ctx context.Context, userID, resourceType string, amount, baseLimit int) (*UsageResult, error) {
	var r UsageResult
	err := s.pool.QueryRow(ctx,
		`SELECT new_used, effective_limit, exceeded FROM p8_usage_increment($1, $2, $3, $4)`,
		userID, resourceType, amount, baseLimit,
	).Scan(&r.NewUsed, &r.EffectiveLimit, &r.Exceeded)
	if err != nil {
		return nil, fmt.Errorf("store: incrementing usage: %w", err)
	}
	return &r, nil
}

// CheckQuota reports current usage against a limit without consuming any.
func (s *Store) CheckQuota(ctx context.Context, userID, resourceType string, baseLimit int) (*UsageResult, error) {
	var r UsageResult
	err := s.pool.QueryRow(ctx,
		`SELECT new_used, effective_limit, exceeded FROM p8_usage_increment($1, $2, 0, $3)`,
		userID, resourceType, baseLimit,
	).Scan(&r.NewUsed, &r.EffectiveLimit, &r.Exceeded)
	if err != nil {
		return nil, fmt.Errorf("store: checking quota: %w", err)
	}
	return &r, nil
}

// UsageRow is one usage_tracking counter for a user.
type UsageRow struct {
	ResourceType string    `json:"resource_type"`
	PeriodStart  time.Time `json:"period_start"`
	Used         int64     `json:"used"`
	GrantedExtra int64     `json:"granted_extra"`
}

// UsageSummary lists a user's usage counters, current periods first.
func (s *Store) UsageSummary(ctx context.Context, userID string) ([]UsageRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT resource_type, period_start, used, granted_extra
		FROM usage_tracking WHERE user_id=$1
		ORDER BY period_start DESC, resource_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: reading usage summary: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var r UsageRow
		if err := rows.Scan(&r.ResourceType, &r.PeriodStart, &r.Used, &r.GrantedExtra); err != nil {
			return nil, fmt.Errorf("store: scanning usage row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RebuildKV repopulates kv_store for one table or, with an empty table name,
// for every KV-synced table. incremental limits the rebuild to rows updated
// since the newest kv row.
func (s *Store) RebuildKV(ctx context.Context, table string, incremental bool) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT p8_rebuild_kv($1, $2)`, pgutil.NullString(table), incremental,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: rebuilding kv index: %w", err)
	}
	return n, nil
}
