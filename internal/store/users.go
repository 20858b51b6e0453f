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

// UpsertUser inserts or updates a user. Email is deterministically encrypted
// so the same address always collides to the same ciphertext; content is
// randomized.
func (s *Store) UpsertUser(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = ids.Derive("users", u.Name)
	}
	metadata, edges := envelopeJSONB(u.Metadata, u.GraphEdges)

	var devices []byte
	if u.Devices != nil {
		devices = pgutil.MarshalJSONBSlice(u.Devices)
	}

	record := map[string]any{"email": u.Email, "content": u.Content}
	if err := s.enc.EncryptRecord(ctx, u.TenantID, "users", u.ID.String(), record); err != nil {
		return err
	}
	email, _ := record["email"].(string)
	content, _ := record["content"].(string)

	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, name, email, content, devices, tenant_id, tags, metadata, graph_edges)
		VALUES ($1, $2, $3, NULLIF($4, ''), COALESCE($5, '[]'::jsonb), NULLIF($6, ''),
			COALESCE($7, '{}'::text[]), COALESCE($8, '{}'::jsonb), COALESCE($9, '[]'::jsonb))
		ON CONFLICT (id) DO UPDATE SET
			email = COALESCE(NULLIF(EXCLUDED.email, ''), users.email),
			content = COALESCE(EXCLUDED.content, users.content),
			devices = COALESCE($5, users.devices),
			tenant_id = COALESCE(EXCLUDED.tenant_id, users.tenant_id),
			tags = COALESCE($7, users.tags),
			metadata = COALESCE($8, users.metadata),
			graph_edges = COALESCE($9, users.graph_edges),
			deleted_at = NULL,
			updated_at = now()
		RETURNING created_at, updated_at`,
		u.ID, u.Name, email, content, devices, u.TenantID, u.Tags, metadata, edges,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upserting user %s: %w", u.Name, err)
	}
	return nil
}

func (s *Store) scanUser(ctx context.Context, row pgx.Row) (*User, error) {
	var (
		u        User
		tenantID *string
		userID   *string
		email    *string
		content  *string
		devices  []byte
		metadata []byte
		edges    []byte
	)
	err := row.Scan(&u.ID, &u.Name, &email, &content, &devices, &tenantID, &userID,
		&u.Tags, &metadata, &edges, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning user: %w", err)
	}

	u.TenantID = pgutil.DerefString(tenantID)
	u.UserID = pgutil.DerefString(userID)
	u.Devices = pgutil.UnmarshalJSONBSlice[Device](devices)
	u.Metadata = pgutil.UnmarshalJSONB(metadata)
	u.GraphEdges = pgutil.UnmarshalJSONBSlice[GraphEdge](edges)

	record := map[string]any{
		"email":   pgutil.DerefString(email),
		"content": pgutil.DerefString(content),
	}
	if err := s.enc.DecryptRecord(ctx, u.TenantID, "users", u.ID.String(), record); err != nil {
		return nil, err
	}
	u.Email, _ = record["email"].(string)
	u.Content, _ = record["content"].(string)
	return &u, nil
}

const userColumns = `id, name, email, content, devices, tenant_id, user_id,
	tags, metadata, graph_edges, created_at, updated_at`

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id=$1 AND deleted_at IS NULL`, id)
	return s.scanUser(ctx, row)
}

// GetUserByEmail looks a user up by exact email address within a tenant.
// Deterministic encryption makes equal addresses collide to equal
// ciphertext, so the lookup encrypts a probe value and compares in SQL.
func (s *Store) GetUserByEmail(ctx context.Context, tenantID, email string) (*User, error) {
	probe, err := s.enc.EncryptValue(ctx, tenantID, "users", "email", "", email)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users
		WHERE tenant_id=$1 AND email=$2 AND deleted_at IS NULL`, tenantID, probe)
	return s.scanUser(ctx, row)
}

// ActiveUserIDs returns the ids of all non-deleted users, used by the
// scheduled enqueuers.
func (s *Store) ActiveUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM users WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: listing active users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scanning user id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
