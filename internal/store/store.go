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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/percolationlabs/percolate/internal/encryption"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested row does not exist or is deleted.
	ErrNotFound = errors.New("store: not found")
	// ErrUnknownTable indicates a table name absent from the registry.
	ErrUnknownTable = errors.New("store: unknown table")
)

// Config holds connection pool settings.
type Config struct {
	// ConnString is the PostgreSQL connection URI.
	ConnString string
	// MinConns and MaxConns bound the pool.
	MinConns int32
	MaxConns int32
	// ConnectTimeout bounds pool creation and the initial ping.
	ConnectTimeout time.Duration
}

// DefaultConfig returns production pool defaults.
func DefaultConfig(connString string) Config {
	return Config{
		ConnString:     connString,
		MinConns:       2,
		MaxConns:       10,
		ConnectTimeout: 5 * time.Second,
	}
}

// Store is the canonical entity store. All writes pass through the
// encryption service; trigger-maintained side tables are the database's job.
type Store struct {
	pool     *pgxpool.Pool
	enc      *encryption.Service
	ownsPool bool
}

// New creates a Store that owns its connection pool, verified with a ping.
func New(cfg Config, enc *encryption.Service) (*Store, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("store: connection string is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("store: parsing connection string: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping failed: %w", err)
	}

	return &Store{pool: pool, enc: enc, ownsPool: true}, nil
}

// NewFromPool wraps an existing pool. Close is a no-op because the caller
// retains ownership.
func NewFromPool(pool *pgxpool.Pool, enc *encryption.Service) *Store {
	return &Store{pool: pool, enc: enc}
}

// Pool exposes the underlying pool for collaborators (queue, embedding,
// migrator) that share a single pool per process.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Encryption exposes the encryption service.
func (s *Store) Encryption() *encryption.Service {
	return s.enc
}

// Close shuts down the pool when this Store owns it.
func (s *Store) Close() {
	if s.ownsPool {
		s.pool.Close()
	}
}

// SoftDelete marks a row deleted; the KV sync trigger removes its index row.
func (s *Store) SoftDelete(ctx context.Context, table string, id string) error {
	if _, ok := Table(table); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET deleted_at = now(), updated_at = now() WHERE id=$1 AND deleted_at IS NULL`, table),
		id,
	)
	if err != nil {
		return fmt.Errorf("store: soft deleting %s/%s: %w", table, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
