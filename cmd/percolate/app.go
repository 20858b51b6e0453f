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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/percolationlabs/percolate/internal/config"
	"github.com/percolationlabs/percolate/internal/encryption"
	"github.com/percolationlabs/percolate/internal/kms"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/pkg/logging"
)

// Pool configuration defaults.
const (
	defaultMaxConns        = 25
	defaultMinConns        = 5
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = 30 * time.Minute
)

// app holds the shared process dependencies every subcommand starts from.
type app struct {
	cfg     config.Config
	log     logr.Logger
	pool    *pgxpool.Pool
	backend kms.Backend
	enc     *encryption.Service
	store   *store.Store

	flush func()
}

// newApp loads configuration, connects the pool, and builds the encrypted
// store. Close releases everything in reverse order.
func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, flush, err := logging.NewLogger()
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	pool, err := newPool(ctx, cfg.DatabaseURL)
	if err != nil {
		flush()
		return nil, err
	}

	backend, err := kms.NewBackend(ctx, cfg)
	if err != nil {
		pool.Close()
		flush()
		return nil, fmt.Errorf("creating kms backend: %w", err)
	}

	enc := encryption.NewService(kms.NewService(pool, backend, cfg.KMSKeyPrefix), cfg.SystemTenantID)

	return &app{
		cfg:     cfg,
		log:     log,
		pool:    pool,
		backend: backend,
		enc:     enc,
		store:   store.NewFromPool(pool, enc),
		flush:   flush,
	}, nil
}

func (a *app) Close() {
	_ = a.backend.Close()
	a.pool.Close()
	a.flush()
}

func newPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}

	poolCfg.MaxConns = envInt32("PG_MAX_CONNS", defaultMaxConns)
	poolCfg.MinConns = envInt32("PG_MIN_CONNS", defaultMinConns)
	poolCfg.MaxConnLifetime = defaultMaxConnLifetime
	poolCfg.MaxConnIdleTime = defaultMaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}
	return pool, nil
}

func envInt32(key string, def int32) int32 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int32
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

// printJSON writes indented JSON to stdout, the output format of every
// one-shot subcommand.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
