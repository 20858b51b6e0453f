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

package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/percolationlabs/percolate/internal/encryption"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/pkg/metrics"
)

// Config tunes the queue drain loop.
type Config struct {
	// BatchSize bounds one claim.
	BatchSize int
	// PollInterval is the idle sleep between empty batches.
	PollInterval time.Duration
}

// DefaultConfig returns production drain defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 50, PollInterval: 10 * time.Second}
}

// Service drains embedding_queue: claim, fetch content, dedup by content
// hash, embed, store.
type Service struct {
	pool     *pgxpool.Pool
	enc      *encryption.Service
	provider Provider
	metrics  *metrics.EmbeddingMetrics
	logger   logr.Logger
	cfg      Config
}

// NewService creates the drain service. metrics may be nil.
func NewService(pool *pgxpool.Pool, enc *encryption.Service, provider Provider,
	m *metrics.EmbeddingMetrics, logger logr.Logger, cfg Config) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Service{pool: pool, enc: enc, provider: provider, metrics: m, logger: logger, cfg: cfg}
}

// BatchResult summarizes one drained batch.
type BatchResult struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Total is the number of claimed items the batch accounted for.
func (r BatchResult) Total() int {
	return r.Processed + r.Skipped + r.Failed
}

type queueItem struct {
	id       int64
	table    string
	entityID uuid.UUID
	field    string
	tenantID string
	attempts int

	content string
	hash    string
}

// ProcessBatch claims and drains up to BatchSize queue items. A provider
// failure fails every claimed item that needed a vector; such items retry
// until their attempt budget runs out.
func (s *Service) ProcessBatch(ctx context.Context) (BatchResult, error) {
	start := time.Now()
	var result BatchResult

	items, err := s.claim(ctx)
	if err != nil {
		return result, err
	}
	if len(items) == 0 {
		return result, nil
	}

	// Resolve content for every claimed item. Items whose content vanished
	// or whose stored vector already matches are retired without a provider
	// call.
	var toEmbed []*queueItem
	for i := range items {
		item := &items[i]

		content, err := s.contentFor(ctx, item)
		if err != nil {
			s.fail(ctx, item, err)
			result.Failed++
			continue
		}
		if content == "" {
			s.retire(ctx, item)
			result.Skipped++
			continue
		}
		item.content = content
		sum := sha256.Sum256([]byte(content))
		item.hash = hex.EncodeToString(sum[:])

		stored, err := s.storedHash(ctx, item)
		if err != nil {
			s.fail(ctx, item, err)
			result.Failed++
			continue
		}
		if stored == item.hash {
			s.retire(ctx, item)
			result.Skipped++
			if s.metrics != nil {
				s.metrics.RecordDedupHit()
			}
			continue
		}
		toEmbed = append(toEmbed, item)
	}

	if len(toEmbed) > 0 {
		embedded, failed := s.embedAndStore(ctx, toEmbed)
		result.Processed += embedded
		result.Failed += failed
	}

	if s.metrics != nil {
		s.metrics.RecordItems("processed", result.Processed)
		s.metrics.RecordItems("skipped", result.Skipped)
		s.metrics.RecordItems("failed", result.Failed)
		s.metrics.RecordBatch(time.Since(start))
	}
	return result, nil
}

// embedAndStore makes one provider call for the batch's unique texts and
// stores vectors. On provider failure every pending item is failed together.
func (s *Service) embedAndStore(ctx context.Context, items []*queueItem) (processed, failed int) {
	// Identical content embeds once.
	texts := make([]string, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		if _, ok := index[item.hash]; !ok {
			index[item.hash] = len(texts)
			texts = append(texts, item.content)
		}
	}

	callStart := time.Now()
	vectors, err := s.provider.Embed(ctx, texts)
	if s.metrics != nil {
		s.metrics.RecordProviderCall(s.provider.Name(), time.Since(callStart))
	}
	if err != nil {
		s.logger.Error(err, "embedding provider call failed", "items", len(items))
		for _, item := range items {
			s.fail(ctx, item, err)
		}
		return 0, len(items)
	}

	for _, item := range items {
		vec := vectors[index[item.hash]]
		_, err := s.pool.Exec(ctx,
			`SELECT p8_upsert_embedding($1, $2, $3, $4, $5, $6)`,
			item.table, item.entityID, item.field, s.provider.Name(),
			pgvector.NewVector(vec), item.hash)
		if err != nil {
			s.fail(ctx, item, err)
			failed++
			continue
		}
		processed++
	}
	return processed, failed
}

// Run drains the queue until ctx is done: busy batches chain immediately,
// empty ones sleep PollInterval.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("embedding worker started",
		"provider", s.provider.Name(), "batch_size", s.cfg.BatchSize)

	for {
		result, err := s.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error(err, "embedding batch failed")
		}
		s.observeQueueDepth(ctx)

		if result.Total() > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			s.logger.Info("embedding worker stopping")
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// Backfill enqueues every row of a table whose embedded field is set. The
// content-hash dedup keeps already-embedded rows from hitting the provider
// again. With an empty table name every embeddable table is backfilled.
func (s *Service) Backfill(ctx context.Context, table string) (int64, error) {
	names := store.EmbeddableTables()
	if table != "" {
		info, ok := store.Table(table)
		if !ok || info.EmbeddingField == "" {
			return 0, fmt.Errorf("embedding: table %q is not embeddable", table)
		}
		names = []string{table}
	}

	var total int64
	for _, name := range names {
		info, _ := store.Table(name)
		tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
			INSERT INTO embedding_queue (table_name, entity_id, field_name, tenant_id)
			SELECT '%[1]s', id, '%[2]s', tenant_id FROM %[1]s
			WHERE %[2]s IS NOT NULL AND deleted_at IS NULL
			ON CONFLICT (table_name, entity_id, field_name) DO UPDATE SET
				status = 'pending', attempts = 0, last_error = NULL, updated_at = now()`,
			name, info.EmbeddingField))
		if err != nil {
			return total, fmt.Errorf("embedding: backfilling %s: %w", name, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// PendingCount returns the number of pending queue items.
func (s *Service) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM embedding_queue WHERE status = 'pending'`).Scan(&n)
	return n, err
}

func (s *Service) claim(ctx context.Context) ([]queueItem, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE embedding_queue SET status = 'processing', attempts = attempts + 1, updated_at = now()
		WHERE id IN (
			SELECT id FROM embedding_queue
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, table_name, entity_id, field_name, coalesce(tenant_id, ''), attempts`,
		s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("embedding: claiming queue items: %w", err)
	}
	defer rows.Close()

	var items []queueItem
	for rows.Next() {
		var item queueItem
		if err := rows.Scan(&item.id, &item.table, &item.entityID, &item.field,
			&item.tenantID, &item.attempts); err != nil {
			return nil, fmt.Errorf("embedding: scanning queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// contentFor reads the stored field value and decrypts it when the field is
// an encrypted column, so vectors are built over plaintext.
func (s *Service) contentFor(ctx context.Context, item *queueItem) (string, error) {
	var content *string
	err := s.pool.QueryRow(ctx,
		`SELECT p8_content_for_embedding($1, $2, $3)`,
		item.table, item.entityID, item.field).Scan(&content)
	if err != nil {
		return "", fmt.Errorf("embedding: reading %s/%s: %w", item.table, item.entityID, err)
	}
	if content == nil || *content == "" {
		return "", nil
	}

	if _, encrypted := encryption.FieldsFor(item.table)[item.field]; encrypted && s.enc != nil {
		plain, err := s.enc.DecryptValue(ctx, item.tenantID, item.table, item.field,
			item.entityID.String(), *content)
		if err != nil {
			return "", fmt.Errorf("embedding: decrypting %s/%s: %w", item.table, item.entityID, err)
		}
		return plain, nil
	}
	return *content, nil
}

func (s *Service) storedHash(ctx context.Context, item *queueItem) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT content_hash FROM embeddings_%s WHERE entity_id=$1 AND field_name=$2 AND provider=$3`,
		item.table), item.entityID, item.field, s.provider.Name()).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("embedding: checking stored hash: %w", err)
	}
	return hash, nil
}

func (s *Service) retire(ctx context.Context, item *queueItem) {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM embedding_queue WHERE id = $1`, item.id); err != nil {
		s.logger.Error(err, "retiring embedding queue item", "id", item.id)
	}
}

func (s *Service) fail(ctx context.Context, item *queueItem, cause error) {
	if _, err := s.pool.Exec(ctx,
		`SELECT p8_fail_embedding($1, $2, $3, $4)`,
		item.table, item.entityID, item.field, cause.Error()); err != nil {
		s.logger.Error(err, "recording embedding failure", "id", item.id)
	}
}

func (s *Service) observeQueueDepth(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if n, err := s.PendingCount(ctx); err == nil {
		s.metrics.SetQueueDepth(n)
	}
}
