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

// Package queue implements the durable tiered task queue on top of
// task_queue. Workers claim batches with FOR UPDATE SKIP LOCKED, failures
// back off exponentially until the retry budget runs out, and every state
// transition can append to the task_events audit log.
package queue

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/percolationlabs/percolate/internal/pgutil"
	"github.com/percolationlabs/percolate/pkg/metrics"
)

// Worker tiers. micro runs always-on light work; the others scale with
// pending depth.
const (
	TierMicro  = "micro"
	TierSmall  = "small"
	TierMedium = "medium"
	TierLarge  = "large"
)

// Tiers lists the valid worker tiers.
var Tiers = []string{TierMicro, TierSmall, TierMedium, TierLarge}

// ValidTier reports whether tier names a known worker tier.
func ValidTier(tier string) bool {
	for _, t := range Tiers {
		if t == tier {
			return true
		}
	}
	return false
}

// Task statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Built-in task types.
const (
	TaskFileProcessing = "file_processing"
	TaskDreaming       = "dreaming"
	TaskNews           = "news"
	TaskScheduled      = "scheduled"
	TaskDriveSync      = "drive_sync"
)

// retryBaseDelay seeds the exponential backoff: 30s, 2m, 8m, 32m.
const retryBaseDelay = 30 * time.Second

// Task is one row of task_queue.
type Task struct {
	ID          uuid.UUID      `json:"id"`
	TaskType    string         `json:"task_type"`
	Tier        string         `json:"tier"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      string         `json:"status"`
	Priority    int            `json:"priority"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	ClaimedAt   *time.Time     `json:"claimed_at,omitempty"`
	ClaimedBy   string         `json:"claimed_by,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	TenantID    string         `json:"tenant_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Event is one row of the task_events audit log.
type Event struct {
	ID        int64          `json:"id"`
	TaskID    uuid.UUID      `json:"task_id"`
	EventType string         `json:"event_type"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

const taskColumns = `id, task_type, tier, payload, status, priority, retry_count, max_retries,
	scheduled_at, claimed_at, claimed_by, started_at, completed_at, result, last_error,
	tenant_id, user_id, created_at, updated_at`

// Service is the queue's data-access layer. metrics may be nil.
type Service struct {
	pool    *pgxpool.Pool
	metrics *metrics.QueueMetrics
	logger  logr.Logger
}

// NewService creates a queue service over an open pool.
func NewService(pool *pgxpool.Pool, m *metrics.QueueMetrics, logger logr.Logger) *Service {
	return &Service{pool: pool, metrics: m, logger: logger}
}

// Enqueue inserts a pending task. Zero-valued fields get their defaults:
// tier small, priority 0, max_retries 3, scheduled_at now.
func (s *Service) Enqueue(ctx context.Context, t *Task) error {
	if t.TaskType == "" {
		return fmt.Errorf("queue: task type is required")
	}
	if t.Tier == "" {
		t.Tier = TierSmall
	}
	if !ValidTier(t.Tier) {
		return fmt.Errorf("queue: unknown tier %q", t.Tier)
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = time.Now()
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO task_queue (task_type, tier, payload, priority, max_retries,
			scheduled_at, tenant_id, user_id)
		VALUES ($1, $2, COALESCE($3, '{}'::jsonb), $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''))
		RETURNING id, status, created_at, updated_at`,
		t.TaskType, t.Tier, pgutil.MarshalJSONB(t.Payload), t.Priority, t.MaxRetries,
		t.ScheduledAt, t.TenantID, t.UserID,
	).Scan(&t.ID, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("queue: enqueuing %s task: %w", t.TaskType, err)
	}
	return nil
}

// Claim atomically moves up to limit due pending tasks of a tier to
// processing and returns them, stamping each row with the claiming worker's
// identity. The ordering contract is priority DESC then scheduled_at ASC;
// SKIP LOCKED keeps concurrent workers off each other's rows.
func (s *Service) Claim(ctx context.Context, tier, workerID string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE task_queue SET status = 'processing', claimed_at = now(),
			claimed_by = NULLIF($2, ''), started_at = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM task_queue
			WHERE status = 'pending' AND tier = $1 AND scheduled_at <= now()
			ORDER BY priority DESC, scheduled_at ASC, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, tier, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: claiming %s tasks: %w", tier, err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Complete marks a task completed and stores the handler's result. The claim
// stamp survives as audit of which worker ran the task.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, result map[string]any) error {
	var claimedBy *string
	err := s.pool.QueryRow(ctx, `
		UPDATE task_queue
		SET status = 'completed', completed_at = now(), result = COALESCE($2, '{}'::jsonb),
			updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING claimed_by`,
		id, pgutil.MarshalJSONB(result)).Scan(&claimedBy)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("queue: task %s is not processing", id)
	}
	if err != nil {
		return fmt.Errorf("queue: completing task %s: %w", id, err)
	}
	return s.EmitEvent(ctx, id, "completed", eventDetail(nil, claimedBy))
}

// Fail records a failed attempt. While the retry budget lasts the task goes
// back to pending with an exponential delay (30s, 2m, 8m, 32m) and a cleared
// claim; once retry_count would exceed max_retries it fails permanently with
// the counter clamped at max_retries. Returns true when the task will retry.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, cause error) (bool, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	var (
		status      string
		retryCount  int
		scheduledAt time.Time
		claimedBy   *string
	)
	err := s.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT claimed_by FROM task_queue WHERE id = $1
		)
		UPDATE task_queue SET
			retry_count = LEAST(retry_count + 1, max_retries),
			status = CASE WHEN retry_count + 1 > max_retries THEN 'failed' ELSE 'pending' END,
			scheduled_at = CASE WHEN retry_count + 1 > max_retries THEN scheduled_at
				ELSE now() + make_interval(secs => 30 * power(4, retry_count)) END,
			started_at = NULL,
			claimed_at = CASE WHEN retry_count + 1 > max_retries THEN claimed_at ELSE NULL END,
			claimed_by = CASE WHEN retry_count + 1 > max_retries THEN claimed_by ELSE NULL END,
			completed_at = CASE WHEN retry_count + 1 > max_retries THEN now() ELSE NULL END,
			last_error = $2,
			updated_at = now()
		FROM prev
		WHERE task_queue.id = $1
		RETURNING task_queue.status, task_queue.retry_count, task_queue.scheduled_at, prev.claimed_by`,
		id, msg).Scan(&status, &retryCount, &scheduledAt, &claimedBy)
	if err != nil {
		return false, fmt.Errorf("queue: failing task %s: %w", id, err)
	}

	detail := eventDetail(map[string]any{"error": msg, "retry_count": retryCount}, claimedBy)
	event := "failed"
	if status == StatusPending {
		event = "retrying"
		detail["next_run"] = scheduledAt.UTC().Format(time.RFC3339)
	}
	return status == StatusPending, s.EmitEvent(ctx, id, event, detail)
}

// FailPermanently fails a task without consuming retries, used for quota
// rejections and tasks no handler claims.
func (s *Service) FailPermanently(ctx context.Context, id uuid.UUID, reason string) error {
	var claimedBy *string
	err := s.pool.QueryRow(ctx, `
		UPDATE task_queue
		SET status = 'failed', completed_at = now(), started_at = NULL,
			last_error = $2, updated_at = now()
		WHERE id = $1
		RETURNING claimed_by`,
		id, reason).Scan(&claimedBy)
	if err != nil {
		return fmt.Errorf("queue: failing task %s: %w", id, err)
	}
	return s.EmitEvent(ctx, id, "failed", eventDetail(map[string]any{"error": reason}, claimedBy))
}

// eventDetail adds the claiming worker's identity to an event detail map.
func eventDetail(detail map[string]any, claimedBy *string) map[string]any {
	if claimedBy == nil || *claimedBy == "" {
		return detail
	}
	if detail == nil {
		detail = make(map[string]any, 1)
	}
	detail["worker_id"] = *claimedBy
	return detail
}

// Backoff returns the retry delay after retryCount prior failures.
func Backoff(retryCount int) time.Duration {
	return retryBaseDelay * time.Duration(math.Pow(4, float64(retryCount)))
}

// RecoverStale returns tasks stuck in processing longer than olderThan to
// pending without consuming their retry budget.
func (s *Service) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	minutes := int(olderThan.Minutes())
	if minutes <= 0 {
		minutes = 15
	}
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT p8_recover_stale_tasks($1)`, minutes).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: recovering stale tasks: %w", err)
	}
	if n > 0 {
		s.logger.Info("recovered stale tasks", "count", n, "older_than", olderThan)
		if s.metrics != nil {
			s.metrics.RecordRecovered(int64(n))
		}
	}
	return n, nil
}

// EnqueueDreamingTasks enqueues one dreaming task per recently active user,
// skipping users that already have one pending or processing.
func (s *Service) EnqueueDreamingTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT p8_enqueue_dreaming_tasks()`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: enqueuing dreaming tasks: %w", err)
	}
	return n, nil
}

// EnqueueNewsTasks enqueues one news task per recently active user.
func (s *Service) EnqueueNewsTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT p8_enqueue_news_tasks()`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: enqueuing news tasks: %w", err)
	}
	return n, nil
}

// EmitEvent appends to the task_events audit log.
func (s *Service) EmitEvent(ctx context.Context, taskID uuid.UUID, eventType string, detail map[string]any) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_events (task_id, event_type, detail)
		VALUES ($1, $2, COALESCE($3, '{}'::jsonb))`,
		taskID, eventType, pgutil.MarshalJSONB(detail))
	if err != nil {
		return fmt.Errorf("queue: recording %s event: %w", eventType, err)
	}
	return nil
}

// Events returns a task's audit log, oldest first.
func (s *Service) Events(ctx context.Context, taskID uuid.UUID) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, event_type, detail, created_at
		FROM task_events WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("queue: listing task events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e      Event
			detail []byte
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EventType, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("queue: scanning task event: %w", err)
		}
		e.Detail = pgutil.UnmarshalJSONB(detail)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetTask loads one task by id.
func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM task_queue WHERE id = $1`, id)
	return scanTask(row)
}

// PendingCounts returns the number of due and future pending tasks per tier.
func (s *Service) PendingCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tier, count(*) FROM task_queue WHERE status = 'pending' GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("queue: counting pending tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			tier string
			n    int64
		)
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("queue: scanning pending count: %w", err)
		}
		counts[tier] = n
	}
	return counts, rows.Err()
}

func scanTask(row pgx.Row) (*Task, error) {
	var (
		t         Task
		payload   []byte
		result    []byte
		claimedBy *string
		lastError *string
		tenantID  *string
		userID    *string
	)
	err := row.Scan(&t.ID, &t.TaskType, &t.Tier, &payload, &t.Status, &t.Priority,
		&t.RetryCount, &t.MaxRetries, &t.ScheduledAt, &t.ClaimedAt, &claimedBy,
		&t.StartedAt, &t.CompletedAt, &result, &lastError, &tenantID, &userID,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("queue: scanning task: %w", err)
	}
	t.Payload = pgutil.UnmarshalJSONB(payload)
	t.Result = pgutil.UnmarshalJSONB(result)
	t.ClaimedBy = pgutil.DerefString(claimedBy)
	t.LastError = pgutil.DerefString(lastError)
	t.TenantID = pgutil.DerefString(tenantID)
	t.UserID = pgutil.DerefString(userID)
	return &t, nil
}
