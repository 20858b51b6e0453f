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

package queue

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"

	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/pkg/logctx"
	"github.com/percolationlabs/percolate/pkg/metrics"
)

// Handler runs one claimed task. The returned map is stored as the task's
// result on success.
type Handler func(ctx context.Context, task *Task) (map[string]any, error)

// QuotaRule maps a task type to the usage resource checked before the task
// runs.
type QuotaRule struct {
	Resource  string
	BaseLimit int
}

// DefaultQuotaRules is the pre-flight quota mapping. Task types without a
// rule run unchecked.
var DefaultQuotaRules = map[string]QuotaRule{
	TaskFileProcessing: {Resource: "storage_bytes", BaseLimit: 1 << 30},
	TaskDreaming:       {Resource: "dreaming_minutes", BaseLimit: 300},
	TaskNews:           {Resource: "news_searches_daily", BaseLimit: 10},
	TaskDriveSync:      {Resource: "drive_syncs_daily", BaseLimit: 4},
}

// QuotaChecker reads a user's usage against a limit without consuming any.
// *store.Store satisfies it.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, userID, resourceType string, baseLimit int) (*store.UsageResult, error)
}

// WorkerConfig tunes one tier's poll loop.
type WorkerConfig struct {
	Tier         string
	BatchSize    int
	PollInterval time.Duration
}

// Worker polls one tier, dispatches claimed tasks to registered handlers,
// and settles each task as completed, retrying, or failed. A batch that is
// already claimed when shutdown starts is drained before Run returns.
type Worker struct {
	id       string
	svc      *Service
	quotas   QuotaChecker
	rules    map[string]QuotaRule
	handlers map[string]Handler
	metrics  *metrics.QueueMetrics
	logger   logr.Logger
	cfg      WorkerConfig
}

// NewWorker creates a worker for one tier. The worker identity stamped onto
// claims is hostname plus tier. quotas and m may be nil; a nil quotas skips
// pre-flight checks.
func NewWorker(svc *Service, quotas QuotaChecker, m *metrics.QueueMetrics,
	logger logr.Logger, cfg WorkerConfig) (*Worker, error) {
	if !ValidTier(cfg.Tier) {
		return nil, fmt.Errorf("queue: unknown tier %q", cfg.Tier)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	id := host + ":" + cfg.Tier
	return &Worker{
		id:       id,
		svc:      svc,
		quotas:   quotas,
		rules:    DefaultQuotaRules,
		handlers: make(map[string]Handler),
		metrics:  m,
		logger:   logger.WithName("worker").WithValues("tier", cfg.Tier, "worker_id", id),
		cfg:      cfg,
	}, nil
}

// Register binds a handler to a task type, replacing any previous binding.
func (w *Worker) Register(taskType string, h Handler) {
	w.handlers[taskType] = h
}

// Run polls until ctx is done. Cancellation stops claiming; the batch in
// flight finishes first.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("queue worker started",
		"batch_size", w.cfg.BatchSize, "poll_interval", w.cfg.PollInterval)

	for {
		if ctx.Err() != nil {
			w.logger.Info("queue worker stopping")
			return ctx.Err()
		}

		tasks, err := w.svc.Claim(ctx, w.cfg.Tier, w.id, w.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("queue worker stopping")
				return ctx.Err()
			}
			w.logger.Error(err, "claiming tasks failed")
		}

		// Settle every claimed task even if shutdown began mid-batch,
		// otherwise the claim sits in processing until stale recovery.
		drainCtx := context.WithoutCancel(ctx)
		for _, task := range tasks {
			w.Process(drainCtx, task)
		}
		w.observePending(ctx)

		if len(tasks) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("queue worker stopping")
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// Process settles one claimed task: quota pre-flight, handler dispatch, then
// complete or fail.
func (w *Worker) Process(ctx context.Context, task *Task) {
	start := time.Now()
	// Tier is already on the worker's logger.
	ctx = logctx.WithTask(ctx, task.ID.String(), task.TaskType, "")
	if task.TenantID != "" {
		ctx = logctx.WithTenantID(ctx, task.TenantID)
	}
	if task.UserID != "" {
		ctx = logctx.WithUserID(ctx, task.UserID)
	}
	logger := logctx.LoggerWithContext(w.logger, ctx)

	if rule, ok := w.rules[task.TaskType]; ok && w.quotas != nil && task.UserID != "" {
		usage, err := w.quotas.CheckQuota(ctx, task.UserID, rule.Resource, rule.BaseLimit)
		if err != nil {
			// A broken quota read should not strand user work, run anyway.
			logger.Error(err, "quota pre-flight failed, running task unchecked")
		} else if usage.Exceeded {
			logger.Info("task rejected by quota",
				"resource", rule.Resource, "used", usage.NewUsed, "limit", usage.EffectiveLimit)
			if err := w.svc.EmitEvent(ctx, task.ID, "quota_exceeded", map[string]any{
				"resource":  rule.Resource,
				"used":      usage.NewUsed,
				"limit":     usage.EffectiveLimit,
				"worker_id": w.id,
			}); err != nil {
				logger.Error(err, "recording quota event failed")
			}
			if err := w.svc.FailPermanently(ctx, task.ID,
				fmt.Sprintf("quota exceeded for %s", rule.Resource)); err != nil {
				logger.Error(err, "failing quota-rejected task failed")
			}
			if w.metrics != nil {
				w.metrics.RecordQuotaRejection(task.TaskType)
				w.metrics.RecordTask(task.TaskType, "quota_exceeded", time.Since(start))
			}
			return
		}
	}

	handler, ok := w.handlers[task.TaskType]
	if !ok {
		logger.Info("no handler registered for task type")
		if err := w.svc.FailPermanently(ctx, task.ID,
			fmt.Sprintf("no handler registered for task type %q", task.TaskType)); err != nil {
			logger.Error(err, "failing unhandled task failed")
		}
		if w.metrics != nil {
			w.metrics.RecordTask(task.TaskType, "unhandled", time.Since(start))
		}
		return
	}

	result, err := handler(ctx, task)
	if err != nil {
		if emitErr := w.svc.EmitEvent(ctx, task.ID, "error",
			map[string]any{"error": err.Error(), "worker_id": w.id}); emitErr != nil {
			logger.Error(emitErr, "recording error event failed")
		}
		retrying, failErr := w.svc.Fail(ctx, task.ID, err)
		if failErr != nil {
			logger.Error(failErr, "failing task failed")
		}
		outcome := "failed"
		if retrying {
			outcome = "retrying"
		}
		logger.Error(err, "task handler failed", "outcome", outcome)
		if w.metrics != nil {
			w.metrics.RecordTask(task.TaskType, outcome, time.Since(start))
		}
		return
	}

	if err := w.svc.Complete(ctx, task.ID, result); err != nil {
		logger.Error(err, "completing task failed")
		return
	}
	logger.Info("task completed", "duration", time.Since(start))
	if w.metrics != nil {
		w.metrics.RecordTask(task.TaskType, "completed", time.Since(start))
	}
}

func (w *Worker) observePending(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	counts, err := w.svc.PendingCounts(ctx)
	if err != nil {
		return
	}
	for _, tier := range Tiers {
		w.metrics.SetPending(tier, counts[tier])
	}
}
