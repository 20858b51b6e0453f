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

// Package metrics defines the Prometheus metrics exported by Percolate
// workers and the API server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// QueueMetrics holds Prometheus metrics for the durable task queue worker.
type QueueMetrics struct {
	// TasksProcessedTotal counts finished tasks by type and outcome.
	TasksProcessedTotal *prometheus.CounterVec
	// TaskDurationSeconds tracks handler execution time by task type.
	TaskDurationSeconds *prometheus.HistogramVec
	// TasksPending gauges the pending backlog by tier.
	TasksPending *prometheus.GaugeVec
	// TasksRecoveredTotal counts stale tasks returned to pending.
	TasksRecoveredTotal prometheus.Counter
	// QuotaRejectionsTotal counts tasks dropped by the quota pre-flight.
	QuotaRejectionsTotal *prometheus.CounterVec
}

// NewQueueMetrics creates and registers queue metrics on the default registry.
func NewQueueMetrics() *QueueMetrics {
	return newQueueMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewQueueMetricsWithRegistry creates queue metrics on a custom registry.
func NewQueueMetricsWithRegistry(reg prometheus.Registerer) *QueueMetrics {
	return newQueueMetrics(promauto.With(reg))
}

func newQueueMetrics(factory promauto.Factory) *QueueMetrics {
	return &QueueMetrics{
		TasksProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "percolate_queue_tasks_processed_total",
			Help: "Total number of tasks processed by type and outcome",
		}, []string{"task_type", "outcome"}),
		TaskDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "percolate_queue_task_duration_seconds",
			Help:    "Task handler execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27m
		}, []string{"task_type"}),
		TasksPending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "percolate_queue_tasks_pending",
			Help: "Number of pending tasks by tier",
		}, []string{"tier"}),
		TasksRecoveredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "percolate_queue_tasks_recovered_total",
			Help: "Total number of stale processing tasks returned to pending",
		}),
		QuotaRejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "percolate_queue_quota_rejections_total",
			Help: "Total number of tasks skipped because a tenant quota was exhausted",
		}, []string{"task_type"}),
	}
}

// RecordTask records one finished task with its handler duration.
func (m *QueueMetrics) RecordTask(taskType, outcome string, d time.Duration) {
	m.TasksProcessedTotal.WithLabelValues(taskType, outcome).Inc()
	m.TaskDurationSeconds.WithLabelValues(taskType).Observe(d.Seconds())
}

// SetPending sets the pending backlog gauge for a tier.
func (m *QueueMetrics) SetPending(tier string, n int64) {
	m.TasksPending.WithLabelValues(tier).Set(float64(n))
}

// RecordRecovered adds n to the stale-recovery counter.
func (m *QueueMetrics) RecordRecovered(n int64) {
	m.TasksRecoveredTotal.Add(float64(n))
}

// RecordQuotaRejection increments the quota rejection counter for a task type.
func (m *QueueMetrics) RecordQuotaRejection(taskType string) {
	m.QuotaRejectionsTotal.WithLabelValues(taskType).Inc()
}
