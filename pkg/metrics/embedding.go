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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EmbeddingMetrics holds Prometheus metrics for the embedding pipeline.
type EmbeddingMetrics struct {
	// ItemsProcessedTotal counts drained queue items by outcome.
	ItemsProcessedTotal *prometheus.CounterVec
	// BatchDurationSeconds tracks one drain of the embedding queue.
	BatchDurationSeconds prometheus.Histogram
	// ProviderCallDurationSeconds tracks embedding provider round trips.
	ProviderCallDurationSeconds *prometheus.HistogramVec
	// DedupHitsTotal counts items satisfied from identical content in batch.
	DedupHitsTotal prometheus.Counter
	// QueueDepth gauges the pending embedding queue size.
	QueueDepth prometheus.Gauge
}

// NewEmbeddingMetrics creates and registers embedding metrics on the default
// registry.
func NewEmbeddingMetrics() *EmbeddingMetrics {
	return newEmbeddingMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewEmbeddingMetricsWithRegistry creates embedding metrics on a custom
// registry.
func NewEmbeddingMetricsWithRegistry(reg prometheus.Registerer) *EmbeddingMetrics {
	return newEmbeddingMetrics(promauto.With(reg))
}

func newEmbeddingMetrics(factory promauto.Factory) *EmbeddingMetrics {
	return &EmbeddingMetrics{
		ItemsProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "percolate_embedding_items_processed_total",
			Help: "Total number of embedding queue items processed by outcome",
		}, []string{"outcome"}),
		BatchDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "percolate_embedding_batch_duration_seconds",
			Help:    "Duration of one embedding queue drain in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}),
		ProviderCallDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "percolate_embedding_provider_call_duration_seconds",
			Help:    "Duration of embedding provider calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider"}),
		DedupHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "percolate_embedding_dedup_hits_total",
			Help: "Total number of queue items reusing an embedding computed for identical content in the same batch",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "percolate_embedding_queue_depth",
			Help: "Number of pending rows in the embedding queue",
		}),
	}
}

// RecordItems adds n processed items with the given outcome.
func (m *EmbeddingMetrics) RecordItems(outcome string, n int) {
	m.ItemsProcessedTotal.WithLabelValues(outcome).Add(float64(n))
}

// RecordBatch observes one queue drain duration.
func (m *EmbeddingMetrics) RecordBatch(d time.Duration) {
	m.BatchDurationSeconds.Observe(d.Seconds())
}

// RecordProviderCall observes one provider round trip.
func (m *EmbeddingMetrics) RecordProviderCall(provider string, d time.Duration) {
	m.ProviderCallDurationSeconds.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordDedupHit increments the in-batch dedup counter.
func (m *EmbeddingMetrics) RecordDedupHit() {
	m.DedupHitsTotal.Inc()
}

// SetQueueDepth sets the pending queue gauge.
func (m *EmbeddingMetrics) SetQueueDepth(n int64) {
	m.QueueDepth.Set(float64(n))
}
