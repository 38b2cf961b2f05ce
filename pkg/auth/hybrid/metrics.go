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

package hybrid

import (
	"bytes"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Metric name constants.
const (
	metricRedisHits         = "keyfold_auth_redis_hits_total"
	metricRedisMisses       = "keyfold_auth_redis_misses_total"
	metricPostgresFallbacks = "keyfold_auth_postgres_fallbacks_total"
	metricDirectWrites      = "keyfold_auth_direct_writes_total"
	metricQueuePublishes    = "keyfold_auth_queue_publishes_total"
	metricQueueFailures     = "keyfold_auth_queue_failures_total"
	metricBreakerRejects    = "keyfold_auth_breaker_rejections_total"
	metricBreakerChanges    = "keyfold_auth_circuit_breaker_transitions_total"
	metricBreakerState      = "keyfold_auth_circuit_breaker_state"
	metricCacheWarming      = "keyfold_auth_cache_warming_total"
	metricVersionConflicts  = "keyfold_auth_version_conflicts_total"
	metricOperationDuration = "keyfold_auth_operation_duration_seconds"
	metricOperationTimeouts = "keyfold_auth_operation_timeouts_total"
	metricBatchOperations   = "keyfold_auth_batch_operations_total"
	metricOutboxDepth       = "keyfold_auth_outbox_depth"
	metricReconcilerLatency = "keyfold_auth_outbox_reconciler_duration_seconds"
	metricReconcilerFailed  = "keyfold_auth_outbox_reconciler_failures_total"
)

// DefaultDurationBuckets are histogram buckets for store operation durations.
var DefaultDurationBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// Metrics holds Prometheus metrics for the hybrid store. All metrics live
// in a private registry so two stores in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	// RedisHits counts hot-tier read hits.
	RedisHits prometheus.Counter

	// RedisMisses counts hot-tier read misses.
	RedisMisses prometheus.Counter

	// PostgresFallbacks counts cold-tier reads after a hot miss, by result.
	PostgresFallbacks *prometheus.CounterVec

	// DirectWrites counts synchronous tier writes by tier and status.
	DirectWrites *prometheus.CounterVec

	// QueuePublishes counts writes handed to the outbox.
	QueuePublishes prometheus.Counter

	// QueueFailures counts outbox enqueue failures.
	QueueFailures prometheus.Counter

	// BreakerRejects counts cold calls refused by an open breaker.
	BreakerRejects prometheus.Counter

	// BreakerTransitions counts breaker state changes by destination state.
	BreakerTransitions *prometheus.CounterVec

	// BreakerState gauges the current breaker state (0 closed, 1
	// half-open, 2 open).
	BreakerState prometheus.Gauge

	// CacheWarming counts warming attempts by result.
	CacheWarming *prometheus.CounterVec

	// VersionConflicts counts optimistic-concurrency failures surfacing
	// from the cold tier.
	VersionConflicts prometheus.Counter

	// OperationDuration tracks operation latency by operation, layer
	// (hybrid or cold), and status.
	OperationDuration *prometheus.HistogramVec

	// OperationTimeouts counts operations that hit the configured deadline.
	OperationTimeouts prometheus.Counter

	// BatchOperations counts batch entry points by operation.
	BatchOperations *prometheus.CounterVec

	// OutboxDepth gauges the pending+in-flight outbox backlog.
	OutboxDepth prometheus.Gauge

	// ReconcilerDuration tracks outbox replay tick latency.
	ReconcilerDuration prometheus.Histogram

	// ReconcilerFailures counts failed outbox replays.
	ReconcilerFailures prometheus.Counter
}

// NewMetrics creates and registers the store's metrics on a fresh private
// registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RedisHits: factory.NewCounter(prometheus.CounterOpts{
			Name: metricRedisHits,
			Help: "Hot tier read hits",
		}),

		RedisMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: metricRedisMisses,
			Help: "Hot tier read misses",
		}),

		PostgresFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricPostgresFallbacks,
			Help: "Cold tier reads after a hot miss, by result",
		}, []string{"result"}),

		DirectWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricDirectWrites,
			Help: "Synchronous tier writes by tier and status",
		}, []string{"tier", "status"}),

		QueuePublishes: factory.NewCounter(prometheus.CounterOpts{
			Name: metricQueuePublishes,
			Help: "Writes handed to the outbox ledger",
		}),

		QueueFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: metricQueueFailures,
			Help: "Outbox enqueue failures",
		}),

		BreakerRejects: factory.NewCounter(prometheus.CounterOpts{
			Name: metricBreakerRejects,
			Help: "Cold tier calls refused by an open circuit breaker",
		}),

		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricBreakerChanges,
			Help: "Circuit breaker state transitions by destination state",
		}, []string{"state"}),

		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: metricBreakerState,
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}),

		CacheWarming: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricCacheWarming,
			Help: "Cache warming attempts by result",
		}, []string{"result"}),

		VersionConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: metricVersionConflicts,
			Help: "Optimistic concurrency conflicts from the cold tier",
		}),

		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricOperationDuration,
			Help:    "Store operation duration in seconds",
			Buckets: DefaultDurationBuckets,
		}, []string{"operation", "layer", "status"}),

		OperationTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: metricOperationTimeouts,
			Help: "Operations that exceeded the configured deadline",
		}),

		BatchOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricBatchOperations,
			Help: "Batch entry points by operation",
		}, []string{"operation"}),

		OutboxDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: metricOutboxDepth,
			Help: "Outbox entries pending or in flight",
		}),

		ReconcilerDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    metricReconcilerLatency,
			Help:    "Outbox replay tick duration in seconds",
			Buckets: DefaultDurationBuckets,
		}),

		ReconcilerFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: metricReconcilerFailed,
			Help: "Outbox entries that failed to replay",
		}),
	}
}

// Initialize pre-registers labeled series so they appear in the exposition
// at startup.
func (m *Metrics) Initialize() {
	for _, result := range []string{"hit", "miss", "error"} {
		m.PostgresFallbacks.WithLabelValues(result).Add(0)
	}
	for _, tier := range []string{"hot", "cold"} {
		for _, status := range []string{"success", "error"} {
			m.DirectWrites.WithLabelValues(tier, status).Add(0)
		}
	}
	for _, result := range []string{"warmed", "skipped", "error"} {
		m.CacheWarming.WithLabelValues(result).Add(0)
	}
	for _, state := range []string{"closed", "half-open", "open"} {
		m.BreakerTransitions.WithLabelValues(state).Add(0)
	}
}

// GatherText renders the registry in the Prometheus text exposition format.
func (m *Metrics) GatherText() (string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("hybrid: gather metrics: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("hybrid: encode metrics: %w", err)
		}
	}
	return buf.String(), nil
}
