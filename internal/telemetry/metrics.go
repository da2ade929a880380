/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crybkeys"

// HTTP metrics
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "HTTP request latency by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "api_active_connections",
		Help:      "In-flight HTTP requests.",
	})

	APIWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "api_websocket_connections",
		Help:      "Open security event stream connections.",
	})
)

// Validation metrics
var (
	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "validations_total",
		Help:      "Key validations by result code.",
	}, []string{"code"})

	ValidationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "validation_duration_seconds",
		Help:      "End to end key validation latency.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
	})

	RateLimitDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_denied_total",
		Help:      "Rate limited validations by binding window.",
	}, []string{"window"})

	AccessDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "access_denied_total",
		Help:      "Access denials by reason.",
	}, []string{"reason"})

	RecordCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "record_cache_total",
		Help:      "Key record cache lookups by result.",
	}, []string{"result"})
)

// Security metrics
var (
	AnomalyOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anomaly_outcomes_total",
		Help:      "Outcomes recorded by the anomaly detector.",
	}, []string{"outcome"})

	SuspiciousKeysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suspicious_keys_total",
		Help:      "Times a key crossed the suspicion threshold.",
	})
)

// Lifecycle metrics
var (
	KeyLifecycleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "key_lifecycle_total",
		Help:      "Key lifecycle operations by kind.",
	}, []string{"operation"})

	SweeperRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeper_runs_total",
		Help:      "Expiry sweeper runs by result.",
	}, []string{"result"})

	SweeperExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeper_expired_total",
		Help:      "Keys marked expired by the sweeper.",
	})
)

// Usage metrics
var (
	UsageEventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_events_dropped_total",
		Help:      "Usage events dropped because the recorder queue was full.",
	})

	UsageFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_flush_total",
		Help:      "Usage flushes by result.",
	}, []string{"result"})

	UsageQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "usage_queue_depth",
		Help:      "Pending usage events.",
	})
)

// Store metrics
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "database_query_duration_seconds",
		Help:      "Database statement latency by operation and table.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "database_errors_total",
		Help:      "Database statement errors by operation.",
	}, []string{"operation"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "database_connections_active",
		Help:      "Open database connections.",
	})

	CounterStoreErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "counter_store_errors_total",
		Help:      "Counter store operations that failed on the validation path.",
	})
)

// Leadership metrics
var (
	LeaderElectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leader_election_status",
		Help:      "1 when this instance holds the sweeper lease.",
	}, []string{"instance_id"})

	LeaderElectionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leader_election_changes_total",
		Help:      "Leadership transitions observed by this instance.",
	}, []string{"instance_id", "transition"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
