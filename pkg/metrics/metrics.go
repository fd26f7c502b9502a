// Package metrics provides centralized Prometheus metrics registry for the
// Checko fetcher. All metrics are defined in their respective packages (client,
// artifact, usage, keypool, batch) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available metrics,
// and the HTTP server exposing them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the fetcher.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - checko_requests_total{outcome} (Counter): Requests by classified outcome
//   - checko_request_duration_seconds (Histogram): Request duration
//   - checko_errors_total{class} (Counter): Errors by class (network, auth, client, server, api, decode)
//
// Usage Metrics (pkg/usage):
//   - checko_key_today_requests{key} (Gauge): Daily request count per masked key
//   - checko_usage_saves_total{result} (Counter): Usage store saves by result
//   - checko_usage_load_errors_total (Counter): Unreadable usage state replaced by an empty store
//   - checko_usage_resets_total{cause} (Counter): Daily counter resets by cause
//
// Key Pool Metrics (pkg/keypool):
//   - checko_active_keys (Gauge): Keys currently in the pool
//   - checko_available_keys (Gauge): Keys below the daily limit at the last selection
//   - checko_keys_invalidated_total (Counter): Keys removed after the service rejected them
//
// Artifact Metrics (pkg/artifact):
//   - checko_artifact_lookups_total{backend, result} (Counter): Existence checks (hit/miss)
//   - checko_artifacts_written_total{backend} (Counter): Artifacts written
//   - checko_artifact_bytes_written_total{backend} (Counter): Compressed bytes written
//   - checko_artifact_errors_total{backend, operation} (Counter): Failed artifact operations
//
// Batch Metrics (pkg/batch):
//   - checko_batch_entities_total{result} (Counter): Entities by result (succeeded, skipped, failed, pending)
//   - checko_key_switches_total (Counter): Key rotations
//   - checko_batch_run_duration_seconds (Histogram): Run duration
//
// Example Prometheus Queries:
//
//   # Quota pressure
//   checko_available_keys / checko_active_keys
//
//   # Entity failure rate
//   rate(checko_batch_entities_total{result="failed"}[15m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(checko_request_duration_seconds_bucket[5m]))
//
//   # Quota errors per hour
//   increase(checko_requests_total{outcome="quota_exceeded"}[1h])
