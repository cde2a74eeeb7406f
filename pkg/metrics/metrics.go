// Package metrics exposes the Prometheus registry of the OpenF1 proxy.
// All metrics are defined in their respective packages (cache, client,
// ratelimit, broadcast, proxy, warmup) and registered via promauto, which keeps
// those packages free of a dependency on this one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the proxy.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer paired with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - openf1_cache_hits_total{backend} (Counter): Cache hits by backend (memory, redis)
//   - openf1_cache_misses_total{backend} (Counter): Cache misses, expired entries included
//   - openf1_cache_evictions_total{backend, reason} (Counter): Evictions (expired, capacity)
//   - openf1_cache_entries (Gauge): Entries held by the memory backend
//   - openf1_cache_errors_total{operation} (Counter): Backend errors
//
// Upstream Metrics (pkg/client):
//   - openf1_upstream_requests_total{endpoint, status} (Counter): Attempts by endpoint and status
//   - openf1_upstream_request_duration_seconds{endpoint} (Histogram): Fetch duration, retries included
//   - openf1_upstream_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, decode)
//   - openf1_retries_total{error_class} (Counter): Retry attempts
//   - openf1_retry_backoff_seconds{error_class} (Histogram): Backoff before each retry
//   - openf1_retry_exhausted_total{error_class} (Counter): Fetches that used every attempt
//
// Scheduler Metrics (pkg/ratelimit):
//   - openf1_scheduler_queue_depth (Gauge): Jobs waiting
//   - openf1_scheduler_jobs_total{outcome} (Counter): success, failure, rejected
//   - openf1_scheduler_job_duration_seconds (Histogram): Job run time
//   - openf1_scheduler_queue_wait_seconds (Histogram): Time spent queued
//   - openf1_upstream_cooldown_seconds (Gauge): Last Retry-After cooldown
//   - openf1_upstream_rate_limited_total (Counter): 429 responses
//
// Broadcast Metrics (pkg/broadcast):
//   - openf1_broadcast_subscribers (Gauge): Live subscribers on this instance
//   - openf1_broadcast_events_total{type} (Counter): Published events
//   - openf1_broadcast_deliveries_total{outcome} (Counter): Per-subscriber sends
//   - openf1_broadcast_relay_messages_total{direction} (Counter): Redis relay traffic
//
// Proxy Metrics (pkg/proxy):
//   - openf1_proxy_requests_total{resource, result} (Counter): hit, miss, error, abandoned
//   - openf1_proxy_coalesced_total{resource} (Counter): Requests that joined another refill
//
// Warm-up Metrics (pkg/warmup):
//   - openf1_warmup_targets_total{outcome} (Counter): warmed, failed, skipped
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(openf1_proxy_requests_total{result="hit"}[5m])) /
//   sum(rate(openf1_proxy_requests_total[5m]))
//
//   # Queue Backlog
//   openf1_scheduler_queue_depth > 10
//
//   # P95 Time In Queue
//   histogram_quantile(0.95, rate(openf1_scheduler_queue_wait_seconds_bucket[5m]))
