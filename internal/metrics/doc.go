// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

/*
Package metrics provides Prometheus metrics for the persolog pipeline.

Metrics are registered with promauto on the default registry and exposed by the
ops server at /metrics in Prometheus text format:

	curl http://localhost:9477/metrics

# Metric groups

Observer:
  - observer_events_total: accepted filesystem events (counter)
    Labels: event (created, modified, moved, deleted)
  - observer_events_coalesced_total: events merged into a queued one (counter)
  - observer_queue_depth: events waiting for the consumer (gauge)
  - observer_last_event_timestamp: unix time of the last event (gauge),
    watched by the staleness restart check

Tail reader:
  - tail_bytes_read_total, tail_lines_total: read volume (counters)
  - tail_rotations_total: offset resets after file truncation (counter)
  - tail_decode_errors_total: lines replaced by decode exceptions (counter)

Operational database:
  - persodb_query_duration_seconds: view query latency (histogram)
    Labels: query (orders, batches, aliases)
  - persodb_query_errors_total: failed view queries (counter)
  - orders_active: orders in the correlation cache (gauge)
  - orders_refreshes_total: cache refresh passes (counter)

Audit database:
  - auditdb_calls_total: procedure calls (counter)
    Labels: proc, outcome (new, exists, fatal, null, error)
  - auditdb_call_duration_seconds: procedure latency (histogram)
  - auditdb_reconnects_total: forced reconnects after empty results (counter)
  - auditdb_breaker_state: circuit breaker state (gauge)

Correlation:
  - messages_logged_total, messages_processed_total: audit outcomes (counters)
  - lines_unresolved: lines not yet attributed to an order (gauge)
  - reclaim_runs_total: overstock passes (counter); Labels: trigger
  - reclaim_lines_total: lines attributed by reclaim (counter)

Alarms, emitter, supervision:
  - alarms_sent_total (Labels: code), alarm_errors_total
  - emitter_files_scanned_total, emitter_duration_seconds
  - service_restarts_total (Labels: service)
*/
package metrics
