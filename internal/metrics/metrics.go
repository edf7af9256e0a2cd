// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Observer metrics

	ObserverEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_events_total",
			Help: "Total number of filesystem events accepted by the observer",
		},
		[]string{"event"}, // "created", "modified", "moved", "deleted"
	)

	ObserverEventsCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "observer_events_coalesced_total",
			Help: "Total number of events merged into an already queued event for the same file",
		},
	)

	ObserverQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "observer_queue_depth",
			Help: "Current number of events waiting in the observer queue",
		},
	)

	ObserverLastEvent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "observer_last_event_timestamp",
			Help: "Unix timestamp of the last filesystem event seen by the observer",
		},
	)

	// Tail reader metrics

	TailBytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tail_bytes_read_total",
			Help: "Total bytes read past stored log file offsets",
		},
	)

	TailLinesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tail_lines_total",
			Help: "Total complete lines produced by the tail reader",
		},
	)

	TailRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tail_rotations_total",
			Help: "Total times a log file shrank below its stored offset and was reread from the start",
		},
	)

	TailDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tail_decode_errors_total",
			Help: "Total lines replaced by a decode exception record",
		},
	)

	// Operational database (orders) metrics

	PersoDBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "persodb_query_duration_seconds",
			Help:    "Duration of operational database view queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"}, // "orders", "batches", "aliases"
	)

	PersoDBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persodb_query_errors_total",
			Help: "Total number of operational database query errors",
		},
		[]string{"query"},
	)

	OrdersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orders_active",
			Help: "Current number of active orders in the correlation cache",
		},
	)

	OrdersRefreshes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_refreshes_total",
			Help: "Total number of active order cache refreshes",
		},
	)

	// Audit database metrics

	AuditCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditdb_calls_total",
			Help: "Total audit store procedure calls by outcome",
		},
		[]string{"proc", "outcome"}, // outcome: "new", "exists", "fatal", "null", "error"
	)

	AuditCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auditdb_call_duration_seconds",
			Help:    "Duration of audit store procedure calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"proc"},
	)

	AuditReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditdb_reconnects_total",
			Help: "Total forced audit database reconnects after empty procedure results",
		},
	)

	AuditBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auditdb_breaker_state",
			Help: "Audit database circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Correlation metrics

	MessagesLogged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_logged_total",
			Help: "Total log messages registered as new in the audit store",
		},
	)

	MessagesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_processed_total",
			Help: "Total log lines submitted to the audit store, registered or not",
		},
	)

	LinesUnresolved = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lines_unresolved",
			Help: "Current number of read lines not yet attributed to any order",
		},
	)

	ReclaimRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reclaim_runs_total",
			Help: "Total overstock reclaim passes by trigger",
		},
		[]string{"trigger"}, // "after_event", "idle", "forced"
	)

	ReclaimedLines = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reclaim_lines_total",
			Help: "Total unresolved lines attributed to finalized orders by reclaim passes",
		},
	)

	// Event bus metrics

	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total registered message events published on the in-process bus",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Total registered message events that failed to publish",
		},
	)

	// Alarm metrics

	AlarmsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarms_sent_total",
			Help: "Total alarm notifications sent by message code",
		},
		[]string{"code"},
	)

	AlarmErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alarm_errors_total",
			Help: "Total alarm notifications that failed to send",
		},
	)

	// Emitter metrics

	EmitterFilesScanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "emitter_files_scanned_total",
			Help: "Total log files visited by the bootstrap sweep",
		},
	)

	EmitterDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "emitter_duration_seconds",
			Help:    "Duration of bootstrap sweep runs in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// Supervision metrics

	ServiceRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "service_restarts_total",
			Help: "Total restarts of supervised services",
		},
		[]string{"service"},
	)
)

// RecordObserverEvent counts one accepted filesystem event and refreshes the
// last-event timestamp used by the staleness watchdog.
func RecordObserverEvent(event string) {
	ObserverEvents.WithLabelValues(event).Inc()
	ObserverLastEvent.Set(float64(time.Now().Unix()))
}

// RecordTailRead records one tail pass over a log file.
func RecordTailRead(bytes int64, lines int) {
	TailBytesRead.Add(float64(bytes))
	TailLinesRead.Add(float64(lines))
}

// RecordPersoDBQuery records one operational database query.
func RecordPersoDBQuery(query string, duration time.Duration, err error) {
	PersoDBQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
	if err != nil {
		PersoDBQueryErrors.WithLabelValues(query).Inc()
	}
}

// RecordAuditCall records one audit store procedure call by outcome.
func RecordAuditCall(proc, outcome string, duration time.Duration) {
	AuditCalls.WithLabelValues(proc, outcome).Inc()
	AuditCallDuration.WithLabelValues(proc).Observe(duration.Seconds())
}

// RecordReclaim records one reclaim pass and the lines it attributed.
func RecordReclaim(trigger string, reclaimed int) {
	ReclaimRuns.WithLabelValues(trigger).Inc()
	ReclaimedLines.Add(float64(reclaimed))
}

// RecordEventPublish records one bus publish attempt.
func RecordEventPublish(err error) {
	if err != nil {
		EventsDropped.Inc()
		return
	}
	EventsPublished.Inc()
}

// RecordAlarm records one alarm notification attempt.
func RecordAlarm(code string, err error) {
	if err != nil {
		AlarmErrors.Inc()
		return
	}
	AlarmsSent.WithLabelValues(code).Inc()
}

// SetBreakerState publishes the audit breaker state as a gauge.
func SetBreakerState(state int) {
	AuditBreakerState.Set(float64(state))
}
