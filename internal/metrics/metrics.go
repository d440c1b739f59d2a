// Package metrics exposes self-monitoring counters and gauges for the
// correlation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "correlation_events_ingested_total",
			Help: "Total number of events accepted by the ingestion path",
		},
		[]string{"source_id"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "correlation_events_rejected_total",
			Help: "Total number of events rejected at validation",
		},
		[]string{"reason"},
	)

	EventsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "correlation_events_deduplicated_total",
			Help: "Total number of duplicate event deliveries dropped",
		},
	)

	AlertsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "correlation_alerts_created_total",
			Help: "Total number of alerts created",
		},
	)

	EventsMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "correlation_events_merged_total",
			Help: "Total number of events merged into existing open alerts",
		},
	)

	IncidentsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "correlation_incidents_created_total",
			Help: "Total number of incidents created",
		},
	)

	IncidentsExtended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "correlation_incidents_extended_total",
			Help: "Total number of alert folds into existing open incidents",
		},
	)

	WindowsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "correlation_windows_active",
			Help: "Number of currently active windows by type",
		},
		[]string{"window_type"},
	)

	WindowEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "correlation_window_evaluations_total",
			Help: "Total number of window evaluations by window type",
		},
		[]string{"window_type"},
	)

	SessionWindowsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "correlation_session_windows_closed_total",
			Help: "Total number of session window closures by reason",
		},
		[]string{"reason"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "correlation_notifications_total",
			Help: "Total number of notification directives by kind and suppression",
		},
		[]string{"kind", "suppressed"},
	)

	RemindersFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "correlation_reminders_fired_total",
			Help: "Total number of reminder notifications fired",
		},
	)

	CollectorTasksTimedOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "correlation_collector_tasks_timed_out_total",
			Help: "Total number of collector tasks transitioned to error by the health sweep",
		},
	)

	ProcessCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "correlation_process_cpu_percent",
			Help: "Engine process CPU usage sampled by the resource monitor",
		},
	)

	ProcessMemoryBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "correlation_process_memory_bytes",
			Help: "Engine process resident memory sampled by the resource monitor",
		},
	)
)
