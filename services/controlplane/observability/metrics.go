// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the control plane.
//
// # Description
//
// One bundle covers the dispatch pipeline and both hubs:
//   - Submission counters (by outcome)
//   - Completion counters (by status and reason)
//   - Dispatch latency histogram
//   - Queue depth, live connection, and subscriber gauges
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "aleutian"

// Subsystem for control-plane metrics.
const controlSubsystem = "controlplane"

// Submission outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeQueueFull = "queue_full"
	OutcomeInvalid   = "invalid"
)

// Completion reasons.
const (
	ReasonDevice      = "device"
	ReasonTimeout     = "timeout"
	ReasonCircuitOpen = "circuit_open"
	ReasonDropped     = "dropped"
	ReasonSendFailed  = "send_failed"
)

// Metrics holds all Prometheus metrics for the control plane.
//
// Initialize once at startup via NewMetrics.
type Metrics struct {
	// SubmissionsTotal counts command submissions by outcome.
	// Labels: outcome (accepted, duplicate, queue_full, invalid)
	SubmissionsTotal *prometheus.CounterVec

	// CompletionsTotal counts terminal command transitions.
	// Labels: status (completed, failed), reason (device, timeout, ...)
	CompletionsTotal *prometheus.CounterVec

	// DispatchDurationSeconds measures worker dispatch latency per command.
	DispatchDurationSeconds prometheus.Histogram

	// QueueDepth tracks commands currently awaiting dispatch.
	QueueDepth prometheus.Gauge

	// BreakerSkipsTotal counts dispatches skipped because a breaker was open.
	BreakerSkipsTotal prometheus.Counter

	// TelemetryTotal counts ingested telemetry samples.
	TelemetryTotal prometheus.Counter

	// DeviceConnections tracks live device websocket connections.
	DeviceConnections prometheus.Gauge

	// OperatorSessions tracks live operator subscriptions.
	OperatorSessions prometheus.Gauge

	// EventsDroppedTotal counts broadcast events dropped for slow subscribers.
	EventsDroppedTotal prometheus.Counter

	// DevicesOnline tracks the device count the liveness monitor considers
	// online, refreshed each sweep.
	DevicesOnline prometheus.Gauge
}

// NewMetrics creates and registers the metric bundle on the given registerer
// (use prometheus.DefaultRegisterer in main, a fresh registry in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: controlSubsystem,
				Name:      "submissions_total",
				Help:      "Total command submissions by outcome",
			},
			[]string{"outcome"},
		),

		CompletionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: controlSubsystem,
				Name:      "completions_total",
				Help:      "Total terminal command transitions by status and reason",
			},
			[]string{"status", "reason"},
		),

		DispatchDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: controlSubsystem,
				Name:      "dispatch_duration_seconds",
				Help:      "Worker dispatch latency per command in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: controlSubsystem,
				Name:      "queue_depth",
				Help:      "Commands currently awaiting dispatch",
			},
		),

		BreakerSkipsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: controlSubsystem,
				Name:      "breaker_skips_total",
				Help:      "Dispatches skipped because the device breaker was open",
			},
		),

		TelemetryTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: controlSubsystem,
				Name:      "telemetry_samples_total",
				Help:      "Total ingested telemetry samples",
			},
		),

		DeviceConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: controlSubsystem,
				Name:      "device_connections",
				Help:      "Live device websocket connections",
			},
		),

		OperatorSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: controlSubsystem,
				Name:      "operator_sessions",
				Help:      "Live operator event subscriptions",
			},
		),

		EventsDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: controlSubsystem,
				Name:      "events_dropped_total",
				Help:      "Broadcast events dropped for slow subscribers",
			},
		),

		DevicesOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: controlSubsystem,
				Name:      "devices_online",
				Help:      "Devices currently considered online",
			},
		),
	}
}

// RecordSubmission records one submission outcome.
func (m *Metrics) RecordSubmission(outcome string) {
	m.SubmissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordCompletion records one terminal transition.
func (m *Metrics) RecordCompletion(status, reason string) {
	m.CompletionsTotal.WithLabelValues(status, reason).Inc()
}
