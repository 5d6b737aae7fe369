// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersAndRecords(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordSubmission(OutcomeAccepted)
	m.RecordSubmission(OutcomeAccepted)
	m.RecordSubmission(OutcomeQueueFull)
	m.RecordCompletion("failed", ReasonTimeout)
	m.QueueDepth.Set(7)
	m.TelemetryTotal.Inc()
	m.BreakerSkipsTotal.Inc()
	m.DeviceConnections.Inc()
	m.OperatorSessions.Inc()
	m.EventsDroppedTotal.Inc()
	m.DevicesOnline.Set(3)
	m.DispatchDurationSeconds.Observe(0.2)

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.SubmissionsTotal.WithLabelValues(OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.SubmissionsTotal.WithLabelValues(OutcomeQueueFull)))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.CompletionsTotal.WithLabelValues("failed", ReasonTimeout)))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DevicesOnline))

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewMetrics_SecondRegistryIsIndependent(t *testing.T) {
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.TelemetryTotal.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.TelemetryTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.TelemetryTotal))
}
