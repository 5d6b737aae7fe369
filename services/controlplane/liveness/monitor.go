// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package liveness tracks device reachability.
//
// The monitor sweeps every device on a fixed period and flips the durable
// status by the last-seen threshold: older than the offline window means
// offline, within it means online. Each transition is published to the
// operator broadcast hub.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianControl/services/controlplane/broadcast"
	"github.com/AleutianAI/AleutianControl/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianControl/services/controlplane/observability"
	"github.com/AleutianAI/AleutianControl/services/controlplane/storage"
)

// Defaults for the monitor configuration.
const (
	// DefaultSweepPeriod is how often the monitor walks the device set.
	DefaultSweepPeriod = 10 * time.Second

	// DefaultOfflineAfter is the last-seen age beyond which a device is
	// considered offline.
	DefaultOfflineAfter = 30 * time.Second
)

// Monitor sweeps devices and reconciles their status.
type Monitor struct {
	store  *storage.Store
	events *broadcast.Hub

	// metrics may be nil.
	metrics *observability.Metrics

	sweepPeriod  time.Duration
	offlineAfter time.Duration
	now          func() time.Time
}

// Config wires the monitor's collaborators. Zero durations take defaults.
type Config struct {
	Store        *storage.Store
	Events       *broadcast.Hub
	Metrics      *observability.Metrics
	SweepPeriod  time.Duration
	OfflineAfter time.Duration
}

// NewMonitor creates a monitor from the given configuration.
func NewMonitor(cfg Config) *Monitor {
	sweep := cfg.SweepPeriod
	if sweep <= 0 {
		sweep = DefaultSweepPeriod
	}
	offline := cfg.OfflineAfter
	if offline <= 0 {
		offline = DefaultOfflineAfter
	}
	return &Monitor{
		store:        cfg.Store,
		events:       cfg.Events,
		metrics:      cfg.Metrics,
		sweepPeriod:  sweep,
		offlineAfter: offline,
		now:          time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	slog.Info("liveness monitor started", "sweep_period", m.sweepPeriod.String(),
		"offline_after", m.offlineAfter.String())
	ticker := time.NewTicker(m.sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("liveness monitor stopping")
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep walks every device once, batching the status writes, and publishes
// one device-status-changed event per transition.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.now()

	type transition struct {
		deviceID string
		status   string
	}
	var transitions []transition
	online := 0

	after := ""
	for {
		devices, next, err := m.store.ListDevices(ctx, storage.DeviceFilter{After: after})
		if err != nil {
			slog.Error("liveness sweep failed to list devices", "error", err)
			return
		}
		for i := range devices {
			dev := &devices[i]
			if dev.LastSeenAt == nil {
				continue
			}
			age := now.Sub(*dev.LastSeenAt)
			switch {
			case age > m.offlineAfter && dev.Status != datatypes.DeviceStatusOffline:
				transitions = append(transitions, transition{dev.ID, datatypes.DeviceStatusOffline})
			case age <= m.offlineAfter && dev.Status != datatypes.DeviceStatusOnline:
				transitions = append(transitions, transition{dev.ID, datatypes.DeviceStatusOnline})
				online++
			case dev.Status == datatypes.DeviceStatusOnline && age <= m.offlineAfter:
				online++
			}
		}
		if next == "" {
			break
		}
		after = next
	}

	for _, tr := range transitions {
		_, changed, err := m.store.SetDeviceStatus(ctx, tr.deviceID, tr.status)
		if err != nil {
			slog.Error("liveness sweep failed to update device", "device_id", tr.deviceID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		slog.Info("device status changed", "device_id", tr.deviceID, "status", tr.status)
		m.events.PublishStatusChanged(tr.deviceID, tr.status)
	}

	if m.metrics != nil {
		m.metrics.DevicesOnline.Set(float64(online))
	}
}
