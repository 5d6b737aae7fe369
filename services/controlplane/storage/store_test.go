// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianControl/services/controlplane/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func pendingCommand(deviceID, key string) *datatypes.Command {
	return &datatypes.Command{
		ID:             uuid.New().String(),
		DeviceID:       deviceID,
		IdempotencyKey: key,
		Verb:           "Reboot",
		CreatedAt:      time.Now(),
		Status:         datatypes.CommandStatusPending,
	}
}

// =============================================================================
// Command Tests
// =============================================================================

func TestCreateCommand_DuplicateKeyRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := pendingCommand("d01", "K")
	require.NoError(t, store.CreateCommand(ctx, first))

	second := pendingCommand("d01", "K")
	err := store.CreateCommand(ctx, second)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	// A different key on the same device is fine.
	third := pendingCommand("d01", "K2")
	assert.NoError(t, store.CreateCommand(ctx, third))

	// The same key on a different device is fine.
	fourth := pendingCommand("d02", "K")
	assert.NoError(t, store.CreateCommand(ctx, fourth))
}

func TestFindCommandByKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cmd := pendingCommand("d01", "K")
	require.NoError(t, store.CreateCommand(ctx, cmd))

	found, err := store.FindCommandByKey(ctx, "d01", "K")
	require.NoError(t, err)
	assert.Equal(t, cmd.ID, found.ID)

	_, err = store.FindCommandByKey(ctx, "d01", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteCommand_TerminalTransitionAppliesOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cmd := pendingCommand("d01", "K")
	require.NoError(t, store.CreateCommand(ctx, cmd))

	updated, applied, err := store.CompleteCommand(ctx, cmd.ID, datatypes.CommandStatusCompleted, "OK", 120)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, datatypes.CommandStatusCompleted, updated.Status)
	assert.Equal(t, "OK", updated.Result)
	require.NotNil(t, updated.LatencyMs)
	assert.Equal(t, int64(120), *updated.LatencyMs)

	// A second terminal transition is an idempotent no-op; the stored
	// fields never change.
	again, applied, err := store.CompleteCommand(ctx, cmd.ID, datatypes.CommandStatusFailed, "timeout", 9999)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, datatypes.CommandStatusCompleted, again.Status)
	assert.Equal(t, "OK", again.Result)
	assert.Equal(t, int64(120), *again.LatencyMs)
}

func TestCompleteCommand_UnknownID(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.CompleteCommand(context.Background(), "nope", datatypes.CommandStatusFailed, "timeout", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingCommandsOlderThan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale := pendingCommand("d01", "old")
	stale.CreatedAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.CreateCommand(ctx, stale))

	fresh := pendingCommand("d01", "new")
	require.NoError(t, store.CreateCommand(ctx, fresh))

	done := pendingCommand("d01", "done")
	done.CreatedAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.CreateCommand(ctx, done))
	_, _, err := store.CompleteCommand(ctx, done.ID, datatypes.CommandStatusCompleted, "OK", 1)
	require.NoError(t, err)

	out, err := store.PendingCommandsOlderThan(ctx, time.Now().Add(-10*time.Second))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, stale.ID, out[0].ID)
}

// =============================================================================
// Telemetry Tests
// =============================================================================

func TestAppendTelemetry_PrunesToWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < datatypes.TelemetryWindow+20; i++ {
		sample := &datatypes.TelemetrySample{
			ID:        uuid.New().String(),
			DeviceID:  "d01",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Payload:   fmt.Sprintf("temp=%d", i),
		}
		require.NoError(t, store.AppendTelemetry(ctx, sample))
	}

	samples, err := store.RecentTelemetry(ctx, "d01", datatypes.TelemetryWindow)
	require.NoError(t, err)
	assert.Len(t, samples, datatypes.TelemetryWindow)

	// Newest first, and the newest insertion survives pruning.
	assert.Equal(t, fmt.Sprintf("temp=%d", datatypes.TelemetryWindow+19), samples[0].Payload)
	for i := 1; i < len(samples); i++ {
		assert.True(t, !samples[i].Timestamp.After(samples[i-1].Timestamp),
			"samples must be ordered newest first")
	}
}

func TestRecentTelemetry_IsolatedPerDevice(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for _, dev := range []string{"d01", "d02"} {
		sample := &datatypes.TelemetrySample{
			ID:        uuid.New().String(),
			DeviceID:  dev,
			Timestamp: now,
			Payload:   "p-" + dev,
		}
		require.NoError(t, store.AppendTelemetry(ctx, sample))
	}

	samples, err := store.RecentTelemetry(ctx, "d01", 0)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "p-d01", samples[0].Payload)
}

// =============================================================================
// Device Tests
// =============================================================================

func seedDevice(t *testing.T, store *Store, id, name, kind, status string) *datatypes.Device {
	t.Helper()
	dev := &datatypes.Device{
		ID:        id,
		Name:      name,
		Kind:      kind,
		Transport: datatypes.TransportEdgePush,
		Status:    status,
	}
	require.NoError(t, store.PutDevice(context.Background(), dev))
	return dev
}

func TestPutDevice_VersionConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dev := seedDevice(t, store, "d01", "Main Display", datatypes.DeviceKindDisplay, datatypes.DeviceStatusOffline)
	assert.Equal(t, int64(1), dev.Version)

	dev.Location = "rack 4"
	require.NoError(t, store.PutDevice(ctx, dev))
	assert.Equal(t, int64(2), dev.Version)

	stale := *dev
	stale.Version = 1
	err := store.PutDevice(ctx, &stale)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestTouchDevice(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedDevice(t, store, "d01", "Codec A", datatypes.DeviceKindCodec, datatypes.DeviceStatusOffline)

	seen := time.Now()
	dev, err := store.TouchDevice(ctx, "d01", seen, true)
	require.NoError(t, err)
	assert.Equal(t, datatypes.DeviceStatusOnline, dev.Status)
	require.NotNil(t, dev.LastSeenAt)
	assert.WithinDuration(t, seen, *dev.LastSeenAt, time.Millisecond)

	_, err = store.TouchDevice(ctx, "ghost", seen, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetDeviceStatus_ReportsChange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedDevice(t, store, "d01", "Sensor", datatypes.DeviceKindSensor, datatypes.DeviceStatusOnline)

	_, changed, err := store.SetDeviceStatus(ctx, "d01", datatypes.DeviceStatusOffline)
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = store.SetDeviceStatus(ctx, "d01", datatypes.DeviceStatusOffline)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestListDevices_FiltersAndPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedDevice(t, store, "d01", "North Wall Display", datatypes.DeviceKindDisplay, datatypes.DeviceStatusOnline)
	seedDevice(t, store, "d02", "South Wall Display", datatypes.DeviceKindDisplay, datatypes.DeviceStatusOffline)
	seedDevice(t, store, "d03", "Room Codec", datatypes.DeviceKindCodec, datatypes.DeviceStatusOnline)

	// Filter by kind.
	items, next, err := store.ListDevices(ctx, DeviceFilter{Kind: datatypes.DeviceKindDisplay})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Empty(t, next)

	// Filter by status.
	items, _, err = store.ListDevices(ctx, DeviceFilter{Status: datatypes.DeviceStatusOnline})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	// Case-insensitive name substring.
	items, _, err = store.ListDevices(ctx, DeviceFilter{Name: "wall"})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	// Keyset pagination walks the full set in id order.
	items, next, err = store.ListDevices(ctx, DeviceFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "d01", items[0].ID)
	assert.Equal(t, "d02", items[1].ID)
	require.Equal(t, "d02", next)

	items, next, err = store.ListDevices(ctx, DeviceFilter{Limit: 2, After: next})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "d03", items[0].ID)
	assert.Empty(t, next)
}
