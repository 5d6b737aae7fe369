// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package devicehub maintains the live bidirectional channels to devices.
//
// Each connected device registers under the group key for its device id;
// outbound command frames go to every connection in the group, and inbound
// telemetry and command-result frames flow back through the persistence
// gateway and the operator broadcast hub.
//
// The hub is deliberately thin over the transport: the only guarantee it
// offers the dispatcher is "frame handed to the transport". Completion is
// reconciled by the dispatcher's timeout and the result callback.
//
// Thread Safety:
//
//	Hub is safe for concurrent use.
package devicehub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianControl/services/controlplane/broadcast"
	"github.com/AleutianAI/AleutianControl/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianControl/services/controlplane/observability"
	"github.com/AleutianAI/AleutianControl/services/controlplane/storage"
)

// ErrNoConnections indicates no live connection exists for the device group.
var ErrNoConnections = errors.New("devicehub: no live connections for device")

// connection is one live device link. gorilla/websocket permits a single
// concurrent writer, so writes go through the connection mutex.
type connection struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *connection) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// Hub owns the device connection groups.
type Hub struct {
	store   *storage.Store
	events  *broadcast.Hub
	metrics *observability.Metrics

	mu     sync.RWMutex
	groups map[string]map[string]*connection
}

// NewHub creates a hub over the given gateway and broadcast hub.
// metrics may be nil.
func NewHub(store *storage.Store, events *broadcast.Hub, metrics *observability.Metrics) *Hub {
	return &Hub{
		store:   store,
		events:  events,
		metrics: metrics,
		groups:  make(map[string]map[string]*connection),
	}
}

// register associates a live connection with the device group.
func (h *Hub) register(conn *connection, deviceID string) {
	h.mu.Lock()
	group, ok := h.groups[deviceID]
	if !ok {
		group = make(map[string]*connection)
		h.groups[deviceID] = group
	}
	group[conn.id] = conn
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.DeviceConnections.Inc()
	}
	slog.Info("device connection registered", "device_id", deviceID, "connection_id", conn.id)
}

func (h *Hub) unregister(conn *connection, deviceID string) {
	h.mu.Lock()
	if group, ok := h.groups[deviceID]; ok {
		if _, present := group[conn.id]; present {
			delete(group, conn.id)
			if len(group) == 0 {
				delete(h.groups, deviceID)
			}
			if h.metrics != nil {
				h.metrics.DeviceConnections.Dec()
			}
		}
	}
	h.mu.Unlock()
	slog.Info("device connection closed", "device_id", deviceID, "connection_id", conn.id)
}

// Connections returns the live connection count for a device group.
func (h *Hub) Connections(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[deviceID])
}

// SendCommand delivers a command frame to every connection in the device
// group. It returns nil as soon as the frame left the process on at least
// one connection; it does not wait for device execution.
func (h *Hub) SendCommand(deviceID, commandID, verb string) error {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.groups[deviceID]))
	for _, c := range h.groups[deviceID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return ErrNoConnections
	}

	frame := Frame{
		Type:      FrameCommand,
		DeviceID:  deviceID,
		CommandID: commandID,
		Verb:      verb,
	}
	delivered := 0
	for _, c := range conns {
		if err := c.writeJSON(frame); err != nil {
			slog.Warn("failed to write command frame", "device_id", deviceID,
				"connection_id", c.id, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("devicehub: command %s reached none of %d connections", commandID, len(conns))
	}
	return nil
}

// ServeConn runs the read loop for one upgraded device websocket until the
// peer disconnects or a read fails. ctx is checked between frames; a read
// that is already blocked is not interrupted by its cancellation. The first
// frame must be a register.
func (h *Hub) ServeConn(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	conn := &connection{id: uuid.New().String(), ws: ws}

	var reg Frame
	if err := ws.ReadJSON(&reg); err != nil {
		slog.Info("device disconnected before registering", "error", err.Error())
		return
	}
	if reg.Type != FrameRegister || reg.DeviceID == "" {
		slog.Warn("first device frame was not a register", "type", reg.Type)
		return
	}
	deviceID := reg.DeviceID

	if _, err := h.store.GetDevice(ctx, deviceID); err != nil {
		slog.Warn("register for unknown device", "device_id", deviceID, "error", err)
		_ = conn.writeJSON(Frame{Type: FrameRegister, DeviceID: deviceID, Result: "unknown device"})
		return
	}

	h.register(conn, deviceID)
	defer h.unregister(conn, deviceID)

	h.touch(ctx, deviceID)

	for {
		if ctx.Err() != nil {
			return
		}
		var frame Frame
		if err := ws.ReadJSON(&frame); err != nil {
			slog.Info("device disconnected", "device_id", deviceID, "error", err.Error())
			return
		}

		// Any inbound frame counts as a heartbeat.
		h.touch(ctx, deviceID)

		switch frame.Type {
		case FrameTelemetry:
			h.HandleTelemetry(ctx, deviceID, frame.Payload)
		case FrameCommandResult:
			h.HandleCommandResult(ctx, frame.CommandID, frame.Status, frame.Result)
		case FrameRegister:
			// Already registered; nothing further to do.
		default:
			slog.Warn("unknown device frame type", "device_id", deviceID, "type", frame.Type)
		}
	}
}

func (h *Hub) touch(ctx context.Context, deviceID string) {
	if _, err := h.store.TouchDevice(ctx, deviceID, time.Now(), false); err != nil {
		slog.Warn("failed to refresh device last-seen", "device_id", deviceID, "error", err)
	}
}

// HandleTelemetry persists one telemetry sample with pruning and publishes
// a telemetry-received event.
func (h *Hub) HandleTelemetry(ctx context.Context, deviceID, payload string) {
	sample := &datatypes.TelemetrySample{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	if err := h.store.AppendTelemetry(ctx, sample); err != nil {
		slog.Error("failed to persist telemetry sample", "device_id", deviceID, "error", err)
		return
	}
	if h.metrics != nil {
		h.metrics.TelemetryTotal.Inc()
	}
	h.events.PublishTelemetry(sample)
}

// HandleCommandResult applies a device-reported outcome to the command.
//
// Unknown command ids are logged and dropped. The pending→terminal
// transition applies at most once; a result arriving after the timeout
// reconciler already failed the command is an idempotent no-op.
func (h *Hub) HandleCommandResult(ctx context.Context, commandID, status, result string) {
	var terminal string
	switch status {
	case ResultCompleted:
		terminal = datatypes.CommandStatusCompleted
	case ResultFailed:
		terminal = datatypes.CommandStatusFailed
	default:
		slog.Warn("device reported unknown result status", "command_id", commandID, "status", status)
		return
	}

	existing, err := h.store.GetCommand(ctx, commandID)
	if err != nil {
		slog.Warn("result for unknown command dropped", "command_id", commandID, "error", err)
		return
	}

	latency := time.Since(existing.CreatedAt).Milliseconds()
	cmd, applied, err := h.store.CompleteCommand(ctx, commandID, terminal, result, latency)
	if err != nil {
		slog.Error("failed to apply command result", "command_id", commandID, "error", err)
		return
	}
	if !applied {
		slog.Debug("late command result ignored", "command_id", commandID, "status", cmd.Status)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordCompletion(terminal, observability.ReasonDevice)
	}
	h.events.PublishCommandCompleted(cmd)
}
