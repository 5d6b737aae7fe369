// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package broadcast fans control-plane events out to subscribed operator
// sessions.
//
// Delivery is best-effort: a publisher never blocks on a subscriber. A
// subscriber whose buffer is full has the event dropped; each event carries
// the fields needed to stand alone, so a dropped event only costs that one
// update.
//
// Thread Safety:
//
//	Hub is safe for concurrent use.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianControl/services/controlplane/datatypes"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Subscription is one operator session's view of the event stream.
type Subscription struct {
	// ID uniquely identifies this subscription for Unsubscribe.
	ID string

	// Events receives the fan-out. Closed by Unsubscribe.
	Events <-chan datatypes.Event

	ch chan datatypes.Event
}

// Hub broadcasts events to all current subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	// OnDrop, when non-nil, is called once per event dropped for a slow
	// subscriber. Set before the first Publish.
	OnDrop func()
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscription)}
}

// Subscribe registers a subscriber with the given buffer size
// (DefaultBuffer when size <= 0).
func (h *Hub) Subscribe(size int) *Subscription {
	if size <= 0 {
		size = DefaultBuffer
	}
	sub := &Subscription{
		ID: uuid.New().String(),
		ch: make(chan datatypes.Event, size),
	}
	sub.Events = sub.ch

	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// a no-op.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish fans an event out to every subscriber without blocking.
func (h *Hub) Publish(event datatypes.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber: skip rather than block the publisher.
			slog.Debug("broadcast: dropped event for slow subscriber",
				"subscription", sub.ID, "type", string(event.Type))
			if h.OnDrop != nil {
				h.OnDrop()
			}
		}
	}
}

// PublishStatusChanged publishes a device-status-changed event.
func (h *Hub) PublishStatusChanged(deviceID, status string) {
	h.Publish(datatypes.Event{
		Type:     datatypes.EventDeviceStatusChanged,
		DeviceID: deviceID,
		Status:   status,
	})
}

// PublishCommandCompleted publishes a command-completed event with the
// terminal snapshot.
func (h *Hub) PublishCommandCompleted(cmd *datatypes.Command) {
	h.Publish(datatypes.Event{
		Type:     datatypes.EventCommandCompleted,
		DeviceID: cmd.DeviceID,
		Command:  cmd,
	})
}

// PublishTelemetry publishes a telemetry-received event.
func (h *Hub) PublishTelemetry(sample *datatypes.TelemetrySample) {
	h.Publish(datatypes.Event{
		Type:     datatypes.EventTelemetryReceived,
		DeviceID: sample.DeviceID,
		Sample:   sample,
	})
}
