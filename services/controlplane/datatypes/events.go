// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// EventType identifies the kind of operator-facing event.
type EventType string

const (
	// EventDeviceStatusChanged is emitted when the liveness monitor flips
	// a device between online and offline.
	EventDeviceStatusChanged EventType = "device-status-changed"

	// EventCommandCompleted is emitted when a command reaches a terminal
	// state, whether from a device result, a send failure, or a timeout.
	EventCommandCompleted EventType = "command-completed"

	// EventTelemetryReceived is emitted for every ingested telemetry sample.
	EventTelemetryReceived EventType = "telemetry-received"
)

// Event is the broadcast envelope fanned out to operator sessions. Each
// event carries the fields needed to stand alone; subscribers must not rely
// on inter-event ordering.
type Event struct {
	Type      EventType        `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	DeviceID  string           `json:"device_id,omitempty"`
	Status    string           `json:"status,omitempty"`
	Command   *Command         `json:"command,omitempty"`
	Sample    *TelemetrySample `json:"sample,omitempty"`
}
