// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the durable record types shared across the
// control plane: devices, commands, and telemetry samples, plus the event
// payloads fanned out to operator sessions.
//
// Thread Safety:
//
//	Values of these types are plain data. Copies are safe to share;
//	mutation of a shared pointer requires external synchronization.
package datatypes

import (
	"errors"
	"time"
)

// Values for the device status attribute.
const (
	DeviceStatusOnline  = "online"
	DeviceStatusOffline = "offline"
)

// Values for the device kind attribute.
const (
	DeviceKindDisplay  = "display"
	DeviceKindCodec    = "codec"
	DeviceKindSwitcher = "switcher"
	DeviceKindSensor   = "sensor"
)

// Values for the device transport attribute.
const (
	TransportLineTCP  = "line-oriented-tcp"
	TransportHTTPJSON = "http-json"
	TransportEdgePush = "edge-push"
)

// Device represents a managed edge device in a control-room installation.
//
// The ID is an opaque string that is stable across restarts. Version is the
// optimistic-concurrency token: every durable update bumps it, and REST
// updates must present the version they read.
type Device struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Kind         string     `json:"kind"`
	Transport    string     `json:"transport"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Status       string     `json:"status"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	Firmware     string     `json:"firmware,omitempty"`
	Location     string     `json:"location,omitempty"`
	Version      int64      `json:"version"`
}

// Validate checks device invariants.
func (d *Device) Validate() error {
	if d.ID == "" {
		return errors.New("device: empty id")
	}
	switch d.Kind {
	case DeviceKindDisplay, DeviceKindCodec, DeviceKindSwitcher, DeviceKindSensor:
	default:
		return errors.New("device: unknown kind " + d.Kind)
	}
	switch d.Transport {
	case TransportLineTCP, TransportHTTPJSON, TransportEdgePush:
	default:
		return errors.New("device: unknown transport " + d.Transport)
	}
	return nil
}

// Online reports whether the device status is online.
func (d *Device) Online() bool {
	return d.Status == DeviceStatusOnline
}

// HasCapability reports whether the device advertises the named capability.
func (d *Device) HasCapability(name string) bool {
	for _, c := range d.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}
