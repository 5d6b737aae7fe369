// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianControl/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianControl/services/controlplane/storage"
)

// ListDevices enumerates devices with optional filters and keyset
// pagination on id.
//
// Query parameters: status, kind, name (substring), after (cursor),
// limit (<= 100).
func ListDevices(store *storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 || parsed > 100 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer in (0,100]"})
				return
			}
			limit = parsed
		}

		items, next, err := store.ListDevices(c.Request.Context(), storage.DeviceFilter{
			Status: c.Query("status"),
			Kind:   c.Query("kind"),
			Name:   c.Query("name"),
			After:  c.Query("after"),
			Limit:  limit,
		})
		if err != nil {
			slog.Error("device listing failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
			return
		}
		if items == nil {
			items = []datatypes.Device{}
		}

		c.JSON(http.StatusOK, gin.H{"items": items, "next": next})
	}
}

// GetDevice returns one device with its recent telemetry window and the
// optimistic-concurrency version tag.
func GetDevice(store *storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := c.Param("id")

		dev, err := store.GetDevice(c.Request.Context(), deviceID)
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		if err != nil {
			slog.Error("device lookup failed", "device_id", deviceID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load device"})
			return
		}

		telemetry, err := store.RecentTelemetry(c.Request.Context(), deviceID, datatypes.TelemetryWindow)
		if err != nil {
			slog.Error("telemetry lookup failed", "device_id", deviceID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load telemetry"})
			return
		}
		if telemetry == nil {
			telemetry = []datatypes.TelemetrySample{}
		}

		c.JSON(http.StatusOK, gin.H{
			"device":    dev,
			"telemetry": telemetry,
			"version":   dev.Version,
		})
	}
}

// UpdateDeviceRequest carries the mutable device fields plus the version
// the caller read.
type UpdateDeviceRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Firmware string `json:"firmware"`
	Version  int64  `json:"version" binding:"required"`
}

// UpdateDevice applies an operator edit with an optimistic-concurrency
// check; a stale version yields 409.
func UpdateDevice(store *storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := c.Param("id")

		var req UpdateDeviceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		dev, err := store.GetDevice(c.Request.Context(), deviceID)
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		if err != nil {
			slog.Error("device lookup failed", "device_id", deviceID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load device"})
			return
		}

		if req.Name != "" {
			dev.Name = req.Name
		}
		if req.Location != "" {
			dev.Location = req.Location
		}
		if req.Firmware != "" {
			dev.Firmware = req.Firmware
		}
		dev.Version = req.Version

		err = store.PutDevice(c.Request.Context(), dev)
		if errors.Is(err, storage.ErrVersionConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "device was modified concurrently"})
			return
		}
		if err != nil {
			slog.Error("device update failed", "device_id", deviceID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update device"})
			return
		}

		c.JSON(http.StatusOK, dev)
	}
}

// Heartbeat refreshes a device's last-seen timestamp and forces its status
// to online. 404 for unknown devices.
func Heartbeat(store *storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := c.Param("id")

		dev, err := store.TouchDevice(c.Request.Context(), deviceID, time.Now(), true)
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		if err != nil {
			slog.Error("heartbeat failed", "device_id", deviceID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record heartbeat"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": dev.Status, "last_seen_at": dev.LastSeenAt})
	}
}
