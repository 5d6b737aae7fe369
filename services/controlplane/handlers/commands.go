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

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianControl/pkg/validation"
	"github.com/AleutianAI/AleutianControl/services/controlplane/dispatch"
	"github.com/AleutianAI/AleutianControl/services/controlplane/storage"
)

// SubmitCommandRequest is the command-submission body.
type SubmitCommandRequest struct {
	IdempotencyKey string `json:"idempotencyKey" binding:"required,max=100"`
	Command        string `json:"command" binding:"required,max=200"`
}

// SubmitCommand accepts a command for a device.
//
// Responses: 202 with the command id (fresh or existing), 400 on
// validation failure, 429 when the in-flight queue is full.
func SubmitCommand(router *dispatch.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := c.Param("id")
		if err := validation.ValidateDeviceID(deviceID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var req SubmitCommandRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := validation.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := router.Submit(c.Request.Context(), deviceID, req.IdempotencyKey, req.Command)
		switch {
		case errors.Is(err, dispatch.ErrQueueFull):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "command queue full, retry later"})
			return
		case errors.Is(err, dispatch.ErrInvalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			slog.Error("command submission failed", "device_id", deviceID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept command"})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"commandId": result.CommandID})
	}
}

// GetCommand returns the durable snapshot of one command.
func GetCommand(store *storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := c.Param("id")
		commandID := c.Param("commandId")

		cmd, err := store.GetCommand(c.Request.Context(), commandID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && cmd.DeviceID != deviceID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "command not found"})
			return
		}
		if err != nil {
			slog.Error("command lookup failed", "command_id", commandID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load command"})
			return
		}

		c.JSON(http.StatusOK, cmd)
	}
}
