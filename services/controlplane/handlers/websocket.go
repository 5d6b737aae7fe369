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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianControl/services/controlplane/broadcast"
	"github.com/AleutianAI/AleutianControl/services/controlplane/devicehub"
	"github.com/AleutianAI/AleutianControl/services/controlplane/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// HandleDeviceWebSocket upgrades the device transport channel and hands the
// connection to the hub's read loop. The device must send a register frame
// first; telemetry and command_result frames follow, and command frames
// flow back over the same socket.
func HandleDeviceWebSocket(hub *devicehub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade device websocket", "error", err)
			return
		}
		slog.Info("device websocket connected")
		hub.ServeConn(c.Request.Context(), ws)
	}
}

// HandleOperatorWebSocket upgrades an operator session and pumps broadcast
// events to it until it disconnects. Events the session cannot drain fast
// enough are dropped by the hub rather than blocking publishers.
func HandleOperatorWebSocket(events *broadcast.Hub, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade operator websocket", "error", err)
			return
		}
		defer ws.Close()

		sub := events.Subscribe(0)
		defer events.Unsubscribe(sub.ID)
		slog.Info("operator session connected", "subscription", sub.ID)

		if metrics != nil {
			metrics.OperatorSessions.Inc()
			defer metrics.OperatorSessions.Dec()
		}

		// Reader goroutine: the operator surface is write-only, but the
		// read loop is what notices a dropped peer.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				slog.Info("operator session disconnected", "subscription", sub.ID)
				return
			case <-c.Request.Context().Done():
				return
			case event, ok := <-sub.Events:
				if !ok {
					return
				}
				if err := ws.WriteJSON(event); err != nil {
					slog.Info("operator session write failed", "subscription", sub.ID,
						"error", err.Error())
					return
				}
			}
		}
	}
}
