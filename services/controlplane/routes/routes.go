// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianControl/services/controlplane/broadcast"
	"github.com/AleutianAI/AleutianControl/services/controlplane/devicehub"
	"github.com/AleutianAI/AleutianControl/services/controlplane/dispatch"
	"github.com/AleutianAI/AleutianControl/services/controlplane/handlers"
	"github.com/AleutianAI/AleutianControl/services/controlplane/middleware"
	"github.com/AleutianAI/AleutianControl/services/controlplane/observability"
	"github.com/AleutianAI/AleutianControl/services/controlplane/storage"
)

// Deps carries everything the route tree needs.
type Deps struct {
	Store     *storage.Store
	Router    *dispatch.Router
	DeviceHub *devicehub.Hub
	Events    *broadcast.Hub
	Metrics   *observability.Metrics

	// APIKey is the shared secret guarding device-facing routes.
	APIKey string
}

// SetupRoutes registers the full route tree.
//
// /health and the operator surface are unauthenticated; everything under
// /v1/devices and the device transport endpoint require the shared secret.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Operator subscription surface.
	router.GET("/v1/operators/ws", handlers.HandleOperatorWebSocket(deps.Events, deps.Metrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.APIKeyMiddleware(deps.APIKey))
	{
		// Device transport surface.
		v1.GET("/transport/ws", handlers.HandleDeviceWebSocket(deps.DeviceHub))

		devices := v1.Group("/devices")
		{
			devices.GET("", handlers.ListDevices(deps.Store))
			devices.GET("/:id", handlers.GetDevice(deps.Store))
			devices.PUT("/:id", handlers.UpdateDevice(deps.Store))
			devices.POST("/:id/heartbeat", handlers.Heartbeat(deps.Store))
			devices.POST("/:id/commands", handlers.SubmitCommand(deps.Router))
			devices.GET("/:id/commands/:commandId", handlers.GetCommand(deps.Store))
		}
	}
}
