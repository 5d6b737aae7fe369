// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/AleutianAI/AleutianControl/pkg/logging"
	"github.com/AleutianAI/AleutianControl/services/controlplane/breaker"
	"github.com/AleutianAI/AleutianControl/services/controlplane/broadcast"
	"github.com/AleutianAI/AleutianControl/services/controlplane/chaos"
	"github.com/AleutianAI/AleutianControl/services/controlplane/devicehub"
	"github.com/AleutianAI/AleutianControl/services/controlplane/dispatch"
	"github.com/AleutianAI/AleutianControl/services/controlplane/liveness"
	"github.com/AleutianAI/AleutianControl/services/controlplane/observability"
	"github.com/AleutianAI/AleutianControl/services/controlplane/routes"
	"github.com/AleutianAI/AleutianControl/services/controlplane/storage"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "aleutian-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("controlplane-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	port := os.Getenv("CONTROLPLANE_PORT")
	if port == "" {
		port = "12310"
	}

	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  os.Getenv("CONTROL_LOG_DIR"),
		Service: "controlplane",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	apiKey := os.Getenv("CONTROL_API_KEY")
	if apiKey == "" {
		log.Fatalf("FATAL: CONTROL_API_KEY must be set")
	}

	knobs, err := chaos.FromEnv()
	if err != nil {
		log.Fatalf("FATAL: bad chaos configuration: %v", err)
	}
	if knobs.Enabled() {
		slog.Warn("chaos knobs active", "drop_rate", knobs.DropRate,
			"latency_min", knobs.LatencyMin.String(), "latency_max", knobs.LatencyMax.String())
	}

	dataDir := os.Getenv("CONTROL_DATA_DIR")
	if dataDir == "" {
		dataDir = "/var/lib/aleutian/controlplane"
	}
	db, err := storage.OpenDB(storage.DefaultConfig(dataDir))
	if err != nil {
		log.Fatalf("FATAL: could not open the command store: %v", err)
	}
	defer db.Close()

	store := storage.NewStore(db)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	events := broadcast.NewHub()
	events.OnDrop = metrics.EventsDroppedTotal.Inc
	hub := devicehub.NewHub(store, events, metrics)
	breakers := breaker.NewRegistry()

	router := dispatch.NewRouter(dispatch.Config{
		Store:    store,
		Sender:   hub,
		Breakers: breakers,
		Events:   events,
		Knobs:    knobs,
		Metrics:  metrics,
	})

	monitor := liveness.NewMonitor(liveness.Config{
		Store:   store,
		Events:  events,
		Metrics: metrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Timeout tasks lost in a previous crash leave commands pending
	// forever; fail the stale ones before accepting traffic.
	if err := router.ReconcileStartupBacklog(ctx); err != nil {
		log.Fatalf("FATAL: startup reconciliation failed: %v", err)
	}

	engine := gin.Default()
	engine.Use(otelgin.Middleware("controlplane-service"))
	routes.SetupRoutes(engine, routes.Deps{
		Store:     store,
		Router:    router,
		DeviceHub: hub,
		Events:    events,
		Metrics:   metrics,
		APIKey:    apiKey,
	})

	server := &http.Server{
		Addr:    ":" + port,
		Handler: engine,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := router.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		err := monitor.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		slog.Info("starting the control plane server", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("control plane exited with error: %v", err)
	}
	slog.Info("control plane stopped")
}
