// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch turns accepted submissions into delivered, retried,
// circuit-broken, eventually-completed-or-timed-out commands.
//
// The pipeline per command:
//
//	Submit ── dedupe by (device, key) ── reserve queue slot ── persist
//	   │
//	   ▼
//	worker ── breaker gate ── chaos knobs ── retry-wrapped hub send
//	   │
//	   ├─ send ok:   schedule response-timeout reconciliation
//	   └─ send fail: command → failed, event published
//
// A command is persisted before it becomes visible to the worker, and it
// leaves the pending state at most once: the device result callback, the
// send-failure path, and the timeout reconciler all go through the
// gateway's conditional terminal update.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianControl/services/controlplane/breaker"
	"github.com/AleutianAI/AleutianControl/services/controlplane/broadcast"
	"github.com/AleutianAI/AleutianControl/services/controlplane/chaos"
	"github.com/AleutianAI/AleutianControl/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianControl/services/controlplane/observability"
	"github.com/AleutianAI/AleutianControl/services/controlplane/retry"
	"github.com/AleutianAI/AleutianControl/services/controlplane/storage"
)

// Defaults for the router configuration.
const (
	// DefaultQueueCapacity bounds the in-flight queue.
	DefaultQueueCapacity = 50

	// DefaultResponseTimeout is how long a dispatched command may stay
	// pending before the reconciler fails it.
	DefaultResponseTimeout = 10 * time.Second
)

// Submission limits.
const (
	maxVerbLen = 200
	maxKeyLen  = 100
)

// Sentinel errors surfaced to the façade.
var (
	// ErrQueueFull signals backpressure: the command was not persisted and
	// the caller may retry with the same idempotency key later.
	ErrQueueFull = errors.New("dispatch: in-flight queue full")

	// ErrInvalid wraps submission validation failures.
	ErrInvalid = errors.New("dispatch: invalid submission")
)

// Failure reasons written into command results.
const (
	reasonTimeout     = "timeout"
	reasonCircuitOpen = "circuit open"
	reasonDropped     = "dropped"
)

// Sender hands a command frame to the device transport. Satisfied by
// devicehub.Hub.
type Sender interface {
	SendCommand(deviceID, commandID, verb string) error
}

// Result is the outcome of an accepted submission.
type Result struct {
	// CommandID names the durable command, freshly created or existing.
	CommandID string

	// Duplicate is true when the (device, key) pair was already known and
	// no new command was created.
	Duplicate bool
}

// Config wires the router's collaborators.
type Config struct {
	Store    *storage.Store
	Sender   Sender
	Breakers *breaker.Registry
	Events   *broadcast.Hub
	Knobs    chaos.Knobs

	// Metrics may be nil.
	Metrics *observability.Metrics

	// QueueCapacity defaults to DefaultQueueCapacity when <= 0.
	QueueCapacity int

	// ResponseTimeout defaults to DefaultResponseTimeout when <= 0.
	ResponseTimeout time.Duration
}

type queued struct {
	commandID string
	deviceID  string
	verb      string
}

// Router accepts submissions and drives the dispatch worker.
//
// Thread Safety: Safe for concurrent use. Run is intended for a single
// goroutine (single-consumer queue).
type Router struct {
	store    *storage.Store
	sender   Sender
	breakers *breaker.Registry
	events   *broadcast.Hub
	knobs    chaos.Knobs
	metrics  *observability.Metrics
	exec     *retry.Executor

	capacity    int
	respTimeout time.Duration

	queue chan queued
	slots atomic.Int32

	timeouts sync.WaitGroup
}

// NewRouter creates a router from the given configuration.
func NewRouter(cfg Config) *Router {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	respTimeout := cfg.ResponseTimeout
	if respTimeout <= 0 {
		respTimeout = DefaultResponseTimeout
	}
	return &Router{
		store:       cfg.Store,
		sender:      cfg.Sender,
		breakers:    cfg.Breakers,
		events:      cfg.Events,
		knobs:       cfg.Knobs,
		metrics:     cfg.Metrics,
		exec:        retry.NewExecutor(),
		capacity:    capacity,
		respTimeout: respTimeout,
		queue:       make(chan queued, capacity),
	}
}

// Submit accepts one logical command for a device.
//
// Semantics:
//
//  1. A command already known under (deviceID, idempotencyKey) is returned
//     as a duplicate without enqueueing again.
//  2. When the bounded queue is full, ErrQueueFull is returned and nothing
//     is persisted.
//  3. Otherwise the command is persisted, then made visible to the worker.
//     A duplicate-key collision from a concurrent racer is reconciled to
//     idempotent success; the losing submission releases its queue slot and
//     enqueues nothing.
func (r *Router) Submit(ctx context.Context, deviceID, idempotencyKey, verb string) (Result, error) {
	if err := validateSubmission(deviceID, idempotencyKey, verb); err != nil {
		r.recordSubmission(observability.OutcomeInvalid)
		return Result{}, err
	}

	existing, err := r.store.FindCommandByKey(ctx, deviceID, idempotencyKey)
	if err == nil {
		r.recordSubmission(observability.OutcomeDuplicate)
		return Result{CommandID: existing.ID, Duplicate: true}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Result{}, err
	}

	if !r.reserveSlot() {
		r.recordSubmission(observability.OutcomeQueueFull)
		return Result{}, ErrQueueFull
	}

	cmd := &datatypes.Command{
		ID:             uuid.New().String(),
		DeviceID:       deviceID,
		IdempotencyKey: idempotencyKey,
		Verb:           verb,
		CreatedAt:      time.Now(),
		Status:         datatypes.CommandStatusPending,
	}
	if err := r.store.CreateCommand(ctx, cmd); err != nil {
		r.releaseSlot()
		if errors.Is(err, storage.ErrDuplicateKey) {
			// Two submissions of the same key raced past the lookup; the
			// constraint is authoritative. Surface the winner's id.
			winner, lookupErr := r.store.FindCommandByKey(ctx, deviceID, idempotencyKey)
			if lookupErr != nil {
				return Result{}, fmt.Errorf("load command after duplicate collision: %w", lookupErr)
			}
			r.recordSubmission(observability.OutcomeDuplicate)
			return Result{CommandID: winner.ID, Duplicate: true}, nil
		}
		return Result{}, err
	}

	// Slot was reserved above, so this send cannot block.
	r.queue <- queued{commandID: cmd.ID, deviceID: deviceID, verb: verb}
	r.recordSubmission(observability.OutcomeAccepted)
	return Result{CommandID: cmd.ID}, nil
}

func validateSubmission(deviceID, idempotencyKey, verb string) error {
	if deviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalid)
	}
	if idempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalid)
	}
	if len(idempotencyKey) > maxKeyLen {
		return fmt.Errorf("%w: idempotency key exceeds %d characters", ErrInvalid, maxKeyLen)
	}
	if verb == "" {
		return fmt.Errorf("%w: command verb is required", ErrInvalid)
	}
	if len(verb) > maxVerbLen {
		return fmt.Errorf("%w: command verb exceeds %d characters", ErrInvalid, maxVerbLen)
	}
	return nil
}

func (r *Router) reserveSlot() bool {
	for {
		cur := r.slots.Load()
		if int(cur) >= r.capacity {
			return false
		}
		if r.slots.CompareAndSwap(cur, cur+1) {
			if r.metrics != nil {
				r.metrics.QueueDepth.Set(float64(cur + 1))
			}
			return true
		}
	}
}

func (r *Router) releaseSlot() {
	depth := r.slots.Add(-1)
	if r.metrics != nil {
		r.metrics.QueueDepth.Set(float64(depth))
	}
}

// QueueDepth returns the number of reserved in-flight slots.
func (r *Router) QueueDepth() int {
	return int(r.slots.Load())
}

// Run drains the queue until ctx is cancelled. Per-command failures are
// confined: the loop never terminates on them.
func (r *Router) Run(ctx context.Context) error {
	slog.Info("dispatch worker started", "queue_capacity", r.capacity,
		"response_timeout", r.respTimeout.String(), "chaos_enabled", r.knobs.Enabled())
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatch worker stopping")
			r.timeouts.Wait()
			return ctx.Err()
		case entry := <-r.queue:
			r.releaseSlot()
			r.process(ctx, entry)
		}
	}
}

func (r *Router) process(ctx context.Context, entry queued) {
	cmd, err := r.store.GetCommand(ctx, entry.commandID)
	if err != nil {
		slog.Warn("queued command vanished, discarding", "command_id", entry.commandID, "error", err)
		return
	}
	if cmd.Terminal() {
		// The command reached a terminal state while it was queued.
		return
	}

	br := r.breakers.Get(entry.deviceID)
	if br.State() == breaker.Open {
		slog.Warn("circuit open, skipping dispatch", "device_id", entry.deviceID,
			"command_id", entry.commandID)
		if r.metrics != nil {
			r.metrics.BreakerSkipsTotal.Inc()
		}
		r.scheduleReconcile(ctx, cmd, reasonCircuitOpen)
		return
	}

	if r.knobs.ShouldDrop() {
		slog.Warn("chaos drop", "device_id", entry.deviceID, "command_id", entry.commandID)
		r.scheduleReconcile(ctx, cmd, reasonDropped)
		return
	}
	if lat := r.knobs.Latency(); lat > 0 {
		timer := time.NewTimer(lat)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	start := time.Now()
	ok, err := r.exec.Execute(ctx, func() bool {
		return r.sender.SendCommand(entry.deviceID, entry.commandID, entry.verb) == nil
	})
	if err != nil {
		// Cancelled mid-retry; the startup scan reconciles what we leave
		// pending.
		return
	}

	if r.metrics != nil {
		r.metrics.DispatchDurationSeconds.Observe(time.Since(start).Seconds())
	}

	if ok {
		br.RecordSuccess()
		r.scheduleReconcile(ctx, cmd, reasonTimeout)
		return
	}

	br.RecordFailure()
	result := fmt.Sprintf("send failed after %d attempts", len(retry.BaseDelays))
	r.failCommand(ctx, cmd.ID, result, time.Since(start).Milliseconds(), observability.ReasonSendFailed)
}

// scheduleReconcile arms the per-command response timeout. After the window
// a still-pending command is failed with the given reason; a command that
// reached a terminal state in the meantime is left alone.
func (r *Router) scheduleReconcile(ctx context.Context, cmd *datatypes.Command, reason string) {
	r.timeouts.Add(1)
	go func() {
		defer r.timeouts.Done()
		timer := time.NewTimer(r.respTimeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		current, err := r.store.GetCommand(context.Background(), cmd.ID)
		if err != nil {
			slog.Warn("timeout reconciler could not load command", "command_id", cmd.ID, "error", err)
			return
		}
		if current.Terminal() {
			return
		}
		latency := time.Since(current.CreatedAt).Milliseconds()
		r.failCommand(context.Background(), cmd.ID, reason, latency, metricReason(reason))
	}()
}

func metricReason(reason string) string {
	switch reason {
	case reasonCircuitOpen:
		return observability.ReasonCircuitOpen
	case reasonDropped:
		return observability.ReasonDropped
	default:
		return observability.ReasonTimeout
	}
}

func (r *Router) failCommand(ctx context.Context, commandID, result string, latencyMs int64, metricLabel string) {
	cmd, applied, err := r.store.CompleteCommand(ctx, commandID, datatypes.CommandStatusFailed, result, latencyMs)
	if err != nil {
		// The durable state may now be stale; the operator can safely
		// re-trigger with the same idempotency key.
		slog.Error("failed to persist command failure", "command_id", commandID, "error", err)
		return
	}
	if !applied {
		return
	}
	if r.metrics != nil {
		r.metrics.RecordCompletion(datatypes.CommandStatusFailed, metricLabel)
	}
	r.events.PublishCommandCompleted(cmd)
}

// ReconcileStartupBacklog fails pending commands older than the response
// timeout. In-flight timeout tasks are lost on crash; this scan restores
// the "pending resolves within T_resp" guarantee after a restart.
func (r *Router) ReconcileStartupBacklog(ctx context.Context) error {
	stale, err := r.store.PendingCommandsOlderThan(ctx, time.Now().Add(-r.respTimeout))
	if err != nil {
		return fmt.Errorf("scan pending backlog: %w", err)
	}
	for i := range stale {
		cmd := &stale[i]
		latency := time.Since(cmd.CreatedAt).Milliseconds()
		r.failCommand(ctx, cmd.ID, reasonTimeout, latency, observability.ReasonTimeout)
	}
	if len(stale) > 0 {
		slog.Info("reconciled stale pending commands at startup", "count", len(stale))
	}
	return nil
}

func (r *Router) recordSubmission(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordSubmission(outcome)
	}
}
