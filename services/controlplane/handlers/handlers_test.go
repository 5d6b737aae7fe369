// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the command and device handlers

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianControl/services/controlplane/breaker"
	"github.com/AleutianAI/AleutianControl/services/controlplane/broadcast"
	"github.com/AleutianAI/AleutianControl/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianControl/services/controlplane/devicehub"
	"github.com/AleutianAI/AleutianControl/services/controlplane/dispatch"
	"github.com/AleutianAI/AleutianControl/services/controlplane/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	store  *storage.Store
	router *dispatch.Router
	engine *gin.Engine
}

func newTestEnv(t *testing.T, queueCapacity int) *testEnv {
	t.Helper()
	db, err := storage.OpenDB(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := storage.NewStore(db)
	events := broadcast.NewHub()
	hub := devicehub.NewHub(store, events, nil)
	router := dispatch.NewRouter(dispatch.Config{
		Store:         store,
		Sender:        hub,
		Breakers:      breaker.NewRegistry(),
		Events:        events,
		QueueCapacity: queueCapacity,
	})

	engine := gin.New()
	engine.POST("/v1/devices/:id/commands", SubmitCommand(router))
	engine.GET("/v1/devices/:id/commands/:commandId", GetCommand(store))
	engine.GET("/v1/devices", ListDevices(store))
	engine.GET("/v1/devices/:id", GetDevice(store))
	engine.PUT("/v1/devices/:id", UpdateDevice(store))
	engine.POST("/v1/devices/:id/heartbeat", Heartbeat(store))
	engine.GET("/health", HealthCheck)

	return &testEnv{store: store, router: router, engine: engine}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func (e *testEnv) seedDevice(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.store.PutDevice(context.Background(), &datatypes.Device{
		ID:        id,
		Name:      "Device " + id,
		Kind:      datatypes.DeviceKindDisplay,
		Transport: datatypes.TransportHTTPJSON,
		Status:    datatypes.DeviceStatusOffline,
	}))
}

// =============================================================================
// Command Submission
// =============================================================================

func TestSubmitCommand_Accepted(t *testing.T) {
	env := newTestEnv(t, 0)

	w := env.do(t, "POST", "/v1/devices/d01/commands",
		gin.H{"idempotencyKey": "K", "command": "Reboot"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["commandId"])
}

func TestSubmitCommand_DuplicateReturnsSameID(t *testing.T) {
	env := newTestEnv(t, 0)

	first := env.do(t, "POST", "/v1/devices/d01/commands",
		gin.H{"idempotencyKey": "K", "command": "Reboot"})
	require.Equal(t, http.StatusAccepted, first.Code)

	second := env.do(t, "POST", "/v1/devices/d01/commands",
		gin.H{"idempotencyKey": "K", "command": "Reboot"})
	require.Equal(t, http.StatusAccepted, second.Code)

	var a, b map[string]string
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a["commandId"], b["commandId"])
}

func TestSubmitCommand_Validation(t *testing.T) {
	env := newTestEnv(t, 0)

	// Missing body fields.
	w := env.do(t, "POST", "/v1/devices/d01/commands", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Missing command verb.
	w = env.do(t, "POST", "/v1/devices/d01/commands", gin.H{"idempotencyKey": "K"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Device id with characters outside the provisioned alphabet.
	w = env.do(t, "POST", "/v1/devices/bad*id/commands",
		gin.H{"idempotencyKey": "K", "command": "Reboot"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitCommand_QueueFull(t *testing.T) {
	env := newTestEnv(t, 2)

	// No worker is draining, so the third distinct command overflows.
	for i := 0; i < 2; i++ {
		w := env.do(t, "POST", "/v1/devices/d01/commands",
			gin.H{"idempotencyKey": fmt.Sprintf("K%d", i), "command": "Reboot"})
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w := env.do(t, "POST", "/v1/devices/d01/commands",
		gin.H{"idempotencyKey": "K-overflow", "command": "Reboot"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

// =============================================================================
// Command Lookup
// =============================================================================

func TestGetCommand(t *testing.T) {
	env := newTestEnv(t, 0)

	submit := env.do(t, "POST", "/v1/devices/d01/commands",
		gin.H{"idempotencyKey": "K", "command": "Reboot"})
	require.Equal(t, http.StatusAccepted, submit.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(submit.Body.Bytes(), &resp))

	w := env.do(t, "GET", "/v1/devices/d01/commands/"+resp["commandId"], nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var cmd datatypes.Command
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cmd))
	assert.Equal(t, datatypes.CommandStatusPending, cmd.Status)
	assert.Equal(t, "Reboot", cmd.Verb)

	// Unknown id.
	w = env.do(t, "GET", "/v1/devices/d01/commands/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// A command id under the wrong device is not found.
	w = env.do(t, "GET", "/v1/devices/d99/commands/"+resp["commandId"], nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Devices
// =============================================================================

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t, 0)
	env.seedDevice(t, "d01")

	w := env.do(t, "POST", "/v1/devices/d01/heartbeat", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	dev, err := env.store.GetDevice(context.Background(), "d01")
	require.NoError(t, err)
	assert.Equal(t, datatypes.DeviceStatusOnline, dev.Status)
	require.NotNil(t, dev.LastSeenAt)
	assert.WithinDuration(t, time.Now(), *dev.LastSeenAt, time.Second)

	w = env.do(t, "POST", "/v1/devices/ghost/heartbeat", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListDevices(t *testing.T) {
	env := newTestEnv(t, 0)
	env.seedDevice(t, "d01")
	env.seedDevice(t, "d02")

	w := env.do(t, "GET", "/v1/devices", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Items []datatypes.Device `json:"items"`
		Next  string             `json:"next"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Items, 2)
	assert.Empty(t, resp.Next)

	// Paged.
	w = env.do(t, "GET", "/v1/devices?limit=1", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Items, 1)
	assert.Equal(t, "d01", resp.Next)

	// Bad limit.
	w = env.do(t, "GET", "/v1/devices?limit=500", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetDevice_WithTelemetry(t *testing.T) {
	env := newTestEnv(t, 0)
	env.seedDevice(t, "d01")

	require.NoError(t, env.store.AppendTelemetry(context.Background(), &datatypes.TelemetrySample{
		ID:        "s1",
		DeviceID:  "d01",
		Timestamp: time.Now(),
		Payload:   "temp=20",
	}))

	w := env.do(t, "GET", "/v1/devices/d01", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Device    datatypes.Device            `json:"device"`
		Telemetry []datatypes.TelemetrySample `json:"telemetry"`
		Version   int64                       `json:"version"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "d01", resp.Device.ID)
	assert.Len(t, resp.Telemetry, 1)
	assert.Equal(t, resp.Device.Version, resp.Version)

	w = env.do(t, "GET", "/v1/devices/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateDevice_OptimisticConcurrency(t *testing.T) {
	env := newTestEnv(t, 0)
	env.seedDevice(t, "d01")

	w := env.do(t, "PUT", "/v1/devices/d01",
		gin.H{"location": "rack 4", "version": 1})
	assert.Equal(t, http.StatusOK, w.Code)
	var dev datatypes.Device
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dev))
	assert.Equal(t, "rack 4", dev.Location)
	assert.Equal(t, int64(2), dev.Version)

	// Replaying the stale version conflicts.
	w = env.do(t, "PUT", "/v1/devices/d01",
		gin.H{"location": "rack 5", "version": 1})
	assert.Equal(t, http.StatusConflict, w.Code)
}
