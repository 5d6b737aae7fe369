// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianControl/services/controlplane/datatypes"
)

// Sentinel errors returned by the gateway.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicateKey indicates a command already exists for the
	// (deviceID, idempotencyKey) pair.
	ErrDuplicateKey = errors.New("storage: duplicate idempotency key")

	// ErrVersionConflict indicates an optimistic-concurrency check failed.
	ErrVersionConflict = errors.New("storage: version conflict")
)

// Key spaces. The separator byte after the device id keeps prefixes from
// colliding across devices whose ids share a prefix.
const (
	devicePrefix    = "dev:"
	commandPrefix   = "cmd:"
	cmdKeyPrefix    = "ck:"
	telemetryPrefix = "tel:"
	keySep          = "\x00"
)

func deviceKey(id string) []byte {
	return []byte(devicePrefix + id)
}

func commandKey(id string) []byte {
	return []byte(commandPrefix + id)
}

func cmdKeyIndexKey(deviceID, idempotencyKey string) []byte {
	return []byte(cmdKeyPrefix + deviceID + keySep + idempotencyKey)
}

func telemetryKey(deviceID string, ts time.Time, sampleID string) []byte {
	// Fixed-width nanosecond timestamp keeps lexicographic order equal to
	// chronological order within a device prefix.
	return []byte(fmt.Sprintf("%s%s%s%016x:%s", telemetryPrefix, deviceID, keySep, ts.UnixNano(), sampleID))
}

func telemetryDevicePrefix(deviceID string) []byte {
	return []byte(telemetryPrefix + deviceID + keySep)
}

// Store is the typed persistence gateway over BadgerDB.
//
// All operations are transactional at the single-record level; the command
// create also writes its unique-index entry in the same transaction.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db *DB
}

// NewStore creates a gateway over an open database handle.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// =============================================================================
// Commands
// =============================================================================

// CreateCommand persists a freshly built command together with its
// (deviceID, idempotencyKey) index entry.
//
// Outputs:
//
//	error - ErrDuplicateKey when the pair already exists, nil on success.
func (s *Store) CreateCommand(ctx context.Context, cmd *datatypes.Command) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		idx := cmdKeyIndexKey(cmd.DeviceID, cmd.IdempotencyKey)
		_, err := txn.Get(idx)
		if err == nil {
			return ErrDuplicateKey
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(idx, []byte(cmd.ID)); err != nil {
			return err
		}
		return setJSON(txn, commandKey(cmd.ID), cmd)
	})
}

// GetCommand looks up a command by id.
func (s *Store) GetCommand(ctx context.Context, id string) (*datatypes.Command, error) {
	var cmd datatypes.Command
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, commandKey(id), &cmd)
	})
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// FindCommandByKey looks up a command by its (deviceID, idempotencyKey) pair.
func (s *Store) FindCommandByKey(ctx context.Context, deviceID, idempotencyKey string) (*datatypes.Command, error) {
	var cmd datatypes.Command
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(cmdKeyIndexKey(deviceID, idempotencyKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var id []byte
		id, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, commandKey(string(id)), &cmd)
	})
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// CompleteCommand transitions a pending command to a terminal status.
//
// The transition applies at most once: when the command is already terminal
// the stored record is returned unchanged and applied is false. Latency is
// only written when the command does not carry one yet.
//
// Outputs:
//
//	*datatypes.Command - The stored record after the call.
//	bool - True when this call performed the pending→terminal transition.
//	error - ErrNotFound for unknown ids.
func (s *Store) CompleteCommand(ctx context.Context, id, status, result string, latencyMs int64) (*datatypes.Command, bool, error) {
	var cmd datatypes.Command
	applied := false
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, commandKey(id), &cmd); err != nil {
			return err
		}
		if cmd.Terminal() {
			return nil
		}
		cmd.Status = status
		cmd.Result = result
		if cmd.LatencyMs == nil {
			lat := latencyMs
			cmd.LatencyMs = &lat
		}
		applied = true
		return setJSON(txn, commandKey(id), &cmd)
	})
	if err != nil {
		return nil, false, err
	}
	return &cmd, applied, nil
}

// PendingCommandsOlderThan returns pending commands created before the
// cutoff. Used by the startup reconciliation scan.
func (s *Store) PendingCommandsOlderThan(ctx context.Context, cutoff time.Time) ([]datatypes.Command, error) {
	var out []datatypes.Command
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(commandPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var cmd datatypes.Command
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cmd)
			})
			if err != nil {
				return err
			}
			if cmd.Status == datatypes.CommandStatusPending && cmd.CreatedAt.Before(cutoff) {
				out = append(out, cmd)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// Telemetry
// =============================================================================

// AppendTelemetry persists a sample and prunes the device's window down to
// datatypes.TelemetryWindow newest samples in the same transaction.
func (s *Store) AppendTelemetry(ctx context.Context, sample *datatypes.TelemetrySample) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, telemetryKey(sample.DeviceID, sample.Timestamp, sample.ID), sample); err != nil {
			return err
		}

		// Keys sort oldest-first; collect them all, then drop the overflow
		// from the front.
		prefix := telemetryDevicePrefix(sample.DeviceID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for len(keys) > datatypes.TelemetryWindow {
			if err := txn.Delete(keys[0]); err != nil {
				return err
			}
			keys = keys[1:]
		}
		return nil
	})
}

// RecentTelemetry returns up to limit samples for a device, newest first.
func (s *Store) RecentTelemetry(ctx context.Context, deviceID string, limit int) ([]datatypes.TelemetrySample, error) {
	if limit <= 0 || limit > datatypes.TelemetryWindow {
		limit = datatypes.TelemetryWindow
	}
	var out []datatypes.TelemetrySample
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		prefix := telemetryDevicePrefix(deviceID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts past the end of the prefix range.
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			var sample datatypes.TelemetrySample
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sample)
			})
			if err != nil {
				return err
			}
			out = append(out, sample)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// Devices
// =============================================================================

// GetDevice looks up a device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*datatypes.Device, error) {
	var dev datatypes.Device
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, deviceKey(id), &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// PutDevice writes a device with an optimistic-concurrency check.
//
// A device that does not exist yet is created regardless of the presented
// version. For an existing device the presented Version must equal the
// stored one; the stored record's version is bumped on success and the
// passed record is updated in place to match.
func (s *Store) PutDevice(ctx context.Context, dev *datatypes.Device) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var existing datatypes.Device
		err := getJSON(txn, deviceKey(dev.ID), &existing)
		switch {
		case errors.Is(err, ErrNotFound):
			dev.Version = 1
		case err != nil:
			return err
		default:
			if dev.Version != existing.Version {
				return ErrVersionConflict
			}
			dev.Version = existing.Version + 1
		}
		return setJSON(txn, deviceKey(dev.ID), dev)
	})
}

// TouchDevice refreshes a device's last-seen timestamp, optionally forcing
// the status to online (the heartbeat contract).
//
// Outputs:
//
//	*datatypes.Device - The stored record after the update.
//	error - ErrNotFound for unknown devices.
func (s *Store) TouchDevice(ctx context.Context, id string, seenAt time.Time, markOnline bool) (*datatypes.Device, error) {
	var dev datatypes.Device
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, deviceKey(id), &dev); err != nil {
			return err
		}
		t := seenAt
		dev.LastSeenAt = &t
		if markOnline {
			dev.Status = datatypes.DeviceStatusOnline
		}
		dev.Version++
		return setJSON(txn, deviceKey(id), &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// SetDeviceStatus transitions a device's status.
//
// Outputs:
//
//	*datatypes.Device - The stored record after the call.
//	bool - True when the status actually changed.
//	error - ErrNotFound for unknown devices.
func (s *Store) SetDeviceStatus(ctx context.Context, id, status string) (*datatypes.Device, bool, error) {
	var dev datatypes.Device
	changed := false
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, deviceKey(id), &dev); err != nil {
			return err
		}
		if dev.Status == status {
			return nil
		}
		dev.Status = status
		dev.Version++
		changed = true
		return setJSON(txn, deviceKey(id), &dev)
	})
	if err != nil {
		return nil, false, err
	}
	return &dev, changed, nil
}

// DeviceFilter narrows and pages a device listing.
type DeviceFilter struct {
	// Status keeps only devices with this status when non-empty.
	Status string

	// Kind keeps only devices with this kind when non-empty.
	Kind string

	// Name keeps only devices whose name contains this substring
	// (case-insensitive) when non-empty.
	Name string

	// After is the exclusive keyset cursor: only devices with id > After
	// are returned.
	After string

	// Limit caps the page size. Values outside (0, 100] are clamped to 100.
	Limit int
}

// ListDevices enumerates devices ordered by id using keyset pagination.
//
// Outputs:
//
//	[]datatypes.Device - Up to Limit matching devices.
//	string - The cursor for the next page, empty when exhausted.
func (s *Store) ListDevices(ctx context.Context, filter DeviceFilter) ([]datatypes.Device, string, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var out []datatypes.Device
	next := ""
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(devicePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := []byte(devicePrefix)
		if filter.After != "" {
			// Seek just past the cursor id.
			seek = append(deviceKey(filter.After), 0x00)
		}
		for it.Seek(seek); it.Valid(); it.Next() {
			var dev datatypes.Device
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dev)
			})
			if err != nil {
				return err
			}
			if !matchDevice(&dev, &filter) {
				continue
			}
			if len(out) == limit {
				next = out[len(out)-1].ID
				return nil
			}
			out = append(out, dev)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return out, next, nil
}

func matchDevice(dev *datatypes.Device, filter *DeviceFilter) bool {
	if filter.Status != "" && dev.Status != filter.Status {
		return false
	}
	if filter.Kind != "" && dev.Kind != filter.Kind {
		return false
	}
	if filter.Name != "" && !strings.Contains(strings.ToLower(dev.Name), strings.ToLower(filter.Name)) {
		return false
	}
	return true
}
