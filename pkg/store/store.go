// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store implements the persistence subsystem (C10): device
// identity, state snapshots and protocol-adapter device rows, against an
// embedded `modernc.org/sqlite` database with forward-only migrations.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zemfyre/device-agent/pkg/identity"
)

// Store wraps a sqlite-backed *sql.DB with the repo's domain queries.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and applies
// any pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Persistence writes are serialized via the driver (SPEC_FULL.md §5);
	// sqlite itself only accepts one writer at a time.
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadIdentity returns the persisted identity, or a zero-value Identity
// (empty UUID) if none has been saved yet.
func (s *Store) LoadIdentity(ctx context.Context) (identity.Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT uuid, device_id, device_name, device_type,
		device_api_key, provisioning_api_key, api_endpoint, application_id,
		os_version, agent_version, provisioned, mqtt_broker_url, mqtt_username, mqtt_password
		FROM device WHERE id = 1`)

	var id identity.Identity
	var provisioned int
	err := row.Scan(&id.UUID, &id.DeviceID, &id.DeviceName, &id.DeviceType,
		&id.DeviceAPIKey, &id.ProvisioningAPIKey, &id.APIEndpoint, &id.ApplicationID,
		&id.OSVersion, &id.AgentVersion, &provisioned, &id.MQTTBrokerURL, &id.MQTTUsername, &id.MQTTPassword)
	if err == sql.ErrNoRows {
		return identity.Identity{}, nil
	}
	if err != nil {
		return identity.Identity{}, fmt.Errorf("store: load identity: %w", err)
	}
	id.Provisioned = provisioned != 0
	return id, nil
}

// SaveIdentity upserts the single device identity row.
func (s *Store) SaveIdentity(ctx context.Context, id identity.Identity) error {
	if err := id.Valid(); err != nil {
		return fmt.Errorf("store: save identity: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO device (
		id, uuid, device_id, device_name, device_type, device_api_key, provisioning_api_key,
		api_endpoint, application_id, os_version, agent_version, provisioned,
		mqtt_broker_url, mqtt_username, mqtt_password
	) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		uuid=excluded.uuid, device_id=excluded.device_id, device_name=excluded.device_name,
		device_type=excluded.device_type, device_api_key=excluded.device_api_key,
		provisioning_api_key=excluded.provisioning_api_key, api_endpoint=excluded.api_endpoint,
		application_id=excluded.application_id, os_version=excluded.os_version,
		agent_version=excluded.agent_version, provisioned=excluded.provisioned,
		mqtt_broker_url=excluded.mqtt_broker_url, mqtt_username=excluded.mqtt_username,
		mqtt_password=excluded.mqtt_password`,
		id.UUID, id.DeviceID, id.DeviceName, id.DeviceType, id.DeviceAPIKey, id.ProvisioningAPIKey,
		id.APIEndpoint, id.ApplicationID, id.OSVersion, id.AgentVersion, boolToInt(id.Provisioned),
		id.MQTTBrokerURL, id.MQTTUsername, id.MQTTPassword)
	if err != nil {
		return fmt.Errorf("store: save identity: %w", err)
	}
	return nil
}

// SaveSnapshot persists state under kind ("current" or "target"), skipping
// the write entirely when payload's content hash matches what is already
// stored (spec.md "Current-state snapshot: written only when its content
// hash changes").
func (s *Store) SaveSnapshot(ctx context.Context, kind string, payload []byte) error {
	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])

	var existing string
	row := s.db.QueryRowContext(ctx, `SELECT hash FROM state_snapshot WHERE kind = ?`, kind)
	if err := row.Scan(&existing); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("store: check snapshot %q: %w", kind, err)
	}
	if existing == hash {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO state_snapshot (kind, hash, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET hash=excluded.hash, payload=excluded.payload, updated_at=excluded.updated_at`,
		kind, hash, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: save snapshot %q: %w", kind, err)
	}
	return nil
}

// LoadSnapshot returns the last-saved payload for kind, or nil if none
// exists.
func (s *Store) LoadSnapshot(ctx context.Context, kind string) ([]byte, error) {
	var payload string
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM state_snapshot WHERE kind = ?`, kind)
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load snapshot %q: %w", kind, err)
	}
	return []byte(payload), nil
}

// ProtocolAdapterRow is the persisted shape of a protocol.Row.
type ProtocolAdapterRow struct {
	Name           string
	Protocol       string
	Enabled        bool
	PollIntervalMs int
	Connection     json.RawMessage
	DataPoints     json.RawMessage
	Metadata       json.RawMessage
}

// ReplaceProtocolAdapterDevices atomically replaces the full set of
// protocol-adapter device rows (the config distributor hands down a
// complete set on every "protocolAdapterDevices" change, per spec §4.6).
func (s *Store) ReplaceProtocolAdapterDevices(ctx context.Context, rows []ProtocolAdapterRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM protocol_adapter_devices`); err != nil {
		return err
	}
	for _, r := range rows {
		metadata := r.Metadata
		if metadata == nil {
			metadata = json.RawMessage("{}")
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO protocol_adapter_devices
			(name, protocol, enabled, poll_interval_ms, connection, data_points, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.Name, r.Protocol, boolToInt(r.Enabled), r.PollIntervalMs,
			string(r.Connection), string(r.DataPoints), string(metadata)); err != nil {
			return fmt.Errorf("store: insert protocol adapter device %q: %w", r.Name, err)
		}
	}
	return tx.Commit()
}

// ListProtocolAdapterDevices returns every persisted protocol-adapter
// device row.
func (s *Store) ListProtocolAdapterDevices(ctx context.Context) ([]ProtocolAdapterRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, protocol, enabled, poll_interval_ms, connection, data_points, metadata
		FROM protocol_adapter_devices ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProtocolAdapterRow
	for rows.Next() {
		var r ProtocolAdapterRow
		var enabled int
		var connection, dataPoints, metadata string
		if err := rows.Scan(&r.Name, &r.Protocol, &enabled, &r.PollIntervalMs, &connection, &dataPoints, &metadata); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		r.Connection = json.RawMessage(connection)
		r.DataPoints = json.RawMessage(dataPoints)
		r.Metadata = json.RawMessage(metadata)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
