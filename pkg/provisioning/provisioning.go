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

// Package provisioning implements the two-phase provisioning manager (spec
// §4.3): fleet-key registration, device-key exchange, and one-time
// provisioning-key revocation.
package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/zemfyre/device-agent/pkg/identity"
)

const requestTimeout = 10 * time.Second

// Store persists the device identity. Implemented by pkg/store.
type Store interface {
	LoadIdentity(ctx context.Context) (identity.Identity, error)
	SaveIdentity(ctx context.Context, id identity.Identity) error
}

// Config supplies the boot-time provisioning inputs (spec.md "Trigger. On
// boot, if persisted provisioned == false and a provisioning_api_key is
// supplied (env/config) and api_endpoint is set").
type Config struct {
	ProvisioningAPIKey string
	APIEndpoint        string
	ApplicationID      string
	DeviceName         string
	DeviceType         string
	MACAddress         string
	OSVersion          string
	AgentVersion       string
}

// Manager drives provisioning to completion, retried by the caller with
// backoff on failure (spec.md "Failure at any phase leaves provisioned=
// false and the provisioning key intact; the loop retries").
type Manager struct {
	store  Store
	client *http.Client
	logger log.Logger
}

// New builds a Manager.
func New(store Store, client *http.Client, logger log.Logger) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	return &Manager{store: store, client: client, logger: logger}
}

type registerRequest struct {
	UUID          string `json:"uuid"`
	DeviceName    string `json:"device_name"`
	DeviceType    string `json:"device_type"`
	DeviceAPIKey  string `json:"device_api_key"`
	ApplicationID string `json:"application_id"`
	MACAddress    string `json:"mac_address"`
	OSVersion     string `json:"os_version"`
	AgentVersion  string `json:"agent_version"`
}

type registerResponse struct {
	ID   string `json:"id"`
	UUID string `json:"uuid"`
	MQTT struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Broker   string `json:"broker"`
	} `json:"mqtt"`
	CreatedAt time.Time `json:"created_at"`
}

type keyExchangeRequest struct {
	UUID         string `json:"uuid"`
	DeviceAPIKey string `json:"device_api_key"`
}

// Ensure runs the full provisioning flow exactly once. It is a no-op if id
// is already provisioned. On any phase's failure, it returns the error
// without mutating the identity beyond what already succeeded, so a retry
// resumes from the right phase (id.UUID/DeviceAPIKey/DeviceID are already
// persisted once generated, even if a later phase fails).
//
// ApplicationID mismatch refuses outright rather than silently
// re-provisioning under a different fleet (SPEC_FULL.md Open Question
// resolution): if id is already provisioned under a different
// application_id than cfg specifies, Ensure returns an error demanding an
// explicit identity reset.
func (m *Manager) Ensure(ctx context.Context, cfg Config) error {
	id, err := m.store.LoadIdentity(ctx)
	if err != nil {
		return fmt.Errorf("provisioning: load identity: %w", err)
	}

	if id.Provisioned {
		if id.ApplicationID != "" && cfg.ApplicationID != "" && id.ApplicationID != cfg.ApplicationID {
			return fmt.Errorf("provisioning: device already provisioned under application_id %q, got %q; explicit identity reset required", id.ApplicationID, cfg.ApplicationID)
		}
		return nil
	}
	if cfg.ProvisioningAPIKey == "" || cfg.APIEndpoint == "" {
		return fmt.Errorf("provisioning: provisioning_api_key and api_endpoint required")
	}

	if id.UUID == "" {
		id.UUID = identity.NewUUID()
	}
	if id.DeviceAPIKey == "" {
		key, err := identity.NewDeviceAPIKey()
		if err != nil {
			return err
		}
		id.DeviceAPIKey = key
	}
	id.APIEndpoint = cfg.APIEndpoint
	id.ApplicationID = cfg.ApplicationID
	id.DeviceName = cfg.DeviceName
	id.DeviceType = cfg.DeviceType
	id.OSVersion = cfg.OSVersion
	id.AgentVersion = cfg.AgentVersion
	id.ProvisioningAPIKey = cfg.ProvisioningAPIKey
	if err := m.store.SaveIdentity(ctx, id); err != nil {
		return fmt.Errorf("provisioning: persist pre-register identity: %w", err)
	}

	regResp, err := m.register(ctx, id, cfg)
	if err != nil {
		return fmt.Errorf("provisioning: register: %w", err)
	}
	id.DeviceID = regResp.ID
	id.MQTTBrokerURL = regResp.MQTT.Broker
	id.MQTTUsername = regResp.MQTT.Username
	id.MQTTPassword = regResp.MQTT.Password
	if err := m.store.SaveIdentity(ctx, id); err != nil {
		return fmt.Errorf("provisioning: persist post-register identity: %w", err)
	}

	if err := m.keyExchange(ctx, id); err != nil {
		return fmt.Errorf("provisioning: key exchange: %w", err)
	}

	id.ProvisioningAPIKey = ""
	id.Provisioned = true
	if err := m.store.SaveIdentity(ctx, id); err != nil {
		return fmt.Errorf("provisioning: persist final identity: %w", err)
	}
	level.Info(m.logger).Log("msg", "device provisioned", "uuid", id.UUID, "device_id", id.DeviceID)
	return nil
}

func (m *Manager) register(ctx context.Context, id identity.Identity, cfg Config) (*registerResponse, error) {
	body, err := json.Marshal(registerRequest{
		UUID:          id.UUID,
		DeviceName:    cfg.DeviceName,
		DeviceType:    cfg.DeviceType,
		DeviceAPIKey:  id.DeviceAPIKey,
		ApplicationID: cfg.ApplicationID,
		MACAddress:    cfg.MACAddress,
		OSVersion:     cfg.OSVersion,
		AgentVersion:  cfg.AgentVersion,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.APIEndpoint+"/api/v1/device/register", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.ProvisioningAPIKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("register returned %s", resp.Status)
	}
	var out registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *Manager) keyExchange(ctx context.Context, id identity.Identity) error {
	body, err := json.Marshal(keyExchangeRequest{UUID: id.UUID, DeviceAPIKey: id.DeviceAPIKey})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	url := fmt.Sprintf("%s/api/v1/device/%s/key-exchange", id.APIEndpoint, id.UUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+id.DeviceAPIKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("key-exchange returned %s", resp.Status)
	}
	return nil
}
