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

// Package identity defines the device identity record (spec §3 "Device
// identity") persisted across the device's lifetime.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Identity is the full persisted device-identity record.
//
// Invariant: once Provisioned is true, ProvisioningAPIKey is empty and
// DeviceAPIKey is non-empty.
type Identity struct {
	UUID     string `json:"uuid"`
	DeviceID string `json:"device_id,omitempty"`

	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`

	DeviceAPIKey       string `json:"device_api_key"`
	ProvisioningAPIKey string `json:"provisioning_api_key,omitempty"`

	APIEndpoint   string `json:"api_endpoint"`
	ApplicationID string `json:"application_id"`
	OSVersion     string `json:"os_version"`
	AgentVersion  string `json:"agent_version"`

	Provisioned bool `json:"provisioned"`

	MQTTBrokerURL string `json:"mqtt_broker_url,omitempty"`
	MQTTUsername  string `json:"mqtt_username,omitempty"`
	MQTTPassword  string `json:"mqtt_password,omitempty"`
}

// Valid reports whether id satisfies the post-provisioning invariant.
func (id Identity) Valid() error {
	if id.Provisioned {
		if id.ProvisioningAPIKey != "" {
			return fmt.Errorf("identity: provisioning_api_key must be cleared once provisioned")
		}
		if id.DeviceAPIKey == "" {
			return fmt.Errorf("identity: device_api_key must be set once provisioned")
		}
	}
	return nil
}

// NewUUID generates a v4 device UUID (spec §4.3 "generate on first boot:
// v4 UUID").
func NewUUID() string {
	return uuid.NewString()
}

// NewDeviceAPIKey generates a 32-random-byte device key, hex encoded (spec
// §4.3 "32 random bytes hex").
func NewDeviceAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("identity: generate device key: %w", err)
	}
	return hex.EncodeToString(b), nil
}
