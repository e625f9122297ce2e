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

// Package protocol defines the protocol-adapter device row (spec §3) as a
// discriminated union keyed on Protocol, per the "Dynamic config objects"
// design note (spec §9): validation happens once at the config-distributor
// boundary and a bad row refuses as a whole rather than partially applying.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Protocol discriminates the Connection/DataPoints payload shape of a Row.
type Protocol string

const (
	Modbus Protocol = "modbus"
	CAN    Protocol = "can"
	OPCUA  Protocol = "opcua"
)

func (p Protocol) valid() bool {
	switch p {
	case Modbus, CAN, OPCUA:
		return true
	default:
		return false
	}
}

// Row is the protocol_adapter_devices table row (spec §3/§6). Connection
// and DataPoints are kept raw here and decoded by the protocol-specific
// adapter (only pkg/modbus does so today; can/opcua rows validate and are
// accepted, but report status "unsupported" rather than connecting, per
// SPEC_FULL.md's supplement note).
type Row struct {
	Name           string          `json:"name"`
	Protocol       Protocol        `json:"protocol"`
	Enabled        bool            `json:"enabled"`
	PollIntervalMs int             `json:"pollIntervalMs"`
	Connection     json.RawMessage `json:"connection"`
	DataPoints     json.RawMessage `json:"dataPoints"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// Validate applies the boundary checks spec §7 requires: a bad row refuses
// entirely rather than partially applying.
func (r Row) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("protocol adapter row: name is required")
	}
	if !r.Protocol.valid() {
		return fmt.Errorf("protocol adapter row %q: unknown protocol %q", r.Name, r.Protocol)
	}
	if r.PollIntervalMs <= 0 {
		return fmt.Errorf("protocol adapter row %q: pollIntervalMs must be positive", r.Name)
	}
	return nil
}

// ValidateRows checks name uniqueness across a full set of rows in addition
// to per-row validation.
func ValidateRows(rows []Row) error {
	seen := map[string]bool{}
	for _, r := range rows {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Name] {
			return fmt.Errorf("protocol adapter row: duplicate name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Supported reports whether this repo has a working connection-manager
// implementation for p (today: only Modbus).
func (p Protocol) Supported() bool {
	return p == Modbus
}
