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

package modbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Mode discriminates a Connection's transport.
type Mode string

const (
	ModeTCP    Mode = "tcp"
	ModeSerial Mode = "serial"
)

// Connection is the Modbus-specific typed object referenced by a
// protocol.Row's Connection field (spec §3/§9 tagged-union design note).
type Connection struct {
	Mode Mode `json:"mode"`

	// TCP fields.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// Serial fields.
	Port_    string `json:"serialPort,omitempty"`
	Baud     int    `json:"baud,omitempty"`
	DataBits int    `json:"dataBits,omitempty"`
	StopBits int    `json:"stopBits,omitempty"`
	Parity   string `json:"parity,omitempty"`

	SlaveID uint8         `json:"slaveId"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ParseConnection decodes raw JSON (protocol.Row.Connection) into a
// Connection and validates it refuses the whole row on any error (spec §7
// "configuration invalid ... refuses to start").
func ParseConnection(raw json.RawMessage) (Connection, error) {
	var c Connection
	if err := json.Unmarshal(raw, &c); err != nil {
		return Connection{}, fmt.Errorf("modbus connection: %w", err)
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	switch c.Mode {
	case ModeTCP:
		if c.Host == "" || c.Port == 0 {
			return Connection{}, fmt.Errorf("modbus connection: tcp mode requires host and port")
		}
	case ModeSerial:
		if c.Port_ == "" || c.Baud == 0 {
			return Connection{}, fmt.Errorf("modbus connection: serial mode requires serialPort and baud")
		}
	default:
		return Connection{}, fmt.Errorf("modbus connection: unknown mode %q", c.Mode)
	}
	return c, nil
}

// Address is the TCP/serial endpoint's human-readable address, used for
// logging only.
func (c Connection) Address() string {
	if c.Mode == ModeTCP {
		return fmt.Sprintf("%s:%d", c.Host, c.Port)
	}
	return c.Port_
}

// ParseDataPoints decodes raw JSON (protocol.Row.DataPoints) into a
// validated slice of DataPoint.
func ParseDataPoints(raw json.RawMessage) ([]DataPoint, error) {
	var pts []DataPoint
	if err := json.Unmarshal(raw, &pts); err != nil {
		return nil, fmt.Errorf("modbus data points: %w", err)
	}
	for _, p := range pts {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return pts, nil
}
