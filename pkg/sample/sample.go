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

// Package sample defines the protocol-neutral reading shared by every
// protocol adapter and the sensor-publish subsystem (spec §3).
package sample

import "time"

// Quality tags whether a reading is trustworthy.
type Quality string

const (
	Good Quality = "GOOD"
	Bad  Quality = "BAD"
)

// QualityCode classifies why a reading is Bad.
type QualityCode string

const (
	QualityCodeTimeout            QualityCode = "TIMEOUT"
	QualityCodeConnectionRefused  QualityCode = "CONNECTION_REFUSED"
	QualityCodeHostUnreachable    QualityCode = "HOST_UNREACHABLE"
	QualityCodeConnectionReset    QualityCode = "CONNECTION_RESET"
	QualityCodePortNotFound       QualityCode = "PORT_NOT_FOUND"
	QualityCodeModbusException    QualityCode = "MODBUS_EXCEPTION"
	QualityCodeReadError          QualityCode = "READ_ERROR"
	QualityCodeDeviceOffline      QualityCode = "DEVICE_OFFLINE"
)

// SensorDataPoint is one timestamped protocol-adapter reading (spec §3).
// Invariant: Value == nil iff Quality == Bad.
type SensorDataPoint struct {
	DeviceName   string      `json:"device_name"`
	RegisterName string      `json:"register_name"`
	Value        any         `json:"value"`
	Unit         string      `json:"unit,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
	Quality      Quality     `json:"quality"`
	QualityCode  QualityCode `json:"quality_code,omitempty"`
}

// GoodSample builds a GOOD sample.
func GoodSample(deviceName, registerName string, value any, unit string) SensorDataPoint {
	return SensorDataPoint{
		DeviceName:   deviceName,
		RegisterName: registerName,
		Value:        value,
		Unit:         unit,
		Timestamp:    time.Now().UTC(),
		Quality:      Good,
	}
}

// BadSample builds a BAD sample carrying the classified failure code.
func BadSample(deviceName, registerName string, unit string, code QualityCode) SensorDataPoint {
	return SensorDataPoint{
		DeviceName:   deviceName,
		RegisterName: registerName,
		Value:        nil,
		Unit:         unit,
		Timestamp:    time.Now().UTC(),
		Quality:      Bad,
		QualityCode:  code,
	}
}
