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

// Package modbus implements the Modbus protocol-adapter subsystem (spec
// §4.7): one connection-managed client per enabled device row, scheduled
// register polling, quality-tagged samples written to the local IPC socket.
package modbus

import "fmt"

// DataType is the decoded representation of a register read.
type DataType string

const (
	TypeBool    DataType = "bool"
	TypeInt16   DataType = "int16"
	TypeUint16  DataType = "uint16"
	TypeInt32   DataType = "int32"
	TypeUint32  DataType = "uint32"
	TypeFloat32 DataType = "float32"
	TypeString  DataType = "string"
)

// Endianness controls how multi-register values are assembled.
type Endianness string

const (
	BigEndian    Endianness = "big"
	LittleEndian Endianness = "little"
)

// FunctionCode selects the Modbus read operation for a DataPoint.
type FunctionCode string

const (
	FuncCoil            FunctionCode = "coil"            // read coils (FC01)
	FuncDiscreteInput   FunctionCode = "discrete_input"   // read discrete inputs (FC02)
	FuncHoldingRegister FunctionCode = "holding_register" // read holding registers (FC03)
	FuncInputRegister   FunctionCode = "input_register"   // read input registers (FC04)
)

// DataPoint is one readable endpoint within a Modbus device row (spec §3).
type DataPoint struct {
	Name         string       `json:"name"`
	Address      uint16       `json:"address"`
	FunctionCode FunctionCode `json:"functionCode"`
	DataType     DataType     `json:"dataType"`
	Count        uint16       `json:"count"`
	Endianness   Endianness   `json:"endianness"`
	Scale        float64      `json:"scale"`
	Offset       float64      `json:"offset"`
	Unit         string       `json:"unit,omitempty"`
}

// Validate checks a DataPoint is self-consistent before it is ever polled.
func (d DataPoint) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("modbus data point: name is required")
	}
	switch d.FunctionCode {
	case FuncCoil, FuncDiscreteInput, FuncHoldingRegister, FuncInputRegister:
	default:
		return fmt.Errorf("modbus data point %q: unknown function code %q", d.Name, d.FunctionCode)
	}
	switch d.DataType {
	case TypeBool, TypeInt16, TypeUint16, TypeInt32, TypeUint32, TypeFloat32, TypeString:
	default:
		return fmt.Errorf("modbus data point %q: unknown data type %q", d.Name, d.DataType)
	}
	if d.Count == 0 {
		return fmt.Errorf("modbus data point %q: count must be positive", d.Name)
	}
	return nil
}

// registerCount returns how many 16-bit registers a read of d spans.
func (d DataPoint) registerCount() uint16 {
	switch d.DataType {
	case TypeBool:
		return 1
	case TypeInt16, TypeUint16:
		return 1
	case TypeInt32, TypeUint32, TypeFloat32:
		return 2
	case TypeString:
		return d.Count
	default:
		return d.Count
	}
}
