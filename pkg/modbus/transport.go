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
	goburrow "github.com/goburrow/modbus"
)

// Transport is the subset of goburrow/modbus's client surface the state
// machine needs, narrowed to an interface so it can be faked in tests
// without opening a real socket or serial port.
type Transport interface {
	Connect() error
	Close() error
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
}

// goburrowTransport adapts goburrow/modbus's handler+client pair to
// Transport.
type goburrowTransport struct {
	connectFn func() error
	closeFn   func() error
	client    goburrow.Client
}

func (t *goburrowTransport) Connect() error { return t.connectFn() }
func (t *goburrowTransport) Close() error   { return t.closeFn() }

func (t *goburrowTransport) ReadCoils(address, quantity uint16) ([]byte, error) {
	return t.client.ReadCoils(address, quantity)
}

func (t *goburrowTransport) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return t.client.ReadDiscreteInputs(address, quantity)
}

func (t *goburrowTransport) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return t.client.ReadHoldingRegisters(address, quantity)
}

func (t *goburrowTransport) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return t.client.ReadInputRegisters(address, quantity)
}

// NewTransport builds the real goburrow/modbus-backed Transport for conn.
func NewTransport(conn Connection) Transport {
	switch conn.Mode {
	case ModeSerial:
		h := goburrow.NewRTUClientHandler(conn.Port_)
		h.BaudRate = conn.Baud
		h.DataBits = conn.DataBits
		h.StopBits = conn.StopBits
		h.Parity = parityCode(conn.Parity)
		h.SlaveId = conn.SlaveID
		h.Timeout = conn.Timeout
		return &goburrowTransport{
			connectFn: h.Connect,
			closeFn:   h.Close,
			client:    goburrow.NewClient(h),
		}
	default: // ModeTCP
		h := goburrow.NewTCPClientHandler(conn.Address())
		h.SlaveId = conn.SlaveID
		h.Timeout = conn.Timeout
		return &goburrowTransport{
			connectFn: h.Connect,
			closeFn:   h.Close,
			client:    goburrow.NewClient(h),
		}
	}
}

func parityCode(p string) string {
	switch p {
	case "E", "O", "N":
		return p
	default:
		return "N"
	}
}
