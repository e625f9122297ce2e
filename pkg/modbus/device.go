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

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/zemfyre/device-agent/pkg/ipc"
	"github.com/zemfyre/device-agent/pkg/sample"
)

// Device wires one Client's per-tick samples into a single IPC batch write
// (spec §4.7 "Output... each poll flushes all samples for that device in
// one batch").
type Device struct {
	Name   string
	client *Client
	writer *ipc.Writer
	logger log.Logger

	pending []sample.SensorDataPoint
}

// NewDevice builds a Device, wiring its Client's sink to accumulate into
// one batch per Poll call.
func NewDevice(name string, conn Connection, points []DataPoint, writer *ipc.Writer, logger log.Logger) *Device {
	d := &Device{Name: name, writer: writer, logger: logger}
	d.client = NewClient(name, conn, points, d.collect, logger)
	return d
}

func (d *Device) collect(s sample.SensorDataPoint) {
	d.pending = append(d.pending, s)
}

// Enable/Disable/Close proxy to the underlying Client.
func (d *Device) Enable()  { d.client.Enable() }
func (d *Device) Disable() { d.client.Disable() }
func (d *Device) Close()   { d.client.Close() }

// State reports the underlying Client's connection state.
func (d *Device) State() State { return d.client.State() }

// Poll runs one PollTick and flushes every sample it produced as a single
// IPC batch.
func (d *Device) Poll() {
	d.pending = d.pending[:0]
	d.client.PollTick()
	if len(d.pending) == 0 {
		return
	}

	payload, err := json.Marshal(d.pending)
	if err != nil {
		level.Error(d.logger).Log("msg", "modbus batch marshal failed", "device", d.Name, "err", err)
		return
	}
	if err := d.writer.Write(payload); err != nil {
		level.Warn(d.logger).Log("msg", "modbus ipc write failed", "device", d.Name, "err", fmt.Errorf("%w", err))
	}
}
