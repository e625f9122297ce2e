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
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-kit/log"

	"github.com/zemfyre/device-agent/pkg/ipc"
	"github.com/zemfyre/device-agent/pkg/protocol"
)

func rowJSON(t *testing.T, rows []protocol.Row) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(rows)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestSchedulerStartsAndStopsDevices(t *testing.T) {
	writer := ipc.NewWriter("unix", t.TempDir()+"/does-not-need-to-exist.sock", "\n")
	defer writer.Close()
	sched := NewScheduler(writer, nil, log.NewNopLogger())

	rows := []protocol.Row{
		{
			Name: "plc-1", Protocol: protocol.Modbus, Enabled: true, PollIntervalMs: 5,
			Connection: json.RawMessage(`{"mode":"tcp","host":"10.0.0.5","port":502,"slaveId":1}`),
			DataPoints: json.RawMessage(`[{"name":"temp","address":0,"functionCode":"holding_register","dataType":"uint16","count":1}]`),
		},
		{
			Name: "can-bus-1", Protocol: protocol.CAN, Enabled: true, PollIntervalMs: 5,
			Connection: json.RawMessage(`{}`),
			DataPoints: json.RawMessage(`[]`),
		},
	}

	if err := sched.HandleChange(context.Background(), "protocolAdapterDevices", rowJSON(t, rows), nil); err != nil {
		t.Fatal(err)
	}

	sched.mu.Lock()
	_, hasModbus := sched.devices["plc-1"]
	_, hasCAN := sched.devices["can-bus-1"]
	count := len(sched.devices)
	sched.mu.Unlock()

	if !hasModbus {
		t.Fatal("expected plc-1 device to be started")
	}
	if hasCAN {
		t.Fatal("expected unsupported can-bus-1 row not to start a device")
	}
	if count != 1 {
		t.Fatalf("got %d devices, want 1", count)
	}

	time.Sleep(20 * time.Millisecond) // let the poll loop tick at least once

	if err := sched.HandleChange(context.Background(), "protocolAdapterDevices", nil, rowJSON(t, rows)); err != nil {
		t.Fatal(err)
	}
	sched.mu.Lock()
	remaining := len(sched.devices)
	sched.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("got %d devices after removal, want 0", remaining)
	}
}

func TestSchedulerPersistsRowsOnChange(t *testing.T) {
	writer := ipc.NewWriter("unix", t.TempDir()+"/does-not-need-to-exist.sock", "\n")
	defer writer.Close()

	var persisted []protocol.Row
	var calls int
	sched := NewScheduler(writer, func(_ context.Context, rows []protocol.Row) error {
		calls++
		persisted = rows
		return nil
	}, log.NewNopLogger())

	rows := []protocol.Row{
		{
			Name: "plc-1", Protocol: protocol.Modbus, Enabled: true, PollIntervalMs: 5,
			Connection: json.RawMessage(`{"mode":"tcp","host":"10.0.0.5","port":502,"slaveId":1}`),
			DataPoints: json.RawMessage(`[{"name":"temp","address":0,"functionCode":"holding_register","dataType":"uint16","count":1}]`),
		},
	}
	if err := sched.HandleChange(context.Background(), "protocolAdapterDevices", rowJSON(t, rows), nil); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("got %d persist calls, want 1", calls)
	}
	if len(persisted) != 1 || persisted[0].Name != "plc-1" {
		t.Fatalf("got %+v, want the plc-1 row persisted", persisted)
	}

	if err := sched.HandleChange(context.Background(), "protocolAdapterDevices", nil, rowJSON(t, rows)); err != nil {
		t.Fatal(err)
	}
	if calls != 2 || len(persisted) != 0 {
		t.Fatalf("got %d calls, %d persisted rows after teardown, want 2 calls and 0 rows", calls, len(persisted))
	}
}
