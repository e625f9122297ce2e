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
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/go-kit/log"

	"github.com/zemfyre/device-agent/pkg/sample"
)

// fakeTransport is a scripted Transport double.
type fakeTransport struct {
	connectErr error
	readErr    error
	holding    []byte
}

func (f *fakeTransport) Connect() error { return f.connectErr }
func (f *fakeTransport) Close() error   { return nil }
func (f *fakeTransport) ReadCoils(uint16, uint16) ([]byte, error) {
	return []byte{0x01}, f.readErr
}
func (f *fakeTransport) ReadDiscreteInputs(uint16, uint16) ([]byte, error) {
	return []byte{0x00}, f.readErr
}
func (f *fakeTransport) ReadHoldingRegisters(uint16, uint16) ([]byte, error) {
	return f.holding, f.readErr
}
func (f *fakeTransport) ReadInputRegisters(uint16, uint16) ([]byte, error) {
	return f.holding, f.readErr
}

func newTestClient(t *testing.T, ft *fakeTransport) (*Client, *[]sample.SensorDataPoint) {
	t.Helper()
	var got []sample.SensorDataPoint
	conn := Connection{Mode: ModeTCP, Host: "10.0.0.5", Port: 502, SlaveID: 1}
	points := []DataPoint{
		{Name: "temp", Address: 0, FunctionCode: FuncHoldingRegister, DataType: TypeUint16, Count: 1},
	}
	c := NewClient("plc-1", conn, points, func(s sample.SensorDataPoint) { got = append(got, s) }, log.NewNopLogger())
	c.newTransport = func(Connection) Transport { return ft }
	c.retryDelay = time.Millisecond
	return c, &got
}

func TestClientPollTickOfflineBeforeEnable(t *testing.T) {
	c, got := newTestClient(t, &fakeTransport{})
	c.PollTick()
	if len(*got) != 0 {
		t.Fatalf("expected no samples before Enable, got %d", len(*got))
	}
	if c.State() != StateDisconnected {
		t.Fatalf("got state %v, want DISCONNECTED", c.State())
	}
}

func TestClientConnectRefusedEmitsOfflineThenRecovers(t *testing.T) {
	ft := &fakeTransport{connectErr: syscall.ECONNREFUSED, holding: []byte{0x00, 0x2a}}
	c, got := newTestClient(t, ft)
	c.Enable()

	c.PollTick()
	if len(*got) != 1 || (*got)[0].QualityCode != sample.QualityCodeConnectionRefused {
		t.Fatalf("got %+v, want one CONNECTION_REFUSED sample", *got)
	}
	if c.State() != StateError {
		t.Fatalf("got state %v, want ERROR", c.State())
	}

	*got = nil
	time.Sleep(2 * time.Millisecond)
	ft.connectErr = nil
	c.PollTick()
	if len(*got) != 1 || (*got)[0].Quality != sample.Good {
		t.Fatalf("got %+v, want one GOOD sample after recovery", *got)
	}
	if c.State() != StateConnected {
		t.Fatalf("got state %v, want CONNECTED", c.State())
	}
}

func TestClientReadSuccessDecodesValue(t *testing.T) {
	ft := &fakeTransport{holding: []byte{0x00, 0x2a}} // 42
	c, got := newTestClient(t, ft)
	c.Enable()
	c.PollTick()

	if len(*got) != 1 {
		t.Fatalf("got %d samples, want 1", len(*got))
	}
	s := (*got)[0]
	if s.Quality != sample.Good || s.Value.(float64) != 42 {
		t.Fatalf("got %+v, want GOOD value 42", s)
	}
}

func TestClientReadFailureClassifiesAndStaysConnected(t *testing.T) {
	ft := &fakeTransport{holding: []byte{0x00, 0x2a}}
	c, got := newTestClient(t, ft)
	c.Enable()
	c.PollTick() // connects, one good sample

	*got = nil
	ft.readErr = fmt.Errorf("modbus: exception code 2")
	c.PollTick()
	if len(*got) != 1 || (*got)[0].QualityCode != sample.QualityCodeModbusException {
		t.Fatalf("got %+v, want one MODBUS_EXCEPTION sample", *got)
	}
	// A Modbus exception is not a transport loss: stays CONNECTED.
	if c.State() != StateConnected {
		t.Fatalf("got state %v, want CONNECTED after modbus exception", c.State())
	}
}

func TestClientDisableDisconnectsAndStopsSampling(t *testing.T) {
	ft := &fakeTransport{holding: []byte{0x00, 0x2a}}
	c, got := newTestClient(t, ft)
	c.Enable()
	c.PollTick()

	c.Disable()
	if c.State() != StateDisconnected {
		t.Fatalf("got state %v, want DISCONNECTED after Disable", c.State())
	}

	*got = nil
	c.PollTick()
	if len(*got) != 0 {
		t.Fatalf("expected no samples while disabled, got %d", len(*got))
	}
}
