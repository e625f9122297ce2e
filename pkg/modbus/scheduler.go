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
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/zemfyre/device-agent/pkg/ipc"
	"github.com/zemfyre/device-agent/pkg/protocol"
)

// managedDevice pairs a running Device with the cancel func for its poll
// loop goroutine and the row it was built from, so the Scheduler can detect
// configuration changes by row equality (reusing the pattern in
// sensorpublish.Server).
type managedDevice struct {
	row    protocol.Row
	device *Device
	cancel context.CancelFunc
}

// PersistFunc persists the full set of protocol-adapter device rows so the
// scheduler's configuration survives a restart (spec §3 "persisted target
// state"). main wires this to store.Store.ReplaceProtocolAdapterDevices.
type PersistFunc func(ctx context.Context, rows []protocol.Row) error

// Scheduler owns one Device per enabled, supported protocol-adapter row and
// reconciles that set against protocolAdapterDevices config changes (spec
// §4.7), implementing configdist.Handler. All devices share the agent's
// single outbound IPC writer; quality-tagged samples for every device are
// multiplexed onto the same local IPC socket (spec §6 "Local IPC").
type Scheduler struct {
	writer  *ipc.Writer
	persist PersistFunc
	logger  log.Logger

	mu      sync.Mutex
	devices map[string]*managedDevice
}

// NewScheduler builds a Scheduler writing every device's samples to writer.
// persist, if non-nil, is called with the full row set on every successful
// HandleChange so the set survives a restart; pass nil to run without
// persistence (e.g. in tests).
func NewScheduler(writer *ipc.Writer, persist PersistFunc, logger log.Logger) *Scheduler {
	return &Scheduler{writer: writer, persist: persist, logger: logger, devices: map[string]*managedDevice{}}
}

// HandleChange implements configdist.Handler for the "protocolAdapterDevices"
// key: newValue is the full []protocol.Row set, or nil when the key is
// removed (all devices are torn down).
func (s *Scheduler) HandleChange(ctx context.Context, key string, newValue, _ json.RawMessage) error {
	var rows []protocol.Row
	if newValue != nil {
		if err := json.Unmarshal(newValue, &rows); err != nil {
			return err
		}
		if err := protocol.ValidateRows(rows); err != nil {
			return err
		}
	}

	want := map[string]protocol.Row{}
	for _, r := range rows {
		want[r.Name] = r
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, existing := range s.devices {
		row, ok := want[name]
		if !ok || !rowEqual(existing.row, row) {
			existing.cancel()
			existing.device.Close()
			delete(s.devices, name)
		}
	}

	for name, row := range want {
		if _, ok := s.devices[name]; ok {
			continue
		}
		if !row.Protocol.Supported() {
			level.Info(s.logger).Log("msg", "protocol adapter row uses an unsupported protocol", "device", name, "protocol", row.Protocol, "status", "unsupported")
			continue
		}
		if !row.Enabled {
			continue
		}

		md, err := s.startDevice(row)
		if err != nil {
			level.Error(s.logger).Log("msg", "starting protocol adapter device failed", "device", name, "err", err)
			continue
		}
		s.devices[name] = md
	}

	if s.persist != nil {
		if err := s.persist(ctx, rows); err != nil {
			level.Error(s.logger).Log("msg", "persist protocol adapter devices failed", "err", err)
		}
	}
	return nil
}

func (s *Scheduler) startDevice(row protocol.Row) (*managedDevice, error) {
	conn, err := ParseConnection(row.Connection)
	if err != nil {
		return nil, err
	}
	points, err := ParseDataPoints(row.DataPoints)
	if err != nil {
		return nil, err
	}

	logger := log.With(s.logger, "device", row.Name)
	device := NewDevice(row.Name, conn, points, s.writer, logger)
	device.Enable()

	ctx, cancel := context.WithCancel(context.Background())
	interval := time.Duration(row.PollIntervalMs) * time.Millisecond
	go runPollLoop(ctx, device, interval)

	return &managedDevice{row: row, device: device, cancel: cancel}, nil
}

// runPollLoop drives one device's Poll on its configured interval until ctx
// is cancelled (spec §4.7 "scheduled register reads").
func runPollLoop(ctx context.Context, device *Device, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			device.Poll()
		}
	}
}

func rowEqual(a, b protocol.Row) bool {
	return a.Name == b.Name && a.Protocol == b.Protocol && a.Enabled == b.Enabled &&
		a.PollIntervalMs == b.PollIntervalMs &&
		string(a.Connection) == string(b.Connection) && string(a.DataPoints) == string(b.DataPoints)
}

// Close tears down every running device.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, md := range s.devices {
		md.cancel()
		md.device.Close()
		delete(s.devices, name)
	}
}
