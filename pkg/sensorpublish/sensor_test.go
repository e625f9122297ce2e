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

package sensorpublish

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
)

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	published []publishCall
}

type publishCall struct {
	topic   string
	qos     byte
	payload []byte
}

func (p *fakePublisher) Publish(topic string, qos byte, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishCall{topic, qos, payload})
	return nil
}

func (p *fakePublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePublisher) calls() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishCall, len(p.published))
	copy(out, p.published)
	return out
}

func TestSensorFramesBatchesAndPublishes(t *testing.T) {
	dir := t.TempDir()
	addr := filepath.Join(dir, "sensor.sock")

	cfg := Config{
		Name:           "flow-meter",
		Addr:           addr,
		EOMDelimiter:   `\n`,
		MQTTTopic:      "sensor/flow",
		BufferSize:     2,
		BufferCapacity: 4096,
	}
	pub := &fakePublisher{connected: true}
	sensor, err := New(cfg, "dev-1", pub, log.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sensor.Run(ctx)

	conn := dialWithRetry(t, addr)
	defer conn.Close()

	if _, err := conn.Write([]byte("a\nb\nc\n")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.calls()) < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	calls := pub.calls()
	if len(calls) == 0 {
		t.Fatal("expected at least one publish before deadline")
	}
	if calls[0].topic != "iot/device/dev-1/sensor/sensor/flow" || calls[0].qos != 1 {
		t.Fatalf("got %+v, want topic iot/device/dev-1/sensor/sensor/flow qos 1", calls[0])
	}

	stats := sensor.Stats()
	if stats.MessagesReceived == 0 {
		t.Fatalf("expected nonzero messages received, got %+v", stats)
	}
}

func dialWithRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		if _, err := os.Stat(addr); err == nil {
			conn, err := net.Dial("unix", addr)
			if err == nil {
				return conn
			}
			lastErr = err
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("failed to dial %s: %v", addr, lastErr)
	return nil
}

func TestValidateConfigsRejectsTooMany(t *testing.T) {
	var cfgs []Config
	for i := 0; i < 11; i++ {
		cfgs = append(cfgs, Config{
			Name: fmt.Sprintf("s%d", i), Addr: "/tmp/x", MQTTTopic: "t", BufferCapacity: 2048,
		})
	}
	if err := ValidateConfigs(cfgs); err == nil {
		t.Fatal("expected error for >10 sensors")
	}
}

func TestValidateConfigsRejectsDuplicateNames(t *testing.T) {
	cfgs := []Config{
		{Name: "dup", Addr: "/tmp/a", MQTTTopic: "t", BufferCapacity: 2048},
		{Name: "dup", Addr: "/tmp/b", MQTTTopic: "t", BufferCapacity: 2048},
	}
	if err := ValidateConfigs(cfgs); err == nil {
		t.Fatal("expected error for duplicate names")
	}
}

func TestValidateConfigsRejectsSmallBufferCapacity(t *testing.T) {
	cfgs := []Config{{Name: "a", Addr: "/tmp/a", MQTTTopic: "t", BufferCapacity: 100}}
	if err := ValidateConfigs(cfgs); err == nil {
		t.Fatal("expected error for buffer capacity below floor")
	}
}
