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
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/zemfyre/device-agent/pkg/ipc"
)

// defaultAddrPollInterval is the spec's default reconnect backoff
// ("addr_poll_sec, default 10").
const defaultAddrPollInterval = 10 * time.Second

// State mirrors the IPC-socket connection lifecycle (spec §4.8).
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateError        State = "ERROR"
)

// Publisher is the subset of the MQTT client a Sensor needs.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
	IsConnected() bool
}

// Stats exposes a Sensor's lifetime counters (spec.md "Stats expose:
// messages received/published, bytes, reconnects, last error, last
// publish").
type Stats struct {
	MessagesReceived  uint64    `json:"messages_received"`
	MessagesPublished uint64    `json:"messages_published"`
	BytesReceived     uint64    `json:"bytes_received"`
	Reconnects        uint64    `json:"reconnects"`
	LastError         string    `json:"last_error,omitempty"`
	LastPublish       time.Time `json:"last_publish,omitempty"`
}

type batchMessage struct {
	Sensor    string    `json:"sensor"`
	Timestamp time.Time `json:"timestamp"`
	Messages  []string  `json:"messages"`
}

type heartbeatMessage struct {
	Sensor    string    `json:"sensor"`
	Timestamp time.Time `json:"timestamp"`
	State     State     `json:"state"`
	Stats     Stats     `json:"stats"`
}

// Sensor owns one IPC listen socket, its framing/batching pipeline, and the
// MQTT publish it republishes onto.
type Sensor struct {
	cfg    Config
	uuid   string
	pub    Publisher
	logger log.Logger
	delim  *regexp.Regexp

	network string // overridable in tests; defaults to "unix"

	mu    sync.Mutex
	state State
	stats Stats
}

// sensorTopic builds the full wire topic for one of a Sensor's configured
// topic suffixes, per spec §6: iot/device/{uuid}/sensor/{topic}. Mirrors
// mqttclient.ShadowTopic's own uuid-prefixing.
func sensorTopic(uuid, topic string) string {
	return fmt.Sprintf("iot/device/%s/sensor/%s", uuid, topic)
}

// compileDelimiter resolves a Config's EOMDelimiter, defaulting to the
// package-wide newline pattern.
func compileDelimiter(pattern string) (*regexp.Regexp, error) {
	return ipc.CompileDelimiter(pattern)
}

// New builds a Sensor from a validated Config. uuid is the provisioned
// device UUID used to prefix every topic this sensor publishes to.
func New(cfg Config, uuid string, pub Publisher, logger log.Logger) (*Sensor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	delim, err := compileDelimiter(cfg.EOMDelimiter)
	if err != nil {
		return nil, err
	}
	return &Sensor{cfg: cfg, uuid: uuid, pub: pub, logger: logger, delim: delim, network: "unix", state: StateDisconnected}, nil
}

// State reports the current IPC connection state.
func (s *Sensor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the sensor's lifetime counters.
func (s *Sensor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Sensor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Sensor) bothConnected() bool {
	s.mu.Lock()
	connected := s.state == StateConnected
	s.mu.Unlock()
	return connected && s.pub.IsConnected()
}

// Run listens on cfg.Addr and serves connections until ctx is cancelled,
// reconnecting on error after addr_poll_sec. It also drives the heartbeat
// timer, when configured. Run blocks; callers run it in its own goroutine
// (spec §5 "periodic loop ... I/O handler").
func (s *Sensor) Run(ctx context.Context) {
	if s.cfg.HeartbeatTopic != "" {
		go s.heartbeatLoop(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return
		default:
		}

		s.setState(StateConnecting)
		ln, err := net.Listen(s.network, s.cfg.Addr)
		if err != nil {
			s.recordError(err)
			level.Warn(s.logger).Log("msg", "sensorpublish listen failed", "sensor", s.cfg.Name, "err", err)
			if !sleepOrDone(ctx, defaultAddrPollInterval) {
				return
			}
			continue
		}

		s.serve(ctx, ln)
		ln.Close()

		s.mu.Lock()
		s.stats.Reconnects++
		s.mu.Unlock()

		if !sleepOrDone(ctx, defaultAddrPollInterval) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serve accepts at most one live connection at a time, framing and
// batching its stream, until it closes or ctx is cancelled.
func (s *Sensor) serve(ctx context.Context, ln net.Listener) {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		accepted <- acceptResult{conn, err}
	}()

	var res acceptResult
	select {
	case <-ctx.Done():
		return
	case res = <-accepted:
	}
	if res.err != nil {
		s.recordError(res.err)
		return
	}
	defer res.conn.Close()
	s.setState(StateConnected)
	level.Info(s.logger).Log("msg", "sensorpublish connected", "sensor", s.cfg.Name)

	framer := ipc.NewFramer(s.delim, s.cfg.BufferCapacity)
	var batch []string
	batchStart := time.Now()
	buf := make([]byte, 4096)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.publishBatch(batch)
		batch = nil
		batchStart = time.Now()
	}

	for {
		_ = res.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := res.conn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.stats.BytesReceived += uint64(n)
			s.mu.Unlock()

			fr := framer.Feed(buf[:n])
			if fr.Overflowed {
				level.Warn(s.logger).Log("msg", "sensorpublish buffer overflow, flushing", "sensor", s.cfg.Name)
			}
			if fr.Dropped {
				level.Error(s.logger).Log("msg", "sensorpublish message exceeds capacity, dropped", "sensor", s.cfg.Name)
			}
			if len(fr.Messages) > 0 {
				s.mu.Lock()
				s.stats.MessagesReceived += uint64(len(fr.Messages))
				s.mu.Unlock()
				batch = append(batch, fr.Messages...)
			}
		}

		full := s.cfg.BufferSize > 0 && len(batch) >= s.cfg.BufferSize
		timedOut := s.cfg.BufferTimeMs > 0 && time.Since(batchStart) >= s.cfg.BufferTime()
		immediate := s.cfg.BufferSize == 0 && s.cfg.BufferTimeMs == 0 && len(batch) > 0
		if full || timedOut || immediate {
			flush()
		}

		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					flush()
					return
				default:
					continue
				}
			}
			flush()
			s.recordError(err)
			s.setState(StateError)
			return
		}

		select {
		case <-ctx.Done():
			flush()
			return
		default:
		}
	}
}

func (s *Sensor) publishBatch(batch []string) {
	payload, err := json.Marshal(batchMessage{Sensor: s.cfg.Name, Timestamp: time.Now().UTC(), Messages: batch})
	if err != nil {
		level.Error(s.logger).Log("msg", "sensorpublish batch marshal failed", "sensor", s.cfg.Name, "err", err)
		return
	}
	if err := s.pub.Publish(sensorTopic(s.uuid, s.cfg.MQTTTopic), 1, payload); err != nil {
		// Publish failures log and continue; they must not block the
		// socket loop (spec.md §4.8 "Publish").
		level.Warn(s.logger).Log("msg", "sensorpublish publish failed", "sensor", s.cfg.Name, "err", err)
		s.recordError(err)
		return
	}
	s.mu.Lock()
	s.stats.MessagesPublished += uint64(len(batch))
	s.stats.LastPublish = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Sensor) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.HeartbeatInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !s.bothConnected() {
				continue
			}
			payload, err := json.Marshal(heartbeatMessage{
				Sensor:    s.cfg.Name,
				Timestamp: time.Now().UTC(),
				State:     s.State(),
				Stats:     s.Stats(),
			})
			if err != nil {
				continue
			}
			if err := s.pub.Publish(sensorTopic(s.uuid, s.cfg.HeartbeatTopic), 0, payload); err != nil {
				level.Warn(s.logger).Log("msg", "sensorpublish heartbeat publish failed", "sensor", s.cfg.Name, "err", err)
			}
		}
	}
}

func (s *Sensor) recordError(err error) {
	s.mu.Lock()
	s.stats.LastError = fmt.Sprintf("%v @ %s", err, time.Now().UTC().Format(time.RFC3339))
	s.mu.Unlock()
}
