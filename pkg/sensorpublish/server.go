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
	"sync"

	"github.com/go-kit/log"
)

// Server runs the configured set of Sensor instances concurrently. It is
// the configdist.Handler for the "sensors" config key (spec §4.6).
type Server struct {
	uuid   string
	pub    Publisher
	logger log.Logger

	mu      sync.Mutex
	sensors map[string]*Sensor
	cancels map[string]context.CancelFunc
}

// NewServer builds an empty Server; sensors are added via HandleChange.
// uuid is the provisioned device UUID used to prefix every sensor's wire
// topic (spec §6 "iot/device/{uuid}/sensor/{mqtt_topic}").
func NewServer(uuid string, pub Publisher, logger log.Logger) *Server {
	return &Server{
		uuid:    uuid,
		pub:     pub,
		logger:  logger,
		sensors: map[string]*Sensor{},
		cancels: map[string]context.CancelFunc{},
	}
}

// HandleChange implements configdist.Handler for the "sensors" key: it
// validates the full incoming set, then reconciles running sensors to
// match it, restarting any sensor whose config changed and leaving
// unaffected sensors running uninterrupted. An absent newValue (key
// removed) is treated as an empty sensor set, stopping everything.
func (s *Server) HandleChange(ctx context.Context, key string, newValue, _ json.RawMessage) error {
	var cfgs []Config
	if newValue != nil {
		if err := json.Unmarshal(newValue, &cfgs); err != nil {
			return fmt.Errorf("sensorpublish: decode %q: %w", key, err)
		}
	}
	if err := ValidateConfigs(cfgs); err != nil {
		return fmt.Errorf("sensorpublish: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want := map[string]Config{}
	for _, c := range cfgs {
		want[c.Name] = c
	}

	for name, cancel := range s.cancels {
		if _, ok := want[name]; !ok {
			cancel()
			delete(s.cancels, name)
			delete(s.sensors, name)
		}
	}

	for name, cfg := range want {
		if existing, ok := s.sensors[name]; ok && existing.cfg == cfg {
			continue
		}
		if cancel, ok := s.cancels[name]; ok {
			cancel()
		}
		sensor, err := New(cfg, s.uuid, s.pub, s.logger)
		if err != nil {
			return err
		}
		sctx, cancel := context.WithCancel(ctx)
		s.sensors[name] = sensor
		s.cancels[name] = cancel
		go sensor.Run(sctx)
	}
	return nil
}

// Sensors returns a snapshot of the currently running sensors, keyed by
// name, for status reporting (local API / cloud sync).
func (s *Server) Sensors() map[string]*Sensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Sensor, len(s.sensors))
	for k, v := range s.sensors {
		out[k] = v
	}
	return out
}

// Close stops every running sensor.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = map[string]context.CancelFunc{}
	s.sensors = map[string]*Sensor{}
}
