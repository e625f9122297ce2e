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

// Package configdist implements the configuration distributor (spec §4.6):
// it decouples the cloud sync loop from feature-specific logic by diffing
// each top-level config key against its last-seen value and dispatching a
// typed change to the key's registered Handler.
package configdist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Handler owns persistence/lifecycle for one top-level config key.
// Implementations serialize their own work; Distributor only guarantees
// one HandleChange call at a time per key. newValue is nil when the key
// has been removed from the incoming blob.
type Handler interface {
	HandleChange(ctx context.Context, key string, newValue, prevValue json.RawMessage) error
}

// Distributor diffs an incoming config blob against the last value seen
// per key and dispatches changes to registered Handlers, one goroutine per
// changed key so no key's handler can block another's (spec.md "may run
// concurrently with other keys; each handler serializes its own work").
type Distributor struct {
	logger log.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	lastHash map[string]string
	lastRaw  map[string]json.RawMessage
	running  map[string]chan struct{}
}

// New builds an empty Distributor.
func New(logger log.Logger) *Distributor {
	return &Distributor{
		logger:   logger,
		handlers: map[string]Handler{},
		lastHash: map[string]string{},
		lastRaw:  map[string]json.RawMessage{},
		running:  map[string]chan struct{}{},
	}
}

// Register binds a Handler to a top-level config key. Registering twice
// for the same key replaces the prior handler.
func (d *Distributor) Register(key string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[key] = h
}

// Apply accepts a full config blob (top-level key -> raw JSON value) and
// dispatches a change to every key whose canonical-JSON hash differs from
// what was last applied, including keys now absent (spec.md "Removal of a
// key emits a change with new_value = absent"). It waits for a key's prior
// dispatch to finish before starting a new one for the same key, but
// different keys run concurrently.
func (d *Distributor) Apply(ctx context.Context, blob map[string]json.RawMessage) {
	d.mu.Lock()
	keys := make(map[string]bool, len(d.handlers)+len(blob))
	for k := range d.handlers {
		keys[k] = true
	}
	for k := range blob {
		keys[k] = true
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for key := range keys {
		raw, present := blob[key]
		hash := ""
		if present {
			hash = hashOf(raw)
		}

		d.mu.Lock()
		changed := d.lastHash[key] != hash
		prevValue := d.lastRaw[key]
		if changed {
			d.lastHash[key] = hash
			if present {
				d.lastRaw[key] = raw
			} else {
				delete(d.lastRaw, key)
			}
		}
		handler := d.handlers[key]
		prior := d.running[key]
		done := make(chan struct{})
		d.running[key] = done
		d.mu.Unlock()

		if !changed || handler == nil {
			close(done)
			continue
		}

		wg.Add(1)
		go func(key string, raw, prevValue json.RawMessage, handler Handler, prior, done chan struct{}) {
			defer wg.Done()
			defer close(done)
			if prior != nil {
				<-prior
			}
			if err := handler.HandleChange(ctx, key, raw, prevValue); err != nil {
				level.Error(d.logger).Log("msg", "config handler failed", "key", key, "err", err)
			}
		}(key, raw, prevValue, handler, prior, done)
	}
	wg.Wait()
}

// hashOf hashes the canonical form of raw (re-marshalled, so object keys
// are sorted and insignificant whitespace dropped); raw that does not
// decode is hashed as-is.
func hashOf(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		if canonical, err := json.Marshal(v); err == nil {
			raw = canonical
		}
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
