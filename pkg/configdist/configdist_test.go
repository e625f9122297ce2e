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

package configdist

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/go-kit/log"
)

type recordingHandler struct {
	mu    sync.Mutex
	calls [][2]string // new, prev
}

func (h *recordingHandler) HandleChange(_ context.Context, _ string, newValue, prevValue json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, [2]string{string(newValue), string(prevValue)})
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func TestApplyDispatchesOnlyChangedKeys(t *testing.T) {
	d := New(log.NewNopLogger())
	h := &recordingHandler{}
	d.Register("logging", h)

	d.Apply(context.Background(), map[string]json.RawMessage{"logging": json.RawMessage(`{"level":"info"}`)})
	if h.count() != 1 {
		t.Fatalf("got %d calls, want 1", h.count())
	}

	// Same value again: no dispatch.
	d.Apply(context.Background(), map[string]json.RawMessage{"logging": json.RawMessage(`{"level":"info"}`)})
	if h.count() != 1 {
		t.Fatalf("got %d calls after no-op apply, want still 1", h.count())
	}

	// Changed value: dispatches again.
	d.Apply(context.Background(), map[string]json.RawMessage{"logging": json.RawMessage(`{"level":"debug"}`)})
	if h.count() != 2 {
		t.Fatalf("got %d calls after change, want 2", h.count())
	}
}

func TestApplyEmitsAbsentOnRemoval(t *testing.T) {
	d := New(log.NewNopLogger())
	h := &recordingHandler{}
	d.Register("sensors", h)

	d.Apply(context.Background(), map[string]json.RawMessage{"sensors": json.RawMessage(`[]`)})
	d.Apply(context.Background(), map[string]json.RawMessage{})

	if h.count() != 2 {
		t.Fatalf("got %d calls, want 2 (set then removed)", h.count())
	}
	h.mu.Lock()
	last := h.calls[1]
	h.mu.Unlock()
	if last[0] != "" {
		t.Fatalf("got newValue %q on removal, want empty", last[0])
	}
}
