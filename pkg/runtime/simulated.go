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

package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/zemfyre/device-agent/pkg/state"
)

// Simulated is an in-memory Adapter used when USE_REAL_RUNTIME is false and
// in tests. It never touches the host; it just keeps books.
type Simulated struct {
	mu         sync.Mutex
	containers map[string]Container
	images     map[string]bool
	purged     map[int]int
}

// NewSimulated returns an empty Simulated adapter.
func NewSimulated() *Simulated {
	return &Simulated{
		containers: map[string]Container{},
		images:     map[string]bool{},
		purged:     map[int]int{},
	}
}

func (s *Simulated) List(_ context.Context) ([]Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Container, 0, len(s.containers))
	for _, c := range s.containers {
		out = append(out, c)
	}
	return out, nil
}

func (s *Simulated) PullImage(_ context.Context, image string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[image] = true
	return nil
}

func (s *Simulated) Start(_ context.Context, labels Labels, svc state.Service) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.images[svc.Config.Image] {
		return "", fmt.Errorf("runtime: image %q not pulled", svc.Config.Image)
	}
	id := uuid.NewString()
	s.containers[id] = Container{
		ID:     id,
		Labels: labels,
		Image:  svc.Config.Image,
		Status: "running",
	}
	return id, nil
}

func (s *Simulated) Stop(_ context.Context, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[containerID]
	if !ok {
		return ErrNotManaged
	}
	c.Status = "stopped"
	s.containers[containerID] = c
	return nil
}

func (s *Simulated) Remove(_ context.Context, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[containerID]; !ok {
		return ErrNotManaged
	}
	delete(s.containers, containerID)
	return nil
}

func (s *Simulated) PurgeVolumes(_ context.Context, appID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged[appID]++
	return nil
}

// PurgeCount reports how many times PurgeVolumes was called for appID,
// exposed for tests asserting on the local API's purge handler.
func (s *Simulated) PurgeCount(appID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purged[appID]
}
