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

// Package runtime abstracts the container runtime the reconciliation engine
// drives. The concrete runtime implementation is out of scope for this
// repository (spec §1); only the capability surface and a simulated
// in-memory implementation for tests and USE_REAL_RUNTIME=false operation
// live here.
package runtime

import (
	"context"
	"errors"

	"github.com/zemfyre/device-agent/pkg/state"
)

// ErrNotManaged is returned when an operation targets a container outside
// the agent's label set.
var ErrNotManaged = errors.New("runtime: container is not managed by this agent")

// Labels identify a container as owned by the reconciliation engine. Any
// container lacking these labels must never be mutated.
type Labels struct {
	AppID     int
	ServiceID int
}

// ManagedByLabel is the label key used to mark containers owned by this
// agent, distinguishing them from unrelated containers on the host.
const ManagedByLabel = "io.zemfyre.managed-by"

// ManagedByValue is the value written for ManagedByLabel.
const ManagedByValue = "device-agent"

// Container describes a single container as observed from the runtime.
type Container struct {
	ID        string
	Labels    Labels
	Image     string
	Status    string
	LastError string
}

// Adapter is the capability surface the reconciliation engine needs from a
// container runtime. All operations must be idempotent.
type Adapter interface {
	// List returns every container carrying the managed-by label.
	List(ctx context.Context) ([]Container, error)
	// PullImage ensures image is present locally.
	PullImage(ctx context.Context, image string) error
	// Start creates and starts a container for svc, labelled with labels.
	Start(ctx context.Context, labels Labels, svc state.Service) (containerID string, err error)
	// Stop gracefully stops containerID (SIGTERM, timeout, SIGKILL).
	Stop(ctx context.Context, containerID string) error
	// Remove removes a stopped container.
	Remove(ctx context.Context, containerID string) error
	// PurgeVolumes removes managed volumes associated with appID.
	PurgeVolumes(ctx context.Context, appID int) error
}

// CurrentState derives a state.State from whatever the adapter currently
// reports running, for consumption by the reconciler and the cloud report.
func CurrentState(ctx context.Context, a Adapter) (state.State, error) {
	containers, err := a.List(ctx)
	if err != nil {
		return state.State{}, err
	}
	apps := map[int]state.App{}
	for _, c := range containers {
		app := apps[c.Labels.AppID]
		app.AppID = c.Labels.AppID
		app.Services = append(app.Services, state.Service{
			ServiceID:   c.Labels.ServiceID,
			ImageName:   c.Image,
			Status:      c.Status,
			ContainerID: c.ID,
			LastError:   c.LastError,
			Config:      state.ServiceConfig{Image: c.Image},
		})
		apps[c.Labels.AppID] = app
	}
	return state.State{Apps: apps}, nil
}
