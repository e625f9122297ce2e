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

// Package reconcile implements the reconciliation engine (spec §4.1): a
// pure planner that diffs current and target state.State into an ordered
// []Step, and an Executor that applies a plan against a runtime.Adapter.
package reconcile

import (
	"fmt"

	"github.com/zemfyre/device-agent/pkg/state"
)

// Kind tags the variant of a Step.
type Kind int

const (
	KindNoOp Kind = iota
	KindPullImage
	KindStartService
	KindStopService
	KindRemoveService
	KindRecreateService
)

func (k Kind) String() string {
	switch k {
	case KindPullImage:
		return "PullImage"
	case KindStartService:
		return "StartService"
	case KindStopService:
		return "StopService"
	case KindRemoveService:
		return "RemoveService"
	case KindRecreateService:
		return "RecreateService"
	default:
		return "NoOp"
	}
}

// Step is one unit of work in a reconciliation plan. Only the fields
// relevant to Kind are populated.
type Step struct {
	Kind Kind

	AppID     int
	ServiceID int

	// Image is the image to pull (KindPullImage) or the new service's image
	// (KindRecreateService, informational).
	Image string

	// Service is the target service definition to start/recreate.
	Service state.Service

	// ContainerID is the current container to stop/remove/recreate.
	ContainerID string
}

func (s Step) String() string {
	switch s.Kind {
	case KindPullImage:
		return fmt.Sprintf("PullImage(%s)", s.Image)
	case KindStartService:
		return fmt.Sprintf("StartService(%d/%d)", s.AppID, s.ServiceID)
	case KindStopService:
		return fmt.Sprintf("StopService(%s)", s.ContainerID)
	case KindRemoveService:
		return fmt.Sprintf("RemoveService(%s)", s.ContainerID)
	case KindRecreateService:
		return fmt.Sprintf("RecreateService(%s->%d/%d)", s.ContainerID, s.AppID, s.ServiceID)
	default:
		return "NoOp"
	}
}
