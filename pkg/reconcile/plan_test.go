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

package reconcile

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"

	"github.com/zemfyre/device-agent/pkg/runtime"
	"github.com/zemfyre/device-agent/pkg/state"
)

func TestPlan_AddOneService(t *testing.T) {
	current := state.State{Apps: map[int]state.App{}}
	target := state.State{Apps: map[int]state.App{
		1: {AppID: 1, Services: []state.Service{
			{ServiceID: 1, ServiceName: "web", ImageName: "nginx:1.25",
				Config: state.ServiceConfig{Image: "nginx:1.25", Ports: []string{"8080:80"}}},
		}},
	}}

	got := Plan(current, target)
	want := []Step{
		{Kind: KindPullImage, Image: "nginx:1.25"},
		{Kind: KindStartService, AppID: 1, ServiceID: 1, Service: target.Apps[1].Services[0]},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected plan (-want +got):\n%s", diff)
	}
}

func TestPlan_ImageUpgradeRecreates(t *testing.T) {
	current := state.State{Apps: map[int]state.App{
		1: {AppID: 1, Services: []state.Service{
			{ServiceID: 1, ContainerID: "c1", ImageName: "nginx:1.24",
				Config: state.ServiceConfig{Image: "nginx:1.24"}},
		}},
	}}
	target := state.State{Apps: map[int]state.App{
		1: {AppID: 1, Services: []state.Service{
			{ServiceID: 1, ImageName: "nginx:1.25",
				Config: state.ServiceConfig{Image: "nginx:1.25"}},
		}},
	}}

	got := Plan(current, target)
	recreates := 0
	for _, s := range got {
		if s.Kind == KindRecreateService {
			recreates++
			if s.ContainerID != "c1" {
				t.Errorf("expected recreate of c1, got %s", s.ContainerID)
			}
		}
	}
	if recreates != 1 {
		t.Fatalf("expected exactly one RecreateService step, got %d in %v", recreates, got)
	}
}

func TestPlan_RemovedServiceStopsThenRemoves(t *testing.T) {
	current := state.State{Apps: map[int]state.App{
		1: {AppID: 1, Services: []state.Service{
			{ServiceID: 1, ContainerID: "c1", Config: state.ServiceConfig{Image: "redis:7"}},
		}},
	}}
	target := state.State{Apps: map[int]state.App{}}

	got := Plan(current, target)
	want := []Step{
		{Kind: KindStopService, AppID: 1, ServiceID: 1, ContainerID: "c1"},
		{Kind: KindRemoveService, AppID: 1, ServiceID: 1, ContainerID: "c1"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected plan (-want +got):\n%s", diff)
	}
}

func TestPlan_UnchangedIsIdempotent(t *testing.T) {
	svc := state.Service{ServiceID: 1, ContainerID: "c1", Config: state.ServiceConfig{
		Image: "nginx:1.25", Ports: []string{"80:80"},
	}}
	s := state.State{Apps: map[int]state.App{1: {AppID: 1, Services: []state.Service{svc}}}}

	got := Plan(s, s)
	if len(got) != 0 {
		t.Fatalf("expected no steps for identical current/target, got %v", got)
	}
}

func TestPlanThenApplyReachesTarget(t *testing.T) {
	ctx := context.Background()
	adapter := runtime.NewSimulated()

	target := state.State{Apps: map[int]state.App{
		1: {AppID: 1, Services: []state.Service{
			{ServiceID: 1, ImageName: "nginx:1.25", Config: state.ServiceConfig{Image: "nginx:1.25"}},
		}},
	}}

	current, err := runtime.CurrentState(ctx, adapter)
	if err != nil {
		t.Fatal(err)
	}
	steps := Plan(current, target)

	exec := NewExecutor(adapter, log.NewNopLogger(), func() state.State { return target })
	if err := exec.Apply(ctx, steps); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	containers, err := adapter.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(containers) != 1 {
		t.Fatalf("expected exactly one managed container, got %d", len(containers))
	}
	if containers[0].Labels.AppID != 1 || containers[0].Labels.ServiceID != 1 {
		t.Fatalf("unexpected labels: %+v", containers[0].Labels)
	}

	// Re-observe current state and re-plan: must be idempotent (only NoOps).
	current2, err := runtime.CurrentState(ctx, adapter)
	if err != nil {
		t.Fatal(err)
	}
	// CurrentState derives Config.Image only, so align target's comparable
	// fields before asserting idempotence, matching how the cloud sync loop
	// would reconcile reported image names.
	again := Plan(current2, state.State{Apps: map[int]state.App{
		1: {AppID: 1, Services: []state.Service{
			{ServiceID: 1, Config: state.ServiceConfig{Image: "nginx:1.25"}},
		}},
	}})
	for _, s := range again {
		if s.Kind != KindNoOp {
			t.Fatalf("expected idempotent re-plan to be empty, got %v", again)
		}
	}
}
