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
	"sort"

	"github.com/zemfyre/device-agent/pkg/state"
)

// classification of one (appID, serviceID) pair during planning.
type change struct {
	appID, serviceID int
	currentSvc       *state.Service
	targetSvc        *state.Service
}

// Plan is a pure function: given current and target state, it returns the
// ordered steps that transition current toward target. Re-planning an
// already-satisfied target yields only NoOp steps (idempotence).
func Plan(current, target state.State) []Step {
	appIDs := unionAppIDs(current, target)

	var changes []change
	for _, appID := range appIDs {
		curApp := current.Apps[appID]
		tgtApp := target.Apps[appID]

		serviceIDs := unionServiceIDs(curApp, tgtApp)
		for _, svcID := range serviceIDs {
			var curSvc, tgtSvc *state.Service
			if svc, ok := findService(curApp, svcID); ok {
				curSvc = &svc
			}
			if svc, ok := findService(tgtApp, svcID); ok {
				tgtSvc = &svc
			}
			changes = append(changes, change{appID, svcID, curSvc, tgtSvc})
		}
	}

	var (
		pulls     []Step
		pullSeen  = map[string]bool{}
		deletions []Step
		additions []Step
	)

	for _, c := range changes {
		switch {
		case c.currentSvc == nil && c.targetSvc != nil:
			img := c.targetSvc.Config.Image
			if img == "" {
				img = c.targetSvc.ImageName
			}
			if !pullSeen[img] {
				pullSeen[img] = true
				pulls = append(pulls, Step{Kind: KindPullImage, Image: img})
			}
			additions = append(additions, Step{
				Kind: KindStartService, AppID: c.appID, ServiceID: c.serviceID,
				Service: *c.targetSvc,
			})

		case c.currentSvc != nil && c.targetSvc == nil:
			deletions = append(deletions,
				Step{Kind: KindStopService, AppID: c.appID, ServiceID: c.serviceID, ContainerID: c.currentSvc.ContainerID},
				Step{Kind: KindRemoveService, AppID: c.appID, ServiceID: c.serviceID, ContainerID: c.currentSvc.ContainerID},
			)

		case c.currentSvc != nil && c.targetSvc != nil:
			if c.currentSvc.Config.Equal(c.targetSvc.Config) {
				// NoOp: nothing to schedule.
				continue
			}
			img := c.targetSvc.Config.Image
			if img == "" {
				img = c.targetSvc.ImageName
			}
			if !pullSeen[img] {
				pullSeen[img] = true
				pulls = append(pulls, Step{Kind: KindPullImage, Image: img})
			}
			additions = append(additions, Step{
				Kind: KindRecreateService, AppID: c.appID, ServiceID: c.serviceID,
				ContainerID: c.currentSvc.ContainerID, Service: *c.targetSvc,
			})
		}
	}

	steps := make([]Step, 0, len(pulls)+len(deletions)+len(additions))
	steps = append(steps, pulls...)
	steps = append(steps, deletions...)
	steps = append(steps, additions...)
	return steps
}

func unionAppIDs(current, target state.State) []int {
	seen := map[int]bool{}
	for id := range current.Apps {
		seen[id] = true
	}
	for id := range target.Apps {
		seen[id] = true
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func unionServiceIDs(apps ...state.App) []int {
	seen := map[int]bool{}
	for _, app := range apps {
		for _, svc := range app.Services {
			seen[svc.ServiceID] = true
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func findService(app state.App, serviceID int) (state.Service, bool) {
	for _, svc := range app.Services {
		if svc.ServiceID == serviceID {
			return svc, true
		}
	}
	return state.Service{}, false
}
