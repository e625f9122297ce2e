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

package mqttclient

import "fmt"

// ShadowState is the desired/reported/delta triple of a shadow document.
type ShadowState struct {
	Desired  map[string]any `json:"desired,omitempty"`
	Reported map[string]any `json:"reported,omitempty"`
	Delta    map[string]any `json:"delta,omitempty"`
}

// ShadowDocument mirrors spec §3's shadow document shape.
type ShadowDocument struct {
	State       ShadowState    `json:"state"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Version     int            `json:"version"`
	Timestamp   int64          `json:"timestamp"`
	ClientToken string         `json:"clientToken,omitempty"`
}

// ShadowTopic builds one of the device-shadow topics from spec §6:
// $iot/device/{uuid}/shadow/name/{shadowName}/{action}[/{subtopic}].
func ShadowTopic(uuid, shadowName, action, subtopic string) string {
	base := fmt.Sprintf("$iot/device/%s/shadow/name/%s/%s", uuid, shadowName, action)
	if subtopic == "" {
		return base
	}
	return base + "/" + subtopic
}
