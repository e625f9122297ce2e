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

// Package mqttclient provides the process-singleton MQTT client shared by
// every feature (spec §4.5): a thin wrapper over paho.mqtt.golang with a
// wildcard-aware subscription table, since paho itself only dispatches to
// the single callback registered for an exact filter string.
package mqttclient

import "strings"

// Match reports whether topic matches filter, honouring single-level '+'
// and multi-level '#' wildcards ('#' only valid as the terminal segment).
func Match(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")

	for i, f := range fParts {
		if f == "#" {
			// '#' must be terminal and matches one or more remaining
			// segments, so it cannot match if there's nothing left.
			return i < len(tParts)
		}
		if i >= len(tParts) {
			return false
		}
		if f == "+" {
			continue
		}
		if f != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}
