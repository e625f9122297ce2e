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

// Package metrics implements the host metrics collector (spec §4.9):
// periodic CPU/memory/storage/temperature/process sampling, produced as an
// immutable snapshot per tick.
package metrics

import "time"

// Process is one entry in a Snapshot's top-N process list.
type Process struct {
	PID        int     `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Snapshot is one immutable collection result (spec §4.9/§6 report body).
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	CPUPercent float64 `json:"cpu_percent"`

	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`

	StorageUsedMB  float64 `json:"storage_used_mb"`
	StorageTotalMB float64 `json:"storage_total_mb"`

	TemperatureC float64 `json:"temperature_c"`
	UptimeSec    float64 `json:"uptime_sec"`

	TopProcesses     []Process `json:"top_processes,omitempty"`
	ActiveInterfaces []string  `json:"active_interfaces,omitempty"`
}

// Source produces one metrics Snapshot. Swappable/fakeable in tests; the
// production implementation (ProcSource, Linux) reads /proc through
// github.com/prometheus/procfs, since Prometheus's own process collector
// only covers the agent's own process.
type Source interface {
	Collect() (Snapshot, error)
}
