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

package metrics

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFakeProc(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(os.WriteFile(filepath.Join(root, "stat"), []byte(
		"cpu  100 0 50 850 0 0 0 0 0 0\nintr 0\nctxt 0\nbtime 1700000000\nprocesses 0\nprocs_running 1\nprocs_blocked 0\n"), 0o644))
	must(os.WriteFile(filepath.Join(root, "meminfo"), []byte("MemTotal: 1024000 kB\nMemAvailable: 512000 kB\n"), 0o644))
	must(os.WriteFile(filepath.Join(root, "uptime"), []byte("12345.67 0\n"), 0o644))

	netDir := filepath.Join(root, "net")
	must(os.MkdirAll(netDir, 0o755))
	must(os.WriteFile(filepath.Join(netDir, "dev"), []byte(
		"Inter-|   Receive\n face |bytes\n  lo: 0 0 0\neth0: 100 1\n"), 0o644))

	return root
}

func TestProcSourceCollectsMemoryAndUptime(t *testing.T) {
	root := writeFakeProc(t)
	src := NewProcSource(3)
	src.root = root

	snap, err := src.Collect()
	if err != nil {
		t.Fatal(err)
	}
	if snap.MemoryTotalMB <= 0 {
		t.Fatalf("expected nonzero MemoryTotalMB, got %v", snap)
	}
	if snap.UptimeSec != 12345.67 {
		t.Fatalf("got uptime %v, want 12345.67", snap.UptimeSec)
	}
	if len(snap.ActiveInterfaces) != 1 || snap.ActiveInterfaces[0] != "eth0" {
		t.Fatalf("got interfaces %v, want [eth0]", snap.ActiveInterfaces)
	}
}

func TestProcSourceCPUPercentRequiresTwoSamples(t *testing.T) {
	root := writeFakeProc(t)
	src := NewProcSource(3)
	src.root = root

	first, err := src.Collect()
	if err != nil {
		t.Fatal(err)
	}
	if first.CPUPercent != 0 {
		t.Fatalf("got %v on first sample, want 0 (no prior baseline)", first.CPUPercent)
	}

	// Bump idle and total so the second sample reports a nonzero delta.
	if err := os.WriteFile(filepath.Join(root, "stat"), []byte("cpu  200 0 50 950 0 0 0 0 0 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	second, err := src.Collect()
	if err != nil {
		t.Fatal(err)
	}
	if second.CPUPercent <= 0 {
		t.Fatalf("expected nonzero CPU percent on second sample, got %v", second.CPUPercent)
	}
}
