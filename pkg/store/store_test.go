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

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/zemfyre/device-agent/pkg/identity"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device-agent.sqlite")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdentityRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	got, err := s.LoadIdentity(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.UUID != "" {
		t.Fatalf("expected empty identity before first save, got %+v", got)
	}

	want := identity.Identity{UUID: "u1", DeviceAPIKey: "k1", Provisioned: true, ApplicationID: "app-1"}
	if err := s.SaveIdentity(ctx, want); err != nil {
		t.Fatal(err)
	}

	got, err = s.LoadIdentity(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestSaveSnapshotSkipsUnchangedHash(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	payload := []byte(`{"apps":{}}`)
	if err := s.SaveSnapshot(ctx, "current", payload); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSnapshot(ctx, "current", payload); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadSnapshot(ctx, "current")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %s, want %s", got, payload)
	}
}

func TestProtocolAdapterDevicesReplace(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	rows := []ProtocolAdapterRow{
		{Name: "plc-1", Protocol: "modbus", Enabled: true, PollIntervalMs: 1000,
			Connection: json.RawMessage(`{"mode":"tcp"}`), DataPoints: json.RawMessage(`[]`)},
	}
	if err := s.ReplaceProtocolAdapterDevices(ctx, rows); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListProtocolAdapterDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "plc-1" {
		t.Fatalf("got %+v, want one plc-1 row", got)
	}

	if err := s.ReplaceProtocolAdapterDevices(ctx, nil); err != nil {
		t.Fatal(err)
	}
	got, err = s.ListProtocolAdapterDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d rows after replace with empty set, want 0", len(got))
	}
}
