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

package state

import "testing"

func TestServiceConfigEqual(t *testing.T) {
	a := ServiceConfig{
		Image:       "nginx:1.25",
		Ports:       []string{"8080:80", "443:443"},
		Environment: map[string]string{"A": "1", "B": "2"},
		Volumes:     []string{"/data:/data"},
	}
	b := ServiceConfig{
		Image:       "nginx:1.25",
		Ports:       []string{"443:443", "8080:80"}, // set, order differs
		Environment: map[string]string{"B": "2", "A": "1"},
		Volumes:     []string{"/data:/data"},
	}
	if !a.Equal(b) {
		t.Fatalf("expected configs to be equal")
	}

	c := b
	c.Volumes = []string{"/other:/data"}
	if a.Equal(c) {
		t.Fatalf("expected volume mismatch to break equality")
	}

	d := b
	d.Image = "nginx:1.24"
	if a.Equal(d) {
		t.Fatalf("expected image mismatch to break equality")
	}
}

func TestHashStable(t *testing.T) {
	s := State{Apps: map[int]App{
		1: {AppID: 1, AppName: "web", Services: []Service{
			{ServiceID: 1, ServiceName: "nginx", ImageName: "nginx:1.25"},
		}},
	}}
	h1, err := Hash(s)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(s)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash not stable across calls: %s != %s", h1, h2)
	}

	s2 := s
	app := s2.Apps[1]
	app.Services[0].ImageName = "nginx:1.26"
	s2.Apps = map[int]App{1: app}
	h3, err := Hash(s2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h3 {
		t.Fatalf("expected hash to change when state changes")
	}
}
