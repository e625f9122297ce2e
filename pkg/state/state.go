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

// Package state holds the application/service data model shared by the
// reconciliation engine, the cloud sync loop and the local device API.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// RestartPolicy mirrors the restart policies a container runtime accepts.
type RestartPolicy string

const (
	RestartAlways        RestartPolicy = "always"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
	RestartNo            RestartPolicy = "no"
)

// ServiceConfig captures everything about a service that can differ between
// current and target state and therefore participates in equality checks.
type ServiceConfig struct {
	Image         string            `json:"image"`
	Ports         []string          `json:"ports,omitempty"`
	Environment   map[string]string `json:"environment,omitempty"`
	Volumes       []string          `json:"volumes,omitempty"`
	RestartPolicy RestartPolicy     `json:"restartPolicy,omitempty"`
	Privileged    bool              `json:"privileged,omitempty"`
	NetworkMode   string            `json:"networkMode,omitempty"`
}

// Service is one container-backed workload within an App.
type Service struct {
	ServiceID   int           `json:"serviceId"`
	ServiceName string        `json:"serviceName"`
	ImageName   string        `json:"imageName"`
	Config      ServiceConfig `json:"config"`

	// Status and ContainerID are populated only on current state, derived
	// from the runtime; target state never sets them.
	Status      string `json:"status,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// App groups services deployed together under one application ID.
type App struct {
	AppID    int       `json:"appId"`
	AppName  string    `json:"appName"`
	Services []Service `json:"services"`
}

// State is the full set of apps known for either the current or the target
// side of a reconciliation.
type State struct {
	Apps map[int]App `json:"apps"`

	// UpdatedAt and ETag are only meaningful for target state fetched from
	// the cloud; current state leaves them zero.
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	ETag      string    `json:"etag,omitempty"`
}

// Service looks up a service by (appID, serviceID), reporting whether it
// exists.
func (s State) Service(appID, serviceID int) (Service, bool) {
	app, ok := s.Apps[appID]
	if !ok {
		return Service{}, false
	}
	for _, svc := range app.Services {
		if svc.ServiceID == serviceID {
			return svc, true
		}
	}
	return Service{}, false
}

// Equal reports whether the service configuration (not status/containerID)
// is identical per spec: image, env (order-insensitive), ports (set),
// volumes (ordered), restart policy, privileged and network mode.
func (c ServiceConfig) Equal(o ServiceConfig) bool {
	if c.Image != o.Image || c.RestartPolicy != o.RestartPolicy ||
		c.Privileged != o.Privileged || c.NetworkMode != o.NetworkMode {
		return false
	}
	if !equalSet(c.Ports, o.Ports) {
		return false
	}
	if !equalOrdered(c.Volumes, o.Volumes) {
		return false
	}
	return equalMap(c.Environment, o.Environment)
}

func equalSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	ac := append([]string(nil), a...)
	bc := append([]string(nil), b...)
	sort.Strings(ac)
	sort.Strings(bc)
	return equalOrdered(ac, bc)
}

func equalOrdered(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalMap(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// Hash returns a stable SHA-256 hash over the canonical JSON encoding of s,
// so equal states always hash equal.
func Hash(s State) (string, error) {
	b, err := canonicalJSON(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON marshals v with map keys sorted, which encoding/json already
// guarantees for map[string]T and map[int]T, making the result a stable
// byte sequence for hashing.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
