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

package localapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"

	"github.com/zemfyre/device-agent/pkg/identity"
	"github.com/zemfyre/device-agent/pkg/reconcile"
	"github.com/zemfyre/device-agent/pkg/runtime"
	"github.com/zemfyre/device-agent/pkg/state"
)

type alwaysHealthy struct{ healthy bool }

func (a alwaysHealthy) Healthy(time.Duration) bool { return a.healthy }

func newTestServer(t *testing.T, apiKey string) (*Server, *runtime.Simulated) {
	t.Helper()
	adapter := runtime.NewSimulated()
	executor := reconcile.NewExecutor(adapter, log.NewNopLogger(), func() state.State { return state.State{} })
	srv := New(Options{
		APIKey:   apiKey,
		Adapter:  adapter,
		Executor: executor,
		LoadIdentity: func(ctx context.Context) (identity.Identity, error) {
			return identity.Identity{UUID: "dev-1", DeviceName: "edge-1", Provisioned: true, DeviceAPIKey: "k"}, nil
		},
		Reconciler:   alwaysHealthy{true},
		CloudSync:    alwaysHealthy{true},
		AgentVersion: "1.2.3",
	}, log.NewNopLogger())
	return srv, adapter
}

func startApp(t *testing.T, adapter *runtime.Simulated, appID, serviceID int, image string) string {
	t.Helper()
	ctx := context.Background()
	if err := adapter.PullImage(ctx, image); err != nil {
		t.Fatal(err)
	}
	id, err := adapter.Start(ctx, runtime.Labels{AppID: appID, ServiceID: serviceID}, state.Service{
		ServiceID: serviceID, Config: state.ServiceConfig{Image: image},
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestPingNeverRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "OK" {
		t.Fatalf("got %d %q, want 200 OK", rr.Code, rr.Body.String())
	}
}

func TestAuthRejectsMissingKey(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/device", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", rr.Code)
	}
}

func TestDeviceSummary(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/v1/device", nil)
	req.Header.Set("X-API-Key", "secret")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var got deviceSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.UUID != "dev-1" || got.AgentVersion != "1.2.3" {
		t.Fatalf("got %+v", got)
	}
}

func TestHealthyReflectsDependencies(t *testing.T) {
	srv, _ := newTestServer(t, "")
	srv.reconciler = alwaysHealthy{false}

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/healthy", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want 503", rr.Code)
	}
}

func TestApplicationsStateReflectsRuntime(t *testing.T) {
	srv, adapter := newTestServer(t, "")
	startApp(t, adapter, 1, 1, "example/app:v1")

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v2/applications/state", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rr.Code, rr.Body.String())
	}
	var got state.State
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Apps[1].Services) != 1 {
		t.Fatalf("got %+v, want one service under app 1", got)
	}
}

func TestStopStartLifecycle(t *testing.T) {
	srv, adapter := newTestServer(t, "")
	startApp(t, adapter, 2, 1, "example/app:v1")

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/apps/2/stop", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("stop: got %d: %s", rr.Code, rr.Body.String())
	}
	var stopResp lifecycleResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &stopResp); err != nil {
		t.Fatal(err)
	}
	if stopResp.Status != "stopped" {
		t.Fatalf("got status %q", stopResp.Status)
	}

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/apps/2/start", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("start: got %d: %s", rr.Code, rr.Body.String())
	}
	var startResp lifecycleResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &startResp); err != nil {
		t.Fatal(err)
	}
	if startResp.Status != "started" {
		t.Fatalf("got status %q", startResp.Status)
	}

	state, err := runtime.CurrentState(context.Background(), adapter)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(state.Apps[2].Services); got != 1 {
		t.Fatalf("got %d services after start, want 1 (no duplicate container)", got)
	}
}

func TestStartIsNoOpWhenAlreadyRunning(t *testing.T) {
	srv, adapter := newTestServer(t, "")
	startApp(t, adapter, 5, 1, "example/app:v1")

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/apps/5/start", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("start: got %d: %s", rr.Code, rr.Body.String())
	}

	state, err := runtime.CurrentState(context.Background(), adapter)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(state.Apps[5].Services); got != 1 {
		t.Fatalf("got %d services after starting an already-running app, want 1", got)
	}
}

func TestPurgeCallsAdapter(t *testing.T) {
	srv, adapter := newTestServer(t, "")
	body, _ := json.Marshal(purgeRequest{AppID: 7})
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/purge", bytes.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rr.Code, rr.Body.String())
	}
	if adapter.PurgeCount(7) != 1 {
		t.Fatalf("got purge count %d, want 1", adapter.PurgeCount(7))
	}
}

func TestRestartIsAsyncAndAccepted(t *testing.T) {
	srv, adapter := newTestServer(t, "")
	startApp(t, adapter, 3, 1, "example/app:v1")

	body, _ := json.Marshal(restartRequest{AppID: 3})
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/restart", bytes.NewReader(body)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("got %d, want 202", rr.Code)
	}
}
