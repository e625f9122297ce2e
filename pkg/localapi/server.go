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

// Package localapi implements the local device API (spec §4.4): read-only
// and manual-control HTTP endpoints exposed on a configurable port,
// authenticated against the device API key.
//
// Justified as standard-library routing in DESIGN.md: the endpoint set is
// eight fixed routes with one path parameter, well within what
// net/http.ServeMux's Go 1.22 method+path patterns express; no router
// library in the pack is pulled in for anything this small.
package localapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/zemfyre/device-agent/pkg/identity"
	"github.com/zemfyre/device-agent/pkg/reconcile"
	"github.com/zemfyre/device-agent/pkg/runtime"
)

// healthWindow is how recently the reconciler and cloud-sync loop must have
// ticked for GET /v1/healthy to report healthy.
const healthWindow = 5 * time.Minute

// HealthChecker reports whether a dependent subsystem has made progress
// recently. Both Executor and cloudsync.Loop implement it.
type HealthChecker interface {
	Healthy(window time.Duration) bool
}

// IdentityLoader supplies the device identity summary for GET /v1/device.
type IdentityLoader func(ctx context.Context) (identity.Identity, error)

// Server serves the local device API.
type Server struct {
	apiKey       string
	adapter      runtime.Adapter
	executor     *reconcile.Executor
	reconciler   HealthChecker
	cloudSync    HealthChecker
	loadIdentity IdentityLoader
	agentVersion string
	logger       log.Logger

	mux *http.ServeMux
}

// Options configures a Server.
type Options struct {
	// APIKey, when non-empty, is required via the X-API-Key header on
	// every request (spec "optional in dev").
	APIKey       string
	Adapter      runtime.Adapter
	Executor     *reconcile.Executor
	Reconciler   HealthChecker
	CloudSync    HealthChecker
	LoadIdentity IdentityLoader
	AgentVersion string
}

// New builds a Server and registers its routes.
func New(opts Options, logger log.Logger) *Server {
	s := &Server{
		apiKey:       opts.APIKey,
		adapter:      opts.Adapter,
		executor:     opts.Executor,
		reconciler:   opts.Reconciler,
		cloudSync:    opts.CloudSync,
		loadIdentity: opts.LoadIdentity,
		agentVersion: opts.AgentVersion,
		logger:       logger,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.Handle("GET /v1/healthy", s.auth(http.HandlerFunc(s.handleHealthy)))
	mux.Handle("GET /v1/device", s.auth(http.HandlerFunc(s.handleDevice)))
	mux.Handle("GET /v2/applications/state", s.auth(http.HandlerFunc(s.handleApplicationsState)))
	mux.Handle("POST /v1/restart", s.auth(http.HandlerFunc(s.handleRestart)))
	mux.Handle("POST /v1/apps/{app_id}/stop", s.auth(http.HandlerFunc(s.handleStop)))
	mux.Handle("POST /v1/apps/{app_id}/start", s.auth(http.HandlerFunc(s.handleStart)))
	mux.Handle("POST /v1/purge", s.auth(http.HandlerFunc(s.handlePurge)))
	s.mux = mux
}

// auth enforces X-API-Key when a key is configured (spec "optional in
// dev").
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing X-API-Key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

func (s *Server) handleHealthy(w http.ResponseWriter, r *http.Request) {
	if s.reconciler != nil && !s.reconciler.Healthy(healthWindow) {
		writeError(w, http.StatusServiceUnavailable, "reconciler stalled")
		return
	}
	if s.cloudSync != nil && !s.cloudSync.Healthy(healthWindow) {
		writeError(w, http.StatusServiceUnavailable, "cloud sync stalled")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	id, err := s.loadIdentity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deviceSummary{
		UUID:          id.UUID,
		DeviceName:    id.DeviceName,
		DeviceType:    id.DeviceType,
		ApplicationID: id.ApplicationID,
		OSVersion:     id.OSVersion,
		AgentVersion:  s.agentVersion,
		Provisioned:   id.Provisioned,
	})
}

type deviceSummary struct {
	UUID          string `json:"uuid"`
	DeviceName    string `json:"device_name"`
	DeviceType    string `json:"device_type"`
	ApplicationID string `json:"application_id"`
	OSVersion     string `json:"os_version"`
	AgentVersion  string `json:"agent_version"`
	Provisioned   bool   `json:"provisioned"`
}

func (s *Server) handleApplicationsState(w http.ResponseWriter, r *http.Request) {
	current, err := runtime.CurrentState(r.Context(), s.adapter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, current)
}

type restartRequest struct {
	AppID int  `json:"app_id"`
	Force bool `json:"force,omitempty"`
}

// handleRestart issues RecreateService on every service in app_id. Per the
// Open Question resolution recorded in DESIGN.md, this is asynchronous: it
// acknowledges immediately and GET /v1/healthy reflects reconciler
// progress while the restart runs.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req restartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	current, err := runtime.CurrentState(r.Context(), s.adapter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	app, ok := current.Apps[req.AppID]
	if !ok {
		writeError(w, http.StatusNotFound, "app not found")
		return
	}

	var steps []reconcile.Step
	for _, svc := range app.Services {
		steps = append(steps, reconcile.Step{
			Kind: reconcile.KindRecreateService, AppID: req.AppID, ServiceID: svc.ServiceID,
			ContainerID: svc.ContainerID, Service: svc,
		})
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.executor.Apply(ctx, steps); err != nil {
			level.Error(s.logger).Log("msg", "async restart failed", "app_id", req.AppID, "err", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

type lifecycleRequest struct {
	Force bool `json:"force,omitempty"`
}

type lifecycleResponse struct {
	ContainerID string `json:"container_id"`
	Status      string `json:"status"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycle(w, r, reconcile.KindStopService)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycle(w, r, reconcile.KindStartService)
}

// handleLifecycle stops or starts every service belonging to app_id,
// synchronously, so the response reflects the outcome (spec: "returns
// {container_id, status}").
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request, kind reconcile.Kind) {
	appID, ok := parseAppID(w, r)
	if !ok {
		return
	}

	var req lifecycleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	current, err := runtime.CurrentState(r.Context(), s.adapter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	app, ok := current.Apps[appID]
	if !ok || len(app.Services) == 0 {
		writeError(w, http.StatusNotFound, "app not found")
		return
	}

	var steps []reconcile.Step
	for _, svc := range app.Services {
		if kind == reconcile.KindStartService {
			switch {
			case svc.ContainerID == "":
				// No container exists for this service yet: a plain start
				// is safe.
				steps = append(steps, reconcile.Step{
					Kind: reconcile.KindStartService, AppID: appID, ServiceID: svc.ServiceID, Service: svc,
				})
			case svc.Status != "running":
				// A stopped container already occupies this service: start
				// means replace it, not mint a second one alongside it.
				steps = append(steps, reconcile.Step{
					Kind: reconcile.KindRecreateService, AppID: appID, ServiceID: svc.ServiceID,
					ContainerID: svc.ContainerID, Service: svc,
				})
			}
			// Already running: nothing to do, skip.
			continue
		}
		steps = append(steps, reconcile.Step{
			Kind: kind, AppID: appID, ServiceID: svc.ServiceID, ContainerID: svc.ContainerID, Service: svc,
		})
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.executor.Apply(ctx, steps); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := "stopped"
	if kind == reconcile.KindStartService {
		status = "started"
	}
	writeJSON(w, http.StatusOK, lifecycleResponse{ContainerID: app.Services[0].ContainerID, Status: status})
}

type purgeRequest struct {
	AppID int  `json:"app_id"`
	Force bool `json:"force,omitempty"`
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.adapter.PurgeVolumes(ctx, req.AppID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func parseAppID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("app_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid app_id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
