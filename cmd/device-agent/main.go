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

// Command device-agent runs the edge device agent: provisioning, cloud
// sync, reconciliation, the protocol-adapter and sensor-publish
// subsystems, host metrics collection and the local device API, all
// coordinated through one run.Group (spec §1/§4).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zemfyre/device-agent/pkg/cloudsync"
	"github.com/zemfyre/device-agent/pkg/configdist"
	"github.com/zemfyre/device-agent/pkg/identity"
	"github.com/zemfyre/device-agent/pkg/ipc"
	"github.com/zemfyre/device-agent/pkg/localapi"
	"github.com/zemfyre/device-agent/pkg/logging"
	"github.com/zemfyre/device-agent/pkg/metrics"
	"github.com/zemfyre/device-agent/pkg/modbus"
	"github.com/zemfyre/device-agent/pkg/mqttclient"
	"github.com/zemfyre/device-agent/pkg/protocol"
	"github.com/zemfyre/device-agent/pkg/provisioning"
	"github.com/zemfyre/device-agent/pkg/reconcile"
	"github.com/zemfyre/device-agent/pkg/runtime"
	"github.com/zemfyre/device-agent/pkg/sensorpublish"
	"github.com/zemfyre/device-agent/pkg/state"
	"github.com/zemfyre/device-agent/pkg/store"
)

var (
	logLevel  string
	logFormat string

	dbPath       string
	ipcSocket    string
	metricsAddr  string
	localAPIPort int

	apiEndpoint        string
	provisioningAPIKey string
	applicationID      string
	deviceName         string
	deviceType         string
	macAddress         string
	osVersion          string
	agentVersion       string

	pollIntervalMs   int
	reportIntervalMs int

	mqttBrokerURL string
	mqttUsername  string
	mqttPassword  string

	useRealRuntime bool
)

// setupFlags wires every --flag to its matching environment variable, so
// the same binary runs unchanged whether launched from a supervisor that
// sets environment variables or from a shell with explicit flags.
func setupFlags(a *kingpin.Application) {
	a.Flag("log.level", "Log filtering level. One of error, warn, info, debug.").
		Default(envOr("LOG_LEVEL", "info")).Envar("LOG_LEVEL").StringVar(&logLevel)
	a.Flag("log.format", "Log format: logfmt or json.").
		Default(envOr("LOG_FORMAT", logging.LogFormatLogfmt)).Envar("LOG_FORMAT").StringVar(&logFormat)

	a.Flag("db.path", "Path to the embedded SQLite store.").
		Default(envOr("DB_PATH", "device-agent.sqlite")).Envar("DB_PATH").StringVar(&dbPath)
	a.Flag("ipc.socket", "Unix socket path the protocol-adapter subsystem writes samples to.").
		Default(envOr("IPC_SOCKET_PATH", "/run/device-agent/sensors.sock")).Envar("IPC_SOCKET_PATH").StringVar(&ipcSocket)
	a.Flag("metrics.address", "Address to expose /metrics on.").
		Default(envOr("METRICS_ADDRESS", ":9100")).Envar("METRICS_ADDRESS").StringVar(&metricsAddr)
	a.Flag("local-api.port", "Port for the local device API.").
		Default(strconv.Itoa(envIntOr("LOCAL_API_PORT", 48484))).Envar("LOCAL_API_PORT").IntVar(&localAPIPort)

	a.Flag("api-endpoint", "Cloud control-plane base URL.").Envar("API_ENDPOINT").StringVar(&apiEndpoint)
	a.Flag("provisioning-api-key", "Fleet provisioning key. Empty skips provisioning.").
		Envar("PROVISIONING_API_KEY").StringVar(&provisioningAPIKey)
	a.Flag("application-id", "Fleet application ID.").Envar("APPLICATION_ID").StringVar(&applicationID)
	a.Flag("device-name", "Human-readable device name.").Envar("DEVICE_NAME").StringVar(&deviceName)
	a.Flag("device-type", "Device type tag.").
		Default(envOr("DEVICE_TYPE", "generic")).Envar("DEVICE_TYPE").StringVar(&deviceType)
	a.Flag("mac-address", "Primary network interface MAC address.").Envar("MAC_ADDRESS").StringVar(&macAddress)
	a.Flag("os-version", "Host OS version string.").Envar("OS_VERSION").StringVar(&osVersion)
	a.Flag("agent-version", "Agent build version, reported to the cloud and GET /v1/device.").
		Default(envOr("AGENT_VERSION", "dev")).Envar("AGENT_VERSION").StringVar(&agentVersion)

	a.Flag("poll-interval-ms", "Target-state poll interval.").
		Default(strconv.Itoa(envIntOr("POLL_INTERVAL_MS", 30000))).Envar("POLL_INTERVAL_MS").IntVar(&pollIntervalMs)
	a.Flag("report-interval-ms", "State-report interval.").
		Default(strconv.Itoa(envIntOr("REPORT_INTERVAL_MS", 30000))).Envar("REPORT_INTERVAL_MS").IntVar(&reportIntervalMs)

	a.Flag("mqtt.broker-url", "MQTT broker URL (e.g. tcp://host:1883).").Envar("MQTT_BROKER_URL").StringVar(&mqttBrokerURL)
	a.Flag("mqtt.username", "MQTT username.").Envar("MQTT_USERNAME").StringVar(&mqttUsername)
	a.Flag("mqtt.password", "MQTT password.").Envar("MQTT_PASSWORD").StringVar(&mqttPassword)

	a.Flag("use-real-runtime", "Drive a real container runtime instead of the in-memory simulated adapter.").
		Default(strconv.FormatBool(envBoolOr("USE_REAL_RUNTIME", false))).Envar("USE_REAL_RUNTIME").BoolVar(&useRealRuntime)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBoolOr(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func main() {
	a := kingpin.New("device-agent", "The edge device agent")
	a.HelpFlag.Short('h')
	setupFlags(a)
	kingpin.MustParse(a.Parse(os.Args[1:]))

	logger, logCtrl, err := logging.NewLogger(logLevel, logFormat, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reconcile.MustRegister(reg)
	mqttclient.MustRegister(reg)

	if err := runAgent(logger, logCtrl, reg); err != nil {
		level.Error(logger).Log("msg", "device-agent exited with error", "err", err)
		os.Exit(1)
	}
}

// runAgent holds the bulk of main's wiring so defers/returns compose
// cleanly.
func runAgent(logger log.Logger, logCtrl *logging.Controller, reg *prometheus.Registry) error {
	ctx := context.Background()

	db, err := store.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	var adapter runtime.Adapter
	if useRealRuntime {
		// A concrete container-runtime adapter is out of scope for this
		// repository (spec §1); operators wanting a real backend provide
		// one satisfying runtime.Adapter and wire it in here.
		level.Warn(logger).Log("msg", "use-real-runtime requested but no concrete adapter is built in; falling back to simulated")
	}
	adapter = runtime.NewSimulated()

	provMgr := provisioning.New(db, http.DefaultClient, logger)
	if err := provMgr.Ensure(ctx, provisioning.Config{
		ProvisioningAPIKey: provisioningAPIKey,
		APIEndpoint:        apiEndpoint,
		ApplicationID:      applicationID,
		DeviceName:         deviceName,
		DeviceType:         deviceType,
		MACAddress:         macAddress,
		OSVersion:          osVersion,
		AgentVersion:       agentVersion,
	}); err != nil {
		level.Error(logger).Log("msg", "provisioning failed, continuing unprovisioned", "err", err)
	}

	id, err := db.LoadIdentity(ctx)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	mqttCli := mqttclient.New(logger)
	if mqttBrokerURL != "" {
		if err := mqttCli.Connect(mqttclient.Options{
			BrokerURL:      mqttBrokerURL,
			ClientID:       "device-agent-" + id.UUID,
			Username:       envOrDefault(mqttUsername, id.MQTTUsername),
			Password:       envOrDefault(mqttPassword, id.MQTTPassword),
			ConnectTimeout: 10 * time.Second,
		}); err != nil {
			level.Error(logger).Log("msg", "mqtt connect failed, not retried; publishes fail until restart", "err", err)
		}
	}

	target := newTargetStore()
	executor := reconcile.NewExecutor(adapter, logger, target.Get)

	ipcWriter := ipc.NewWriter("unix", ipcSocket, "\n")
	defer ipcWriter.Close()
	scheduler := modbus.NewScheduler(ipcWriter, persistProtocolAdapterDevices(db), log.With(logger, "component", "modbus"))
	defer scheduler.Close()

	sensorServer := sensorpublish.NewServer(id.UUID, mqttCli, log.With(logger, "component", "sensorpublish"))
	defer sensorServer.Close()

	dist := configdist.New(log.With(logger, "component", "configdist"))
	dist.Register("apps", target)
	dist.Register("protocolAdapterDevices", scheduler)
	dist.Register("sensors", sensorServer)
	dist.Register("logging", logCtrl)

	// Seed every config-distributor handler (target apps, protocol-adapter
	// devices, sensors, logging) from whatever was last persisted, so a
	// restart resumes the last known target instead of booting blank (spec
	// §3 "persisted target state").
	if rows, err := db.ListProtocolAdapterDevices(ctx); err != nil {
		level.Error(logger).Log("msg", "load persisted protocol adapter devices failed", "err", err)
	} else if len(rows) > 0 {
		payload, err := json.Marshal(storeRowsToProtocolRows(rows))
		if err != nil {
			level.Error(logger).Log("msg", "marshal persisted protocol adapter devices failed", "err", err)
		} else if err := scheduler.HandleChange(ctx, "protocolAdapterDevices", payload, nil); err != nil {
			level.Error(logger).Log("msg", "seed protocol adapter devices from store failed", "err", err)
		}
	}

	metricsSource := metrics.NewProcSource(5)
	var lastSnapshot metrics.Snapshot
	var snapshotMu sync.Mutex

	applyTargetSnapshot := func(ctx context.Context, body []byte) {
		var blob map[string]json.RawMessage
		if err := json.Unmarshal(body, &blob); err != nil {
			level.Error(logger).Log("msg", "target state body is not a JSON object", "err", err)
			return
		}
		if err := db.SaveSnapshot(ctx, "target", body); err != nil {
			level.Error(logger).Log("msg", "persist target snapshot failed", "err", err)
		}
		dist.Apply(ctx, blob)
		executor.Trigger()
	}

	if snap, err := db.LoadSnapshot(ctx, "target"); err != nil {
		level.Error(logger).Log("msg", "load persisted target snapshot failed", "err", err)
	} else if snap != nil {
		applyTargetSnapshot(ctx, snap)
	}

	syncLoop := cloudsync.New(cloudsync.Options{
		APIEndpoint:    apiEndpoint,
		UUID:           id.UUID,
		DeviceAPIKey:   id.DeviceAPIKey,
		PollInterval:   time.Duration(pollIntervalMs) * time.Millisecond,
		ReportInterval: time.Duration(reportIntervalMs) * time.Millisecond,
	}, applyTargetSnapshot, func() cloudsync.Report {
		snapshotMu.Lock()
		snap := lastSnapshot
		snapshotMu.Unlock()

		current, err := runtime.CurrentState(context.Background(), adapter)
		if err != nil {
			level.Error(logger).Log("msg", "read current state for report failed", "err", err)
			return cloudsync.Report{IsOnline: true}
		}
		apps, err := json.Marshal(current.Apps)
		if err != nil {
			apps = []byte("{}")
		}
		return cloudsync.Report{
			Apps:          apps,
			CPUUsage:      snap.CPUPercent,
			MemoryUsage:   snap.MemoryUsedMB,
			MemoryTotal:   snap.MemoryTotalMB,
			StorageUsage:  snap.StorageUsedMB,
			StorageTotal:  snap.StorageTotalMB,
			Temperature:   snap.TemperatureC,
			UptimeSeconds: snap.UptimeSec,
			IsOnline:      true,
		}
	}, log.With(logger, "component", "cloudsync"))

	localSrv := localapi.New(localapi.Options{
		APIKey:     id.DeviceAPIKey,
		Adapter:    adapter,
		Executor:   executor,
		Reconciler: executor,
		CloudSync:  syncLoop,
		LoadIdentity: func(ctx context.Context) (identity.Identity, error) {
			return db.LoadIdentity(ctx)
		},
		AgentVersion: agentVersion,
	}, log.With(logger, "component", "localapi"))

	var g run.Group

	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(func() error {
			select {
			case sig := <-term:
				level.Info(logger).Log("msg", "received signal, shutting down", "signal", sig)
			case <-cancel:
			}
			return nil
		}, func(err error) {
			close(cancel)
		})
	}
	{
		runCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return executor.Run(runCtx)
		}, func(err error) {
			cancel()
		})
	}
	{
		runCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return syncLoop.RunPoll(runCtx)
		}, func(err error) {
			cancel()
		})
	}
	{
		runCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return syncLoop.RunReport(runCtx)
		}, func(err error) {
			cancel()
		})
	}
	{
		stop := make(chan struct{})
		g.Add(func() error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return nil
				case <-ticker.C:
					snap, err := metricsSource.Collect()
					if err != nil {
						level.Warn(logger).Log("msg", "metrics collection failed", "err", err)
						continue
					}
					snapshotMu.Lock()
					lastSnapshot = snap
					snapshotMu.Unlock()
				}
			}
		}, func(err error) {
			close(stop)
		})
	}
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting metrics server", "addr", metricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}, func(err error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		})
	}
	{
		addr := fmt.Sprintf(":%d", localAPIPort)
		localSrvHTTP := &http.Server{Addr: addr, Handler: localSrv}
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting local device API", "addr", addr)
			if err := localSrvHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}, func(err error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			localSrvHTTP.Shutdown(shutdownCtx)
		})
	}

	return g.Run()
}

func envOrDefault(flagVal, fallback string) string {
	if flagVal != "" {
		return flagVal
	}
	return fallback
}

// persistProtocolAdapterDevices adapts store.Store's normalized
// protocol-adapter device table to modbus.PersistFunc, so the scheduler's
// row set survives a restart independently of the raw target-state
// snapshot.
func persistProtocolAdapterDevices(db *store.Store) modbus.PersistFunc {
	return func(ctx context.Context, rows []protocol.Row) error {
		storeRows := make([]store.ProtocolAdapterRow, len(rows))
		for i, r := range rows {
			metadata, err := json.Marshal(r.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata for %q: %w", r.Name, err)
			}
			storeRows[i] = store.ProtocolAdapterRow{
				Name:           r.Name,
				Protocol:       string(r.Protocol),
				Enabled:        r.Enabled,
				PollIntervalMs: r.PollIntervalMs,
				Connection:     r.Connection,
				DataPoints:     r.DataPoints,
				Metadata:       metadata,
			}
		}
		return db.ReplaceProtocolAdapterDevices(ctx, storeRows)
	}
}

// storeRowsToProtocolRows converts persisted rows back into the
// protocol.Row shape modbus.Scheduler.HandleChange expects, for seeding the
// scheduler at startup.
func storeRowsToProtocolRows(rows []store.ProtocolAdapterRow) []protocol.Row {
	out := make([]protocol.Row, len(rows))
	for i, r := range rows {
		var metadata map[string]any
		if len(r.Metadata) > 0 {
			json.Unmarshal(r.Metadata, &metadata)
		}
		out[i] = protocol.Row{
			Name:           r.Name,
			Protocol:       protocol.Protocol(r.Protocol),
			Enabled:        r.Enabled,
			PollIntervalMs: r.PollIntervalMs,
			Connection:     r.Connection,
			DataPoints:     r.DataPoints,
			Metadata:       metadata,
		}
	}
	return out
}

// targetStore holds the most recently received target state.State,
// implementing both reconcile.TargetFunc (via Get) and configdist.Handler
// for the "apps" config key.
type targetStore struct {
	mu    sync.Mutex
	state state.State
}

func newTargetStore() *targetStore {
	return &targetStore{}
}

func (t *targetStore) Get() state.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// HandleChange implements configdist.Handler for the "apps" key: the
// value is a map of appID to state.App, the same shape
// runtime.CurrentState produces for the reconciler's current side.
func (t *targetStore) HandleChange(_ context.Context, _ string, newValue, _ json.RawMessage) error {
	if newValue == nil {
		t.mu.Lock()
		t.state = state.State{}
		t.mu.Unlock()
		return nil
	}
	var apps map[int]state.App
	if err := json.Unmarshal(newValue, &apps); err != nil {
		return fmt.Errorf("apps: %w", err)
	}
	t.mu.Lock()
	t.state = state.State{Apps: apps, UpdatedAt: time.Now()}
	t.mu.Unlock()
	return nil
}
