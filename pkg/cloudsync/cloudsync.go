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

// Package cloudsync implements the cloud sync loop (spec §4.2): periodic
// ETag-conditional polling of target state and periodic reporting of
// current state + metrics, both offline-tolerant via capped exponential
// backoff.
package cloudsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	defaultPollInterval   = 30 * time.Second
	defaultReportInterval = 30 * time.Second
	pollTimeout           = 10 * time.Second
	reportTimeout         = 30 * time.Second
)

// TargetStateHandler receives a freshly fetched target-state payload (spec
// "hand off payload to config distributor and reconciliation engine").
type TargetStateHandler func(ctx context.Context, body []byte)

// Report is the body of a state-report PATCH (spec §4.2/§6).
type Report struct {
	Apps          json.RawMessage `json:"apps"`
	CPUUsage      float64         `json:"cpu_usage"`
	MemoryUsage   float64         `json:"memory_usage"`
	MemoryTotal   float64         `json:"memory_total"`
	StorageUsage  float64         `json:"storage_usage"`
	StorageTotal  float64         `json:"storage_total"`
	Temperature   float64         `json:"temperature"`
	UptimeSeconds float64         `json:"uptime"`
	IsOnline      bool            `json:"is_online"`
}

// ReportSource produces the next Report to send; called once per report
// tick, just before comparing its hash against the last sent report.
type ReportSource func() Report

// Options configures a Loop.
type Options struct {
	APIEndpoint    string
	UUID           string
	DeviceAPIKey   string
	PollInterval   time.Duration
	ReportInterval time.Duration
	HTTPClient     *http.Client
}

// Loop runs the poll and report cycles. Both run independently; a failure
// in one never blocks the other.
type Loop struct {
	opts    Options
	client  *http.Client
	logger  log.Logger
	onState TargetStateHandler
	source  ReportSource

	mu               sync.Mutex
	lastETag         string
	lastReport       string
	lastPollAt       time.Time
	lastReportTickAt time.Time
}

// Healthy reports whether both the poll and report cycles have completed a
// tick within window, for the local API's /v1/healthy (spec §4.4).
func (l *Loop) Healthy(window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastPollAt.IsZero() || l.lastReportTickAt.IsZero() {
		return true // hasn't had a chance to run yet; not unhealthy.
	}
	return time.Since(l.lastPollAt) < window && time.Since(l.lastReportTickAt) < window
}

// New builds a Loop. onState is invoked with every freshly fetched target
// state body; source supplies the report body on each report tick.
func New(opts Options, onState TargetStateHandler, source ReportSource, logger log.Logger) *Loop {
	if opts.PollInterval == 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ReportInterval == 0 {
		opts.ReportInterval = defaultReportInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Loop{opts: opts, client: opts.HTTPClient, logger: logger, onState: onState, source: source}
}

// RunPoll drives the target-state poll cycle until ctx is cancelled (spec
// "Poll. Every poll_interval ... GET .../state with If-None-Match").
func (l *Loop) RunPoll(ctx context.Context) error {
	return runTicking(ctx, l.opts.PollInterval, l.logger, "cloudsync poll", func(ctx context.Context) error {
		return l.poll(ctx)
	})
}

// RunReport drives the state-report cycle until ctx is cancelled.
func (l *Loop) RunReport(ctx context.Context) error {
	return runTicking(ctx, l.opts.ReportInterval, l.logger, "cloudsync report", func(ctx context.Context) error {
		return l.report(ctx)
	})
}

// runTicking is the shared periodic-loop+backoff driver for both cycles:
// on success the next tick waits the full interval; on failure it waits
// the backoff-computed delay instead, per spec "Offline tolerance.
// Failures are logged with backoff (capped exponential, e.g., 5 s -> 5
// min)". Shutdown completes any in-flight call (bounded by its own
// request timeout) before returning (spec "Cancellation").
func runTicking(ctx context.Context, interval time.Duration, logger log.Logger, label string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 5 * time.Minute
	b.Multiplier = 2

	wait := interval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if err := fn(context.WithoutCancel(ctx)); err != nil {
			level.Warn(logger).Log("msg", label+" failed", "err", err)
			wait = b.NextBackOff()
			continue
		}
		b.Reset()
		wait = interval
	}
}

// poll runs one ETag-conditional GET of target state.
func (l *Loop) poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	defer func() {
		l.mu.Lock()
		l.lastPollAt = time.Now()
		l.mu.Unlock()
	}()

	url := fmt.Sprintf("%s/api/v1/device/%s/state", l.opts.APIEndpoint, l.opts.UUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+l.opts.DeviceAPIKey)

	l.mu.Lock()
	etag := l.lastETag
	l.mu.Unlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cloudsync: poll returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.lastETag = resp.Header.Get("ETag")
	l.mu.Unlock()

	l.onState(ctx, body)
	return nil
}

// PostLogs uploads a device log bundle to the cloud (spec §4.2/§9, the
// optional device-logs upload capability). r is streamed directly as the
// request body; format, compression and retention are the cloud side's
// concern.
func (l *Loop) PostLogs(ctx context.Context, r io.Reader) error {
	url := fmt.Sprintf("%s/api/v1/device/%s/logs", l.opts.APIEndpoint, l.opts.UUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+l.opts.DeviceAPIKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("cloudsync: post logs returned %s", resp.Status)
	}
	return nil
}

// report runs one PATCH of current state + metrics, skipped when the
// content hash matches the last report sent (spec "Only send when
// hash(current_report) != hash(last_report)").
func (l *Loop) report(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.lastReportTickAt = time.Now()
		l.mu.Unlock()
	}()

	r := l.source()
	payload := map[string]Report{l.opts.UUID: r}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])

	l.mu.Lock()
	unchanged := hash == l.lastReport
	l.mu.Unlock()
	if unchanged {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/v1/device/state", l.opts.APIEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.opts.DeviceAPIKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cloudsync: report returned %s", resp.Status)
	}

	l.mu.Lock()
	l.lastReport = hash
	l.mu.Unlock()
	return nil
}
