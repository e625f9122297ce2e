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

package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zemfyre/device-agent/pkg/runtime"
	"github.com/zemfyre/device-agent/pkg/state"
)

var (
	stepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "device_agent_reconcile_steps_total",
		Help: "Reconciliation steps executed, by kind and outcome.",
	}, []string{"kind", "outcome"})
	runsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "device_agent_reconcile_runs_total",
		Help: "Reconciliation runs attempted.",
	})
)

// MustRegister registers the package's metrics against reg. Call once from
// main.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(stepsTotal, runsTotal)
}

// TargetFunc returns the current target state, e.g. backed by the cloud
// sync loop's last-received snapshot.
type TargetFunc func() state.State

// Executor serializes plan execution: at most one reconciliation runs at a
// time per agent, and triggers arriving mid-run are coalesced into a single
// follow-up run (spec §4.1/§5).
type Executor struct {
	adapter runtime.Adapter
	logger  log.Logger
	target  TargetFunc

	// execMu serializes every call to apply (both the triggered run loop
	// and the local API's direct Apply calls), so a manual restart/stop/
	// start never interleaves adapter calls with an in-progress
	// reconciliation (spec §4.4 "Requests that mutate are serialized
	// against the reconciler").
	execMu sync.Mutex

	mu        sync.Mutex
	running   bool
	pending   bool
	lastErr   error
	lastRunAt time.Time

	trigger chan struct{}
}

// NewExecutor constructs an Executor. target is consulted at the start of
// every run.
func NewExecutor(adapter runtime.Adapter, logger log.Logger, target TargetFunc) *Executor {
	return &Executor{
		adapter: adapter,
		logger:  logger,
		target:  target,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests a reconciliation run. It never blocks: if a run is
// already scheduled or in flight, the request is coalesced.
func (e *Executor) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run consumes triggers until ctx is cancelled, executing at most one plan
// at a time.
func (e *Executor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.trigger:
			e.runOnce(ctx)
			// Coalesce: if another trigger arrived while we ran, a single
			// follow-up run happens on the next loop iteration because the
			// channel send during runOnce was buffered (size 1).
		}
	}
}

func (e *Executor) runOnce(ctx context.Context) {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()

	runsTotal.Inc()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.lastRunAt = time.Now()
		e.mu.Unlock()
	}()

	current, err := runtime.CurrentState(ctx, e.adapter)
	if err != nil {
		level.Error(e.logger).Log("msg", "reading current state failed", "category", "runtime", "err", err)
		e.setLastErr(err)
		return
	}
	target := e.target()

	steps := Plan(current, target)
	if err := e.apply(ctx, steps); err != nil {
		e.setLastErr(err)
		return
	}
	e.setLastErr(nil)
}

func (e *Executor) setLastErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = err
}

// LastError returns the error from the most recent run, or nil.
func (e *Executor) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Healthy reports whether a reconciliation has completed within window.
func (e *Executor) Healthy(window time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastRunAt.IsZero() {
		return true // hasn't had a chance to run yet; not unhealthy.
	}
	return time.Since(e.lastRunAt) < window
}

// apply executes steps sequentially. A step failure stops the run (spec
// §4.1): the remaining diverging subset is retried on the next trigger.
func (e *Executor) apply(ctx context.Context, steps []Step) error {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	for _, step := range steps {
		if err := e.applyStep(ctx, step); err != nil {
			stepsTotal.WithLabelValues(step.Kind.String(), "error").Inc()
			level.Error(e.logger).Log("msg", "reconcile step failed", "category", "runtime", "step", step.String(), "err", err)
			return err
		}
		stepsTotal.WithLabelValues(step.Kind.String(), "ok").Inc()
	}
	return nil
}

func (e *Executor) applyStep(ctx context.Context, step Step) error {
	switch step.Kind {
	case KindPullImage:
		return e.adapter.PullImage(ctx, step.Image)
	case KindStartService:
		labels := runtime.Labels{AppID: step.AppID, ServiceID: step.ServiceID}
		_, err := e.adapter.Start(ctx, labels, step.Service)
		return err
	case KindStopService:
		return e.adapter.Stop(ctx, step.ContainerID)
	case KindRemoveService:
		return e.adapter.Remove(ctx, step.ContainerID)
	case KindRecreateService:
		if err := e.adapter.Stop(ctx, step.ContainerID); err != nil {
			return err
		}
		if err := e.adapter.Remove(ctx, step.ContainerID); err != nil {
			return err
		}
		if err := e.adapter.PullImage(ctx, step.Service.Config.Image); err != nil {
			return err
		}
		labels := runtime.Labels{AppID: step.AppID, ServiceID: step.ServiceID}
		_, err := e.adapter.Start(ctx, labels, step.Service)
		return err
	default:
		return nil
	}
}

// Apply runs steps against adapter directly, bypassing the trigger queue,
// and returns once they are done. Exposed for the local API's restart
// handler (which calls it from a background goroutine), its synchronous
// stop/start handlers, and tests.
func (e *Executor) Apply(ctx context.Context, steps []Step) error {
	return e.apply(ctx, steps)
}
