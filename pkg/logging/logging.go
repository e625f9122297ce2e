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

// Package logging builds the agent's structured logger and implements the
// "logging" configdist.Handler (spec §4.6): the cloud can raise or lower
// the device's log verbosity at runtime by changing the "logging" key in
// the target config blob.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	LogFormatLogfmt = "logfmt"
	LogFormatJSON   = "json"
)

func levelOption(logLevel string) (level.Option, error) {
	switch logLevel {
	case "error":
		return level.AllowError(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "info":
		return level.AllowInfo(), nil
	case "debug":
		return level.AllowDebug(), nil
	default:
		return nil, fmt.Errorf("logging: unknown level %q", logLevel)
	}
}

// filterLogger re-reads its level.Option from an atomic.Value on every Log
// call, so Controller.HandleChange can retarget verbosity without any
// consumer having to re-fetch a new logger.Logger value.
type filterLogger struct {
	base log.Logger
	opt  *atomic.Value
}

func (f *filterLogger) Log(keyvals ...any) error {
	o, _ := f.opt.Load().(level.Option)
	return level.NewFilter(f.base, o).Log(keyvals...)
}

// NewLogger returns a log.Logger printing in the given format with a UTC
// timestamp and caller field, and a Controller that lets the "logging"
// config key adjust its level afterward (spec §4.6).
func NewLogger(logLevel, logFormat string, w io.Writer) (log.Logger, *Controller, error) {
	opt, err := levelOption(logLevel)
	if err != nil {
		return nil, nil, err
	}

	var base log.Logger
	if logFormat == LogFormatJSON {
		base = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		base = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}

	opts := &atomic.Value{}
	opts.Store(opt)

	logger := log.With(&filterLogger{base: base, opt: opts}, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return logger, &Controller{opts: opts, fallback: opt}, nil
}

// Controller lets HandleChange retarget the live logger's verbosity.
type Controller struct {
	opts     *atomic.Value
	fallback level.Option
}

// levelConfig is the shape of the "logging" config key's value.
type levelConfig struct {
	Level string `json:"level"`
}

// HandleChange implements configdist.Handler for the "logging" key: a
// removed key (newValue == nil) restores the boot-time level.
func (c *Controller) HandleChange(_ context.Context, _ string, newValue, _ json.RawMessage) error {
	if newValue == nil {
		c.opts.Store(c.fallback)
		return nil
	}
	var cfg levelConfig
	if err := json.Unmarshal(newValue, &cfg); err != nil {
		return fmt.Errorf("logging: decode config: %w", err)
	}
	opt, err := levelOption(cfg.Level)
	if err != nil {
		return err
	}
	c.opts.Store(opt)
	return nil
}
