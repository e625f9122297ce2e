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

package modbus

import (
	"errors"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/zemfyre/device-agent/pkg/sample"
)

// State is a position in the per-device connection state machine (spec
// §4.7).
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateError        State = "ERROR"
)

// defaultRetryDelay is how long a client waits in StateError before the
// next CONNECTING attempt, absent an explicit override.
const defaultRetryDelay = 5 * time.Second

// Sink receives every sample a Client produces, GOOD or BAD, one call per
// data point per poll tick.
type Sink func(sample.SensorDataPoint)

// Client drives one Modbus device row: it owns the connection state
// machine, polls configured DataPoints on PollTick, and reports quality-
// coded samples to a Sink. At most one read is ever in flight; Enable and
// Close serialise against a running poll via mu.
type Client struct {
	deviceName string
	conn       Connection
	points     []DataPoint
	sink       Sink
	logger     log.Logger
	retryDelay time.Duration

	newTransport func(Connection) Transport

	mu         sync.Mutex
	state      State
	transport  Transport
	nextRetry  time.Time
	enabled    bool
}

// NewClient constructs a Client in StateDisconnected. It does not connect
// until Enable is called.
func NewClient(deviceName string, conn Connection, points []DataPoint, sink Sink, logger log.Logger) *Client {
	return &Client{
		deviceName:   deviceName,
		conn:         conn,
		points:       points,
		sink:         sink,
		logger:       logger,
		retryDelay:   defaultRetryDelay,
		newTransport: NewTransport,
		state:        StateDisconnected,
	}
}

// State reports the client's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Enable marks the device active: the next PollTick attempts to connect.
// Calling Enable while already enabled is a no-op.
func (c *Client) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = true
}

// Disable marks the device inactive and tears down any open connection.
// Subsequent PollTick calls are no-ops until Enable is called again.
func (c *Client) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
	c.closeLocked()
	c.state = StateDisconnected
}

// Close tears down the client permanently.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
}

// PollTick drives one polling cycle: if disabled, it does nothing; if not
// yet connected and the retry backoff has elapsed, it attempts to connect;
// if connected, it reads every configured DataPoint and emits a sample for
// each, good or bad. An enabled device that is not CONNECTED emits one BAD
// sample per configured data point: DEVICE_OFFLINE while still inside the
// retry backoff, or the code classified from the connect error (e.g.
// CONNECTION_REFUSED) when the connect attempt itself just failed, so
// downstream consumers always see one reading per point per tick (spec
// §4.7).
func (c *Client) PollTick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	if c.state != StateConnected {
		if time.Now().Before(c.nextRetry) {
			c.emitOfflineLocked()
			return
		}
		if err := c.connectLocked(); err != nil {
			code := classifyError(err)
			for _, dp := range c.points {
				c.sink(sample.BadSample(c.deviceName, dp.Name, dp.Unit, code))
			}
			return
		}
	}

	c.pollLocked()
}

// connectLocked attempts to bring the transport up, transitioning
// DISCONNECTED/ERROR -> CONNECTING -> CONNECTED, or back to ERROR with a
// fresh retry deadline on failure. c.mu must be held.
func (c *Client) connectLocked() error {
	c.state = StateConnecting
	t := c.newTransport(c.conn)
	if err := t.Connect(); err != nil {
		level.Warn(c.logger).Log("msg", "modbus connect failed", "device", c.deviceName, "err", err)
		c.state = StateError
		c.nextRetry = time.Now().Add(c.retryDelay)
		return err
	}
	c.transport = t
	c.state = StateConnected
	level.Info(c.logger).Log("msg", "modbus connected", "device", c.deviceName, "address", c.conn.Address())
	return nil
}

// pollLocked reads every configured data point over the live transport.
// c.mu must be held.
func (c *Client) pollLocked() {
	for _, dp := range c.points {
		raw, err := c.readLocked(dp)
		if err != nil {
			c.transportErrorLocked(dp, err)
			continue
		}
		var v any
		if dp.FunctionCode == FuncCoil || dp.FunctionCode == FuncDiscreteInput {
			v, err = decodeBit(raw)
		} else {
			v, err = decodeRegisters(raw, dp)
		}
		if err != nil {
			level.Error(c.logger).Log("msg", "modbus decode failed", "device", c.deviceName, "register", dp.Name, "err", err)
			c.sink(sample.BadSample(c.deviceName, dp.Name, dp.Unit, sample.QualityCodeReadError))
			continue
		}
		c.sink(sample.GoodSample(c.deviceName, dp.Name, v, dp.Unit))
	}
}

func (c *Client) readLocked(dp DataPoint) ([]byte, error) {
	n := dp.registerCount()
	switch dp.FunctionCode {
	case FuncCoil:
		return c.transport.ReadCoils(dp.Address, 1)
	case FuncDiscreteInput:
		return c.transport.ReadDiscreteInputs(dp.Address, 1)
	case FuncHoldingRegister:
		return c.transport.ReadHoldingRegisters(dp.Address, n)
	default: // FuncInputRegister
		return c.transport.ReadInputRegisters(dp.Address, n)
	}
}

// transportErrorLocked handles a failed read: it emits one BAD sample for
// the data point that failed, classifies the error, and if the failure
// looks like a lost connection (rather than a one-off Modbus exception)
// tears the transport down so the next tick reconnects. c.mu must be held.
func (c *Client) transportErrorLocked(dp DataPoint, err error) {
	code := classifyError(err)
	c.sink(sample.BadSample(c.deviceName, dp.Name, dp.Unit, code))

	if code == sample.QualityCodeModbusException {
		return
	}
	level.Warn(c.logger).Log("msg", "modbus transport error", "device", c.deviceName, "register", dp.Name, "err", err)
	c.closeLocked()
	c.state = StateError
	c.nextRetry = time.Now().Add(c.retryDelay)
}

// emitOfflineLocked emits one BAD DEVICE_OFFLINE sample per configured data
// point. c.mu must be held.
func (c *Client) emitOfflineLocked() {
	for _, dp := range c.points {
		c.sink(sample.BadSample(c.deviceName, dp.Name, dp.Unit, sample.QualityCodeDeviceOffline))
	}
}

// classifyError maps a transport-layer error to the quality codes the
// sensor-publish/cloud-sync consumers key alerting on (spec §4.7/§8).
func classifyError(err error) sample.QualityCode {
	if err == nil {
		return ""
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return sample.QualityCodeTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return sample.QualityCodeConnectionRefused
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return sample.QualityCodeHostUnreachable
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return sample.QualityCodeConnectionReset
	}
	if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENODEV) {
		return sample.QualityCodePortNotFound
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such file"), strings.Contains(msg, "device not found"):
		return sample.QualityCodePortNotFound
	case strings.Contains(msg, "exception"):
		return sample.QualityCodeModbusException
	default:
		return sample.QualityCodeReadError
	}
}
