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

package mqttclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// defaultPublishRateLimit caps outbound publish calls so a misbehaving
// sensor or protocol adapter can't flood the broker; generous enough that
// normal batched sensor traffic (spec §4.8) never blocks on it.
const defaultPublishRateLimit = 50

var (
	messagesRouted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "device_agent_mqtt_messages_routed_total",
		Help: "Inbound MQTT messages dispatched to at least one handler.",
	})
	handlerPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "device_agent_mqtt_handler_panics_total",
		Help: "Subscription handler invocations that panicked and were recovered.",
	})
	publishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "device_agent_mqtt_publish_failures_total",
		Help: "Publish calls that returned an error.",
	})
)

// MustRegister registers the package's metrics against reg. Call once from
// main.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(messagesRouted, handlerPanics, publishFailures)
}

// Handler processes one inbound message on a matched topic filter.
type Handler func(topic string, payload []byte)

// Options configures Connect.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// ConnectTimeout bounds the initial connect handshake (spec: 10s
	// watchdog).
	ConnectTimeout time.Duration
}

type subscription struct {
	filter  string
	qos     byte
	handler Handler
}

// Client is the process-singleton MQTT client shared by every feature
// (spec §4.5). It is safe for concurrent use: Publish may be called
// concurrently and is linearised by the underlying paho client; Subscribe/
// Unsubscribe mutate the subscription table under a mutex.
type Client struct {
	logger  log.Logger
	limiter *rate.Limiter

	mu            sync.RWMutex
	subscriptions map[string]*subscription
	cli           mqtt.Client

	connectMu sync.Mutex
	connected bool
}

// New constructs a disconnected Client, rate-limited to
// defaultPublishRateLimit publishes/sec with a one-second burst.
func New(logger log.Logger) *Client {
	return &Client{
		logger:        logger,
		limiter:       rate.NewLimiter(rate.Limit(defaultPublishRateLimit), defaultPublishRateLimit),
		subscriptions: map[string]*subscription{},
	}
}

// Connect is idempotent: calling it while already connected to the same
// broker is a no-op. Connection attempts are deduplicated via paho's own
// connect-in-progress handling, bounded by opts.ConnectTimeout.
func (c *Client) Connect(opts Options) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.connected {
		return nil
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	o := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.ConnectTimeout).
		SetConnectRetry(true).
		SetOnConnectHandler(func(_ mqtt.Client) {
			level.Info(c.logger).Log("msg", "mqtt connected", "broker", opts.BrokerURL)
			c.resubscribeAll()
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			level.Warn(c.logger).Log("msg", "mqtt connection lost", "err", err)
		})

	cli := mqtt.NewClient(o)
	token := cli.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return fmt.Errorf("mqtt: connect timed out after %s", opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect failed: %w", err)
	}

	c.cli = cli
	c.connected = true
	return nil
}

// IsConnected reports whether the broker connection is currently up.
func (c *Client) IsConnected() bool {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.connected && c.cli != nil && c.cli.IsConnected()
}

// Disconnect drains pending publishes (up to quiesce) and tears down the
// connection.
func (c *Client) Disconnect(quiesce uint) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if c.cli != nil {
		c.cli.Disconnect(quiesce)
	}
	c.connected = false
}

// Publish sends payload to topic at the given QoS. Safe for concurrent use.
func (c *Client) Publish(topic string, qos byte, payload []byte) error {
	if err := c.limiter.Wait(context.Background()); err != nil {
		return fmt.Errorf("mqtt: rate limiter: %w", err)
	}

	c.connectMu.Lock()
	cli := c.cli
	c.connectMu.Unlock()
	if cli == nil {
		publishFailures.Inc()
		return fmt.Errorf("mqtt: not connected")
	}
	token := cli.Publish(topic, qos, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		publishFailures.Inc()
		return err
	}
	return nil
}

// Subscribe registers handler for every inbound message whose topic matches
// filter (which may contain '+'/'#' wildcards). Multiple handlers may share
// a filter; each is invoked independently and a panicking handler is
// recovered and logged without affecting delivery to the others.
func (c *Client) Subscribe(filter string, qos byte, handler Handler) error {
	key := fmt.Sprintf("%s\x00%p", filter, handler)

	c.mu.Lock()
	c.subscriptions[key] = &subscription{filter: filter, qos: qos, handler: handler}
	c.mu.Unlock()

	c.connectMu.Lock()
	cli := c.cli
	c.connectMu.Unlock()
	if cli == nil {
		return nil // queued; re-established once Connect succeeds.
	}
	return c.subscribePaho(cli, filter)
}

// Unsubscribe removes every handler registered for filter.
func (c *Client) Unsubscribe(filter string) error {
	c.mu.Lock()
	for key, sub := range c.subscriptions {
		if sub.filter == filter {
			delete(c.subscriptions, key)
		}
	}
	c.mu.Unlock()

	c.connectMu.Lock()
	cli := c.cli
	c.connectMu.Unlock()
	if cli == nil {
		return nil
	}
	token := cli.Unsubscribe(filter)
	token.Wait()
	return token.Error()
}

// subscribePaho subscribes once to filter at the broker, routing every
// matching message through the in-process handler table (so multiple
// logical handlers can share one broker-level subscription, and so
// wildcard matching is ours, not paho's).
func (c *Client) subscribePaho(cli mqtt.Client, filter string) error {
	token := cli.Subscribe(filter, 1, func(_ mqtt.Client, msg mqtt.Message) {
		c.route(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (c *Client) resubscribeAll() {
	c.mu.RLock()
	filters := map[string]bool{}
	for _, sub := range c.subscriptions {
		filters[sub.filter] = true
	}
	c.mu.RUnlock()

	c.connectMu.Lock()
	cli := c.cli
	c.connectMu.Unlock()
	if cli == nil {
		return
	}
	for filter := range filters {
		if err := c.subscribePaho(cli, filter); err != nil {
			level.Error(c.logger).Log("msg", "resubscribe failed", "filter", filter, "err", err)
		}
	}
}

// route dispatches an inbound message to every handler whose filter
// matches topic.
func (c *Client) route(topic string, payload []byte) {
	c.mu.RLock()
	var matched []Handler
	for _, sub := range c.subscriptions {
		if Match(sub.filter, topic) {
			matched = append(matched, sub.handler)
		}
	}
	c.mu.RUnlock()

	if len(matched) == 0 {
		return
	}
	messagesRouted.Inc()
	for _, h := range matched {
		c.invoke(h, topic, payload)
	}
}

func (c *Client) invoke(h Handler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			handlerPanics.Inc()
			level.Error(c.logger).Log("msg", "mqtt handler panicked", "category", "runtime", "topic", topic, "panic", r)
		}
	}()
	h(topic, payload)
}
