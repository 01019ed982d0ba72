// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mqttmtp implements the MQTT MTP. Each connected Service owns
// a pair of topics: the Broker publishes requests to the Service's
// inbound topic and subscribes to its outbound topic for responses,
// notifications, and Service-initiated requests, following the same
// connect/subscribe/publish sequencing as the teacher's MQTT input and
// output components.
package mqttmtp

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/uspbroker/broker/internal/core"
	"github.com/uspbroker/broker/internal/protocol"
)

// Topics names the inbound/outbound topic pair for one Service's
// Controller-side leg. The Broker publishes to ToService and receives
// on FromService.
type Topics struct {
	ToService   string
	FromService string
}

// ErrNotHandled is returned by Send when handle was not issued by this
// package's Broker, so a multi-transport router (cmd/uspbroker-daemon)
// can try the next transport instead of treating it as a send failure.
var ErrNotHandled = fmt.Errorf("mqttmtp: handle not owned by this transport")

var _ core.Transport = (*Broker)(nil)

// Broker is one MQTT client connection shared across every Service
// reachable over this MTP; Services are distinguished by topic, not by
// separate connections, since that's how the MQTT binding is meant to
// scale.
type Broker struct {
	client   mqtt.Client
	core     *core.Core
	registry *core.Registry
	logger   *slog.Logger

	mu             sync.Mutex
	handle         map[string]Topics // endpoint/id -> topics, doubles as the Send handle lookup
	controllerRole map[string]string // id -> role, for ids added via AddController rather than AddService
}

// Config configures the shared MQTT connection.
type Config struct {
	BrokerURLs     []string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// Connect establishes the shared MQTT connection. Per-Service topic
// subscriptions are added later via AddService as Services are
// provisioned (typically from configuration, since MQTT has no
// connection-time handshake to carry a hello frame the way
// transport/unixsocket does).
func Connect(cfg Config, c *core.Core, registry *core.Registry, logger *slog.Logger) (*Broker, error) {
	opts := mqtt.NewClientOptions().
		SetAutoReconnect(false).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetKeepAlive(cfg.KeepAlive)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	for _, u := range cfg.BrokerURLs {
		opts.AddBroker(u)
	}

	b := &Broker{registry: registry, core: c, logger: logger,
		handle:         make(map[string]Topics),
		controllerRole: make(map[string]string),
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, reason error) {
		logger.Error("mqttmtp: connection lost", slog.Any("error", reason))
		b.disconnectAll()
	})

	b.client = mqtt.NewClient(opts)
	tok := b.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqttmtp: connecting: %w", err)
	}
	return b, nil
}

// AddService subscribes to endpoint's outbound topic and registers its
// Controller-side leg with the registry, using topics as the Send
// handle.
func (b *Broker) AddService(endpoint string, topics Topics) error {
	b.mu.Lock()
	b.handle[endpoint] = topics
	b.mu.Unlock()

	tok := b.client.Subscribe(topics.FromService, 1, func(_ mqtt.Client, msg mqtt.Message) {
		parsed, err := protocol.DecodeMessage(msg.Payload())
		if err != nil {
			b.logger.Warn("mqttmtp: decoding message failed", slog.String("endpoint", endpoint), slog.Any("error", err))
			return
		}
		b.core.Deliver(core.Inbound{FromEndpoint: endpoint, FromService: true, Handle: endpoint, Message: parsed})
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		b.mu.Lock()
		delete(b.handle, endpoint)
		b.mu.Unlock()
		return fmt.Errorf("mqttmtp: subscribing to %s: %w", topics.FromService, err)
	}

	svc, err := b.registry.Add(endpoint, core.RoleControllerSide, endpoint)
	if err != nil {
		b.client.Unsubscribe(topics.FromService)
		b.mu.Lock()
		delete(b.handle, endpoint)
		b.mu.Unlock()
		return err
	}
	svc.Protocol = "mqtt"
	return nil
}

// AddController subscribes to an external Controller's outbound topic
// under the given id and permission role. Unlike AddService, this does
// not touch the Service registry: HandleFrontDoorRequest only needs a
// valid Handle and Role to reply, so a Controller's topic pair never
// becomes a registered Service.
func (b *Broker) AddController(id, role string, topics Topics) error {
	b.mu.Lock()
	b.handle[id] = topics
	b.controllerRole[id] = role
	b.mu.Unlock()

	tok := b.client.Subscribe(topics.FromService, 1, func(_ mqtt.Client, msg mqtt.Message) {
		parsed, err := protocol.DecodeMessage(msg.Payload())
		if err != nil {
			b.logger.Warn("mqttmtp: decoding message failed", slog.String("controller", id), slog.Any("error", err))
			return
		}
		b.core.Deliver(core.Inbound{FromEndpoint: id, FromService: false, Role: role, Handle: id, Message: parsed})
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		b.mu.Lock()
		delete(b.handle, id)
		delete(b.controllerRole, id)
		b.mu.Unlock()
		return fmt.Errorf("mqttmtp: subscribing to %s: %w", topics.FromService, err)
	}
	return nil
}

// RemoveController unsubscribes a Controller added with AddController.
func (b *Broker) RemoveController(id string) {
	b.mu.Lock()
	topics, ok := b.handle[id]
	delete(b.handle, id)
	delete(b.controllerRole, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	b.client.Unsubscribe(topics.FromService)
}

// RemoveService unsubscribes endpoint's outbound topic and reports the
// loss to Core so subscriptions and in-flight requests are resolved.
func (b *Broker) RemoveService(endpoint string) {
	b.mu.Lock()
	topics, ok := b.handle[endpoint]
	delete(b.handle, endpoint)
	b.mu.Unlock()
	if !ok {
		return
	}
	b.client.Unsubscribe(topics.FromService)
	b.core.HandleTransportLost(endpoint, core.RoleControllerSide, true)
}

func (b *Broker) disconnectAll() {
	b.mu.Lock()
	endpoints := make([]string, 0, len(b.handle))
	for ep := range b.handle {
		if _, isController := b.controllerRole[ep]; isController {
			continue
		}
		endpoints = append(endpoints, ep)
	}
	b.handle = make(map[string]Topics)
	b.controllerRole = make(map[string]string)
	b.mu.Unlock()
	for _, ep := range endpoints {
		b.core.HandleTransportLost(ep, core.RoleControllerSide, true)
	}
}

// Send publishes msg on the Service's inbound topic. handle is the
// endpoint string handed to the registry by AddService.
func (b *Broker) Send(handle any, msg protocol.Message) error {
	endpoint, ok := handle.(string)
	if !ok {
		return fmt.Errorf("mqttmtp: Send: handle %T: %w", handle, ErrNotHandled)
	}
	b.mu.Lock()
	topics, ok := b.handle[endpoint]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("mqttmtp: Send: unknown endpoint %q", endpoint)
	}

	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	tok := b.client.Publish(topics.ToService, 1, false, data)
	tok.Wait()
	return tok.Error()
}

// Disconnect closes the shared MQTT connection.
func (b *Broker) Disconnect() {
	b.client.Disconnect(250)
}
