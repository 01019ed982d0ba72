// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mqttmtp

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/uspbroker/broker/internal/clock"
	"github.com/uspbroker/broker/internal/core"
	"github.com/uspbroker/broker/internal/permission"
	"github.com/uspbroker/broker/internal/protocol"
	"github.com/uspbroker/broker/internal/reqtable"
	"github.com/uspbroker/broker/internal/schema"
	"github.com/uspbroker/broker/internal/substable"
)

// fakeToken is an immediately-resolved mqtt.Token for tests.
type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                         { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool      { return true }
func (t *fakeToken) Done() <-chan struct{}               { ch := make(chan struct{}); close(ch); return ch }
func (t *fakeToken) Error() error                        { return t.err }

// fakeClient implements mqtt.Client, recording subscriptions and
// published messages without an actual network connection.
type fakeClient struct {
	subscriptions map[string]mqtt.MessageHandler
	published     []fakePublish
}

type fakePublish struct {
	topic   string
	payload []byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{subscriptions: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return &fakeToken{} }
func (c *fakeClient) Disconnect(quiesce uint) {}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	data, _ := payload.([]byte)
	c.published = append(c.published, fakePublish{topic: topic, payload: data})
	return &fakeToken{}
}
func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.subscriptions[topic] = callback
	return &fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic := range filters {
		c.subscriptions[topic] = callback
	}
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	return &fakeToken{}
}
func (c *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader             { return mqtt.ClientOptionsReader{} }

type forwardingTransport struct{ target core.Transport }

func (f *forwardingTransport) Send(handle any, msg protocol.Message) error {
	return f.target.Send(handle, msg)
}

func newTestBroker(t *testing.T) (*Broker, *core.Core, *core.Registry, *fakeClient) {
	t.Helper()
	registry := core.NewRegistry(4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fc := newFakeClient()
	fwd := &forwardingTransport{}
	c := core.New(logger, clock.Real(), fwd, registry, schema.NewInMemoryTree(), reqtable.NewInMemoryTable(), substable.NewInMemoryTable(), permission.NewStaticStore(nil))
	b := &Broker{client: fc, core: c, registry: registry, logger: logger,
		handle:         make(map[string]Topics),
		controllerRole: make(map[string]string),
	}
	fwd.target = b
	return b, c, registry, fc
}

func TestBrokerAddServicePublishesOnSend(t *testing.T) {
	b, _, registry, fc := newTestBroker(t)

	topics := Topics{ToService: "usp/svc-a/request", FromService: "usp/svc-a/response"}
	if err := b.AddService("svc-a", topics); err != nil {
		t.Fatalf("AddService() error = %v", err)
	}
	if registry.FindByEndpoint("svc-a") == nil {
		t.Fatal("AddService() did not register the service")
	}
	if _, ok := fc.subscriptions[topics.FromService]; !ok {
		t.Fatal("AddService() did not subscribe to the outbound topic")
	}

	if err := b.Send("svc-a", protocol.Message{MsgID: "m1", Body: protocol.Get{Paths: []string{"Device.WiFi."}}}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(fc.published) != 1 || fc.published[0].topic != topics.ToService {
		t.Fatalf("published = %v, want one message on %s", fc.published, topics.ToService)
	}
}

func TestBrokerDeliversSubscribedMessageToCore(t *testing.T) {
	b, c, _, fc := newTestBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	topics := Topics{ToService: "usp/svc-a/request", FromService: "usp/svc-a/response"}
	if err := b.AddService("svc-a", topics); err != nil {
		t.Fatalf("AddService() error = %v", err)
	}

	data, err := protocol.EncodeMessage(protocol.Message{MsgID: "m1", Body: protocol.Register{Paths: []string{"Device.WiFi."}}})
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}

	callback := fc.subscriptions[topics.FromService]
	if callback == nil {
		t.Fatal("no subscription callback recorded")
	}
	callback(fc, &fakeMessage{payload: data})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fc.published) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Register was never answered on the inbound topic")
}

func TestBrokerRemoveServicePropagatesTransportLoss(t *testing.T) {
	b, _, registry, _ := newTestBroker(t)
	topics := Topics{ToService: "usp/svc-a/request", FromService: "usp/svc-a/response"}
	if err := b.AddService("svc-a", topics); err != nil {
		t.Fatalf("AddService() error = %v", err)
	}

	b.RemoveService("svc-a")

	if registry.FindByEndpoint("svc-a") != nil {
		t.Error("RemoveService() left the service registered")
	}
}

func TestBrokerAddControllerDeliversWithoutRegistering(t *testing.T) {
	b, c, registry, fc := newTestBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	topics := Topics{ToService: "usp/ctrl-a/request", FromService: "usp/ctrl-a/response"}
	if err := b.AddController("ctrl-a", "admin", topics); err != nil {
		t.Fatalf("AddController() error = %v", err)
	}
	if registry.FindByEndpoint("ctrl-a") != nil {
		t.Error("AddController() must not register a Service entry")
	}

	data, err := protocol.EncodeMessage(protocol.Message{MsgID: "m1", Body: protocol.Get{Paths: []string{"Device.WiFi."}}})
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	callback := fc.subscriptions[topics.FromService]
	if callback == nil {
		t.Fatal("no subscription callback recorded")
	}
	callback(fc, &fakeMessage{payload: data})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fc.published) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Get from a controller was never answered")
}

func TestBrokerRemoveControllerUnsubscribes(t *testing.T) {
	b, _, _, fc := newTestBroker(t)
	topics := Topics{ToService: "usp/ctrl-a/request", FromService: "usp/ctrl-a/response"}
	if err := b.AddController("ctrl-a", "admin", topics); err != nil {
		t.Fatalf("AddController() error = %v", err)
	}

	b.RemoveController("ctrl-a")

	if _, ok := fc.subscriptions[topics.FromService]; ok {
		t.Error("RemoveController() left the outbound topic subscribed")
	}
}

type fakeMessage struct {
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return "usp/svc-a/response" }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}
